package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/H1yori233/innoweaver/internal/auth"
	"github.com/H1yori233/innoweaver/internal/capability/image"
	"github.com/H1yori233/innoweaver/internal/capability/llm"
	"github.com/H1yori233/innoweaver/internal/capability/search"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/monitoring"
	"github.com/H1yori233/innoweaver/internal/pipeline"
	"github.com/H1yori233/innoweaver/internal/ratelimit"
	"github.com/H1yori233/innoweaver/internal/server"
	"github.com/H1yori233/innoweaver/internal/taskstore"
)

var listenAddr string

// serveCmd starts the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API backed by Redis.

Configuration is read from --config, then environment variables. Endpoint
rate limits are listed under rate_limit.endpoints.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides server.listen_addr)")
}

// newRedisClient connects to the configured Redis and checks it answers
func newRedisClient(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.RedisAddr(), err)
	}
	return rdb, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := newRedisClient(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := taskstore.NewRedisStore(rdb, taskstore.Config{
		TaskTTL:      cfg.Pipeline.TaskTTL,
		FailureGrace: cfg.Pipeline.FailureGrace,
		MaxRetries:   cfg.Pipeline.MaxUpdateRetries,
		RetryBackoff: cfg.Pipeline.RetryBackoff,
		Logger:       log,
	})

	metrics := monitoring.NewMetrics(store)
	go metrics.Run(ctx, 10*time.Second)

	var governor *ratelimit.Governor
	if cfg.RateLimit.Enabled {
		governor = ratelimit.NewGovernor(rdb, ratelimit.Config{
			KeyPrefix:     cfg.RateLimit.KeyPrefix,
			DefaultPolicy: ratelimit.Policy{Limit: cfg.RateLimit.DefaultLimit, Window: cfg.RateLimit.DefaultWindow},
			IPPolicy:      ratelimit.Policy{Limit: cfg.RateLimit.IPLimit, Window: cfg.RateLimit.IPWindow},
			FailOpen:      cfg.RateLimit.FailOpen,
			Logger:        log,
		})
		governor.SetObserver(metrics)
		for _, ep := range cfg.RateLimit.Endpoints {
			if err := governor.RegisterEndpointLimit(ep.Path, ep.Limit, ep.Window); err != nil {
				return err
			}
		}
	}

	authSvc, err := auth.NewService(rdb, auth.Config{
		SecretKey:   cfg.Auth.SecretKey,
		TokenExpiry: cfg.Auth.TokenExpiry,
		KeyPrefix:   cfg.Auth.KeyPrefix,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	index := search.NewClient(search.Config{
		Host:          cfg.Search.Host,
		APIKey:        cfg.Search.APIKey,
		PaperIndex:    cfg.Search.PaperIndex,
		SolutionIndex: cfg.Search.SolutionIndex,
		Limit:         cfg.Search.Limit,
		Timeout:       cfg.Search.Timeout,
		Logger:        log,
	})
	completer := llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
		Logger:  log,
	})
	generator := image.NewGenerator(image.GeneratorConfig{
		BaseURL: cfg.Drawing.BaseURL,
		APIKey:  cfg.Drawing.APIKey,
		Model:   cfg.Drawing.Model,
		Timeout: cfg.Drawing.Timeout,
		Logger:  log,
	})
	uploader := image.NewUploader(image.UploaderConfig{
		UploadURL:   cfg.Drawing.UploadURL,
		APIKey:      cfg.Drawing.UploadAPIKey,
		JPEGQuality: cfg.Drawing.JPEGQuality,
		Timeout:     cfg.Drawing.Timeout,
		Logger:      log,
	})

	prompts, err := pipeline.LoadPrompts(cfg.Pipeline.PromptDir)
	if err != nil {
		return err
	}

	engine, err := pipeline.NewEngine(pipeline.Deps{
		Store:     store,
		Searcher:  index,
		Papers:    index,
		Solutions: index,
		LLM:       completer,
		Images:    generator,
		Uploader:  uploader,
		Prompts:   prompts,
		Recorder:  metrics,
		Logger:    log,
	}, pipeline.Config{
		StageDeadline:     cfg.Pipeline.StageDeadline,
		DrawingDeadline:   cfg.Pipeline.DrawingDeadline,
		LookupConcurrency: cfg.Pipeline.LookupConcurrency,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:         cfg.Server.ListenAddr,
		Pipeline:     engine,
		Auth:         authSvc,
		Governor:     governor,
		Metrics:      metrics,
		Health:       store,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("innoweaver started", logger.Fields{
		"address":      cfg.Server.ListenAddr,
		"redis":        cfg.Redis.RedisAddr(),
		"rate_limited": governor != nil,
		"stages":       len(engine.Registry().Stages()),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", logger.Fields{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", logger.Fields{"error": err.Error()})
		return err
	}

	cancel()
	_ = log.Sync()
	return nil
}
