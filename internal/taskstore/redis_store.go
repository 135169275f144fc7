package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for task records
	taskKeyPrefix = "innoweaver:task:"

	defaultTaskTTL      = time.Hour
	defaultFailureGrace = 5 * time.Minute
	defaultMaxRetries   = 8
	defaultRetryBackoff = 20 * time.Millisecond
	maxRetryBackoff     = time.Second

	// attempts to find an unused id on create
	createAttempts = 3
)

// Config holds RedisStore settings
type Config struct {
	TaskTTL      time.Duration
	FailureGrace time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *logger.Logger
}

// RedisStore implements Store using Redis. Writes use WATCH/MULTI so two
// stage calls on the same task cannot overwrite each other's merge.
type RedisStore struct {
	client       *redis.Client
	ttl          time.Duration
	failureGrace time.Duration
	maxRetries   int
	backoff      time.Duration
	logger       *logger.Logger
}

// NewRedisStore creates a new Redis task store
func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = defaultTaskTTL
	}
	if cfg.FailureGrace <= 0 {
		cfg.FailureGrace = defaultFailureGrace
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &RedisStore{
		client:       client,
		ttl:          cfg.TaskTTL,
		failureGrace: cfg.FailureGrace,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.RetryBackoff,
		logger:       cfg.Logger.WithComponent("taskstore"),
	}
}

func taskKey(taskID string) string {
	return taskKeyPrefix + taskID
}

// Create persists a new record with the standard TTL
func (rs *RedisStore) Create(ctx context.Context, ownerID string, seed task.Result) (*task.Record, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		rec := task.NewRecord(ownerID, seed)

		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task: %w", err)
		}

		ok, err := rs.client.SetNX(ctx, taskKey(rec.ID), data, rs.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to create task: %w", err)
		}
		if ok {
			rs.logger.Debug("Task created", logger.Fields{
				"task_id": rec.ID,
				"owner":   ownerID,
			})
			return rec, nil
		}
	}
	return nil, fmt.Errorf("failed to allocate a unique task id after %d attempts", createAttempts)
}

// Get retrieves a task record by ID
func (rs *RedisStore) Get(ctx context.Context, taskID string) (*task.Record, error) {
	if taskID == "" {
		return nil, ErrEmptyID
	}

	data, err := rs.client.Get(ctx, taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var rec task.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &rec, nil
}

// Update merges a stage outcome into the record and refreshes its TTL
func (rs *RedisStore) Update(ctx context.Context, taskID, status string, progress int, partial *task.Result) (*task.Record, error) {
	return rs.Mutate(ctx, taskID, func(rec *task.Record) error {
		rec.Apply(status, progress, partial)
		return nil
	})
}

// Mutate runs fn on the current record and writes it back only if nobody
// else wrote the key in between; otherwise it re-reads and retries.
func (rs *RedisStore) Mutate(ctx context.Context, taskID string, fn func(*task.Record) error) (*task.Record, error) {
	return rs.mutate(ctx, taskID, rs.ttl, fn)
}

// MarkFailed writes a failure status. The record stays pollable for the
// failure grace period and is then reclaimed by expiry.
func (rs *RedisStore) MarkFailed(ctx context.Context, taskID, status string, progress int, cause error) error {
	_, err := rs.mutate(ctx, taskID, rs.failureGrace, func(rec *task.Record) error {
		rec.MarkFailed(status, progress, cause)
		return nil
	})
	return err
}

func (rs *RedisStore) mutate(ctx context.Context, taskID string, ttl time.Duration, fn func(*task.Record) error) (*task.Record, error) {
	if taskID == "" {
		return nil, ErrEmptyID
	}
	key := taskKey(taskID)

	for attempt := 0; attempt < rs.maxRetries; attempt++ {
		var updated *task.Record

		err := rs.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", ErrNotFound, taskID)
			}
			if err != nil {
				return fmt.Errorf("failed to get task: %w", err)
			}

			var rec task.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal task: %w", err)
			}

			if err := fn(&rec); err != nil {
				return err
			}

			payload, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("failed to marshal task: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			updated = &rec
			return nil
		}, key)

		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}

		wait := rs.retryDelay(attempt)
		rs.logger.Debug("Task write conflict, retrying", logger.Fields{
			"task_id": taskID,
			"attempt": attempt + 1,
			"wait":    wait.String(),
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	rs.logger.Warn("Task write gave up after repeated conflicts", logger.Fields{
		"task_id":  taskID,
		"attempts": rs.maxRetries,
	})
	return nil, fmt.Errorf("%w: %s", ErrConflict, taskID)
}

// retryDelay is exponential in attempt with full jitter, capped at one second
func (rs *RedisStore) retryDelay(attempt int) time.Duration {
	ceiling := rs.backoff * (1 << uint(attempt))
	if ceiling > maxRetryBackoff || ceiling <= 0 {
		ceiling = maxRetryBackoff
	}
	return time.Duration(rand.Int63n(int64(ceiling))) + time.Millisecond
}

// Delete removes a record from storage
func (rs *RedisStore) Delete(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrEmptyID
	}
	if err := rs.client.Del(ctx, taskKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Status returns the poll view of a task
func (rs *RedisStore) Status(ctx context.Context, taskID string) task.StatusView {
	rec, err := rs.Get(ctx, taskID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrEmptyID) {
			rs.logger.Warn("Status lookup failed", logger.Fields{
				"task_id": taskID,
				"error":   err,
			})
		}
		return task.UnknownStatus()
	}
	return rec.View()
}

// Count returns the number of live task records
func (rs *RedisStore) Count(ctx context.Context) (int64, error) {
	var n int64
	iter := rs.client.Scan(ctx, 0, taskKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// Ping checks connectivity to Redis
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the store.
func (rs *RedisStore) Close() error {
	// The Redis client is shared and owned by the caller
	return nil
}
