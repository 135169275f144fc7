package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/H1yori233/innoweaver/internal/config"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/pkg/client"
)

var (
	// Global flags
	configPath string
	logLevel   string
	serverURL  string
	token      string
	timeout    time.Duration

	cfg *config.Config
	log *logger.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "innoweaver",
	Short: "innoweaver - staged design-solution pipeline",
	Long: `innoweaver turns an analysed design query into evaluated, illustrated
design solutions through a sequence of stage calls.

Run 'innoweaver serve' to start the HTTP API. The remaining commands talk to
a running server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		cfg = loaded

		logger.Init(cfg.Logging.Level, cfg.Logging.Format, "innoweaver")
		log = logger.GetDefault()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:5001", "Server base URL for client commands")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("INNOWEAVER_TOKEN"), "Bearer token for client commands (or set INNOWEAVER_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Client operation timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(userCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newClient builds an API client from the global flags
func newClient() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL: serverURL,
		Token:   token,
		Timeout: timeout,
	})
}
