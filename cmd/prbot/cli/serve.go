package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"prbot/internal/config"
	"prbot/internal/daemon"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook API and the worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, daemon.ModeServe)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the job worker, without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, daemon.ModeWorker)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func runDaemon(cmd *cobra.Command, mode daemon.Mode) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	return daemon.Run(cmd.Context(), cfg, mode)
}

// setupLogging installs the daemon logger. With log_file set, records go to
// stderr and to the file as JSON.
func setupLogging(cfg *config.Config) (func(), error) {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stderr, f), opts)))
	return func() { _ = f.Close() }, nil
}
