package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"prbot/internal/config"
	"prbot/internal/daemon"
	"prbot/internal/db"

	"github.com/spf13/cobra"
)

const localConfigFile = "prbot.toml"

var (
	cfgPath string
	verbose bool
	jsonOut bool
	version = config.Version
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "prbot",
	Short:   "prbot turns error reports into fix branches",
	Long:    "prbot receives error-tracker webhooks, queues a remediation job per issue, and lets an LLM agent fix the code in a fresh clone and push a branch for review.",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// resolveConfigPath determines which config file to use.
// Priority: --config flag > ./prbot.toml > ~/.config/prbot/config.toml.
// The global path is returned even when the file does not exist; loading a
// missing file yields the defaults.
func resolveConfigPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	if _, err := os.Stat(localConfigFile); err == nil {
		return localConfigFile, nil
	}
	globalPath, err := config.GlobalConfigPath()
	if err != nil {
		return "", fmt.Errorf("resolve global config path: %w", err)
	}
	return globalPath, nil
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*db.Store, error) {
	return daemon.OpenStore(cfg.DBPath)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// resolveJob resolves a full or partial job ID from CLI args.
func resolveJob(ctx context.Context, store *db.Store, arg string) (string, error) {
	return store.ResolveJobID(ctx, arg)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
