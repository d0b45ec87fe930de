package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"prbot/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up prbot config and credentials",
	Long:  "Interactive wizard that creates ~/.config/prbot/ with config.toml and credentials.toml. With --config, writes a config template at that path instead.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

const configTemplate = `# prbot configuration. Every key is optional; the values shown are the defaults.

# db_path = "~/.local/share/prbot/jobs.db"
# workspace_dir = "/tmp/pr-bot-workspaces"
# log_level = "info"
# log_file = ""

[server]
# host = "127.0.0.1"
# port = 8000
# rate_limit = 60
# cors_origins = []

[worker]
# poll_interval = "5s"
# max_retry = 3
# auto_start = true
# stop_timeout = "30s"

[git]
# author_name = "prbot"
# author_email = "prbot@localhost"

[llm]
# base_url = "https://api.anthropic.com"
# model = "claude-opus-4-6"
# max_tokens = 8096
# max_turns = 30
# bash_timeout = "60s"
# system_prompt_file = ""

[notifications]
# webhook_url = ""
# webhook_secret = ""
# slack_webhook = ""
# desktop = false
# triggers = ["done", "failed"]

# Secrets belong in credentials.toml or the environment:
#   ANTHROPIC_API_KEY, GITHUB_TOKEN, GITLAB_TOKEN, PRBOT_WEBHOOK_SECRET
`

func runInit(cmd *cobra.Command, args []string) error {
	if cfgPath != "" {
		return runLocalInit()
	}
	return runGlobalInit(bufio.NewReader(os.Stdin))
}

// runGlobalInit is the interactive wizard for ~/.config/prbot/.
func runGlobalInit(reader *bufio.Reader) error {
	cfgFile, err := config.GlobalConfigPath()
	if err != nil {
		return err
	}
	credsFile, err := config.CredentialsPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(credsFile); err == nil {
		fmt.Printf("Existing credentials found at %s\n", credsFile)
		if !confirm(reader, "Re-run setup? [y/N]: ", false) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		creds = &config.Credentials{}
	}
	// Blank answers keep what is already stored.
	for _, secret := range []struct {
		prompt string
		env    string
		dst    *string
	}{
		{"Anthropic API key", "ANTHROPIC_API_KEY", &creds.AnthropicAPIKey},
		{"GitHub token", "GITHUB_TOKEN", &creds.GitHubToken},
		{"GitLab token", "GITLAB_TOKEN", &creds.GitLabToken},
		{"Webhook secret", "PRBOT_WEBHOOK_SECRET", &creds.WebhookSecret},
	} {
		value, err := readSecret(reader, secret.prompt+" (input is hidden, blank to skip): ")
		if err != nil {
			return fmt.Errorf("read %s: %w", strings.ToLower(secret.prompt), err)
		}
		if value == "" {
			if env := os.Getenv(secret.env); env != "" && *secret.dst == "" &&
				confirm(reader, secret.env+" env var detected. Save it to credentials.toml? [Y/n]: ", true) {
				value = env
			}
		}
		if value != "" {
			*secret.dst = value
		}
	}
	if err := config.SaveCredentials(creds); err != nil {
		return err
	}
	fmt.Printf("Credentials saved: %s\n", credsFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.WriteFile(cfgFile, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Config created: %s\n", cfgFile)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgFile)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Printf("Database initialized: %s\n", cfg.DBPath)

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Map a Sentry project to a repo:  prbot projects add <project-id> <repo-url>")
	fmt.Println("  2. Start the daemon:                prbot serve")
	fmt.Println("  3. Point a Sentry webhook at:       http://" + cfg.Server.Addr() + "/webhook/sentry")
	return nil
}

// runLocalInit creates a config template at --config.
func runLocalInit() error {
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("write config template: %w", err)
		}
		fmt.Printf("Created config template: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Database initialized: %s\n", cfg.DBPath)
	fmt.Println("Edit the config file, then run: prbot serve")
	return nil
}

var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// readSecret reads without echo from a terminal and falls back to a plain
// line read when stdin is piped.
func readSecret(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	if stdinIsTerminal() {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		return strings.TrimSpace(string(b)), err
	}
	line, err := reader.ReadString('\n')
	fmt.Println()
	if err != nil && line == "" {
		return "", nil
	}
	return strings.TrimSpace(line), nil
}

func confirm(reader *bufio.Reader, prompt string, def bool) bool {
	fmt.Print(prompt)
	answer, _ := reader.ReadString('\n')
	switch strings.TrimSpace(strings.ToLower(answer)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}
