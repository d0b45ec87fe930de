package config

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const Version = "0.1.0"

// Credentials holds secrets loaded from credentials.toml.
type Credentials struct {
	GitHubToken     string `toml:"github_token"`
	GitLabToken     string `toml:"gitlab_token"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	WebhookSecret   string `toml:"webhook_secret"`
}

// LoadCredentials reads credentials.toml. Returns an empty Credentials if
// the file does not exist. Warns if the file has insecure permissions.
func LoadCredentials() (*Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return &Credentials{}, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}

	// Warn on insecure permissions (anything beyond owner read/write).
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.Warn("credentials file has insecure permissions",
			"path", path, "mode", fmt.Sprintf("%04o", perm))
	}

	creds := &Credentials{}
	if _, err := toml.DecodeFile(path, creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	return creds, nil
}

// SaveCredentials writes credentials.toml with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(creds); err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), fs.FileMode(0o600)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

type Config struct {
	DBPath       string `toml:"db_path"`
	WorkspaceDir string `toml:"workspace_dir"`
	LogLevel     string `toml:"log_level"`
	LogFile      string `toml:"log_file"`
	PIDFile      string `toml:"pid_file"`

	Server        ServerConfig        `toml:"server"`
	Worker        WorkerConfig        `toml:"worker"`
	Git           GitConfig           `toml:"git"`
	Tokens        TokensConfig        `toml:"tokens"`
	LLM           LLMConfig           `toml:"llm"`
	Notifications NotificationsConfig `toml:"notifications"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

type ServerConfig struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	WebhookSecret string   `toml:"webhook_secret"`
	CORSOrigins   []string `toml:"cors_origins"`
	// RateLimit is webhook requests per minute per client IP.
	RateLimit int `toml:"rate_limit"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type WorkerConfig struct {
	PollInterval string `toml:"poll_interval"`
	MaxRetry     int    `toml:"max_retry"`
	AutoStart    *bool  `toml:"auto_start"`
	StopTimeout  string `toml:"stop_timeout"`
}

type GitConfig struct {
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
}

type TokensConfig struct {
	GitHub    string `toml:"github"`
	GitLab    string `toml:"gitlab"`
	Anthropic string `toml:"anthropic"`
}

type LLMConfig struct {
	BaseURL          string `toml:"base_url"`
	Model            string `toml:"model"`
	MaxTokens        int    `toml:"max_tokens"`
	MaxTurns         int    `toml:"max_turns"`
	BashTimeout      string `toml:"bash_timeout"`
	SystemPromptFile string `toml:"system_prompt_file"`
}

type NotificationsConfig struct {
	WebhookURL string `toml:"webhook_url"`
	// WebhookSecret signs generic webhook bodies when set.
	WebhookSecret string   `toml:"webhook_secret"`
	SlackWebhook  string   `toml:"slack_webhook"`
	Desktop       bool     `toml:"desktop"`
	Triggers      []string `toml:"triggers"`
}

const (
	TriggerDone   = "done"
	TriggerFailed = "failed"
)

var defaultNotificationTriggers = []string{TriggerDone, TriggerFailed}

const (
	DefaultWorkspaceDir = "/tmp/pr-bot-workspaces"
	DefaultModel        = "claude-opus-4-6"
	DefaultLLMBaseURL   = "https://api.anthropic.com"
)

// Load reads the config file at path. A missing file yields the defaults,
// with relative paths resolved against the file's directory.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	// Snapshot tokens from config file before credentials/env are merged in.
	fileTokens := cfg.Tokens
	applyDefaults(cfg)
	applyCredentialsAndEnv(cfg)
	warnTokensInFile(fileTokens)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		if d, err := DataDir(); err == nil {
			cfg.DBPath = filepath.Join(d, "jobs.db")
		} else {
			cfg.DBPath = "jobs.db"
		}
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = DefaultWorkspaceDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PIDFile == "" {
		if d, err := StateDir(); err == nil {
			cfg.PIDFile = filepath.Join(d, "prbot.pid")
		} else {
			cfg.PIDFile = "prbot.pid"
		}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 60
	}
	if cfg.Worker.PollInterval == "" {
		cfg.Worker.PollInterval = "5s"
	}
	if cfg.Worker.MaxRetry == 0 {
		cfg.Worker.MaxRetry = 3
	}
	if cfg.Worker.AutoStart == nil {
		autoStart := true
		cfg.Worker.AutoStart = &autoStart
	}
	if cfg.Worker.StopTimeout == "" {
		cfg.Worker.StopTimeout = "30s"
	}
	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "prbot"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "prbot@localhost"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = DefaultLLMBaseURL
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 8096
	}
	if cfg.LLM.MaxTurns == 0 {
		cfg.LLM.MaxTurns = 30
	}
	if cfg.LLM.BashTimeout == "" {
		cfg.LLM.BashTimeout = "60s"
	}
	if cfg.Notifications.Triggers == nil {
		cfg.Notifications.Triggers = slices.Clone(defaultNotificationTriggers)
	}
}

// applyCredentialsAndEnv merges secrets from credentials.toml and then
// from environment variables. Priority (highest → lowest): env > credentials.toml > config file.
func applyCredentialsAndEnv(cfg *Config) {
	creds, err := LoadCredentials()
	if err != nil {
		slog.Warn("failed to load credentials", "error", err)
	}
	if creds != nil {
		if creds.GitHubToken != "" {
			cfg.Tokens.GitHub = creds.GitHubToken
		}
		if creds.GitLabToken != "" {
			cfg.Tokens.GitLab = creds.GitLabToken
		}
		if creds.AnthropicAPIKey != "" {
			cfg.Tokens.Anthropic = creds.AnthropicAPIKey
		}
		if creds.WebhookSecret != "" {
			cfg.Server.WebhookSecret = creds.WebhookSecret
		}
	}

	// Env vars win over everything.
	if v := os.Getenv("PRBOT_WEBHOOK_SECRET"); v != "" {
		cfg.Server.WebhookSecret = v
	}
	if v := os.Getenv("GITLAB_TOKEN"); v != "" {
		cfg.Tokens.GitLab = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Tokens.GitHub = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Tokens.Anthropic = v
	}
}

// warnTokensInFile warns only when a token was literally written in config.toml.
func warnTokensInFile(fileTokens TokensConfig) {
	if fileTokens.GitLab != "" {
		slog.Warn("gitlab token found in config file; prefer credentials.toml or GITLAB_TOKEN env var")
	}
	if fileTokens.GitHub != "" {
		slog.Warn("github token found in config file; prefer credentials.toml or GITHUB_TOKEN env var")
	}
	if fileTokens.Anthropic != "" {
		slog.Warn("anthropic key found in config file; prefer credentials.toml or ANTHROPIC_API_KEY env var")
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("invalid server.rate_limit %d", cfg.Server.RateLimit)
	}
	for name, raw := range map[string]string{
		"worker.poll_interval": cfg.Worker.PollInterval,
		"worker.stop_timeout":  cfg.Worker.StopTimeout,
		"llm.bash_timeout":     cfg.LLM.BashTimeout,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s %q: must be positive", name, raw)
		}
	}
	if cfg.Worker.MaxRetry < 1 {
		return fmt.Errorf("invalid worker.max_retry %d: must be at least 1", cfg.Worker.MaxRetry)
	}
	if cfg.LLM.MaxTokens < 1 {
		return fmt.Errorf("invalid llm.max_tokens %d", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.MaxTurns < 1 {
		return fmt.Errorf("invalid llm.max_turns %d", cfg.LLM.MaxTurns)
	}
	if err := validateWebhookURL(cfg.LLM.BaseURL); err != nil {
		return fmt.Errorf("invalid llm.base_url: %w", err)
	}
	normalizedTriggers, err := validateNotificationsConfig(cfg.Notifications)
	if err != nil {
		return err
	}
	cfg.Notifications.Triggers = normalizedTriggers
	return nil
}

func validateNotificationsConfig(cfg NotificationsConfig) ([]string, error) {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid notifications.webhook_url: %w", err)
		}
	}
	if cfg.SlackWebhook != "" {
		if err := validateWebhookURL(cfg.SlackWebhook); err != nil {
			return nil, fmt.Errorf("invalid notifications.slack_webhook: %w", err)
		}
	}
	normalized, err := normalizeTriggers(cfg.Triggers)
	if err != nil {
		return nil, fmt.Errorf("invalid notifications.triggers: %w", err)
	}
	return normalized, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func normalizeTriggers(triggers []string) ([]string, error) {
	out := make([]string, 0, len(triggers))
	seen := make(map[string]struct{}, len(triggers))
	for i, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if normalized == "" {
			return nil, fmt.Errorf("trigger at index %d is empty", i)
		}
		if normalized != TriggerDone && normalized != TriggerFailed {
			return nil, fmt.Errorf("unsupported trigger %q", normalized)
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

func resolvePaths(cfg *Config) {
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	cfg.WorkspaceDir = absPath(cfg.BaseDir, cfg.WorkspaceDir)
	cfg.PIDFile = absPath(cfg.BaseDir, cfg.PIDFile)
	if cfg.LogFile != "" {
		cfg.LogFile = absPath(cfg.BaseDir, cfg.LogFile)
	}
	if cfg.LLM.SystemPromptFile != "" {
		cfg.LLM.SystemPromptFile = absPath(cfg.BaseDir, cfg.LLM.SystemPromptFile)
	}
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// PollInterval returns worker.poll_interval. Load has validated it.
func (cfg *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(cfg.Worker.PollInterval)
	return d
}

// StopTimeout returns worker.stop_timeout. Load has validated it.
func (cfg *Config) StopTimeout() time.Duration {
	d, _ := time.ParseDuration(cfg.Worker.StopTimeout)
	return d
}

// BashTimeout returns llm.bash_timeout. Load has validated it.
func (cfg *Config) BashTimeout() time.Duration {
	d, _ := time.ParseDuration(cfg.LLM.BashTimeout)
	return d
}

// AutoStart reports whether serve starts the worker immediately.
func (cfg *Config) AutoStart() bool {
	return cfg.Worker.AutoStart == nil || *cfg.Worker.AutoStart
}

func (cfg *Config) SlogLevel() slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
