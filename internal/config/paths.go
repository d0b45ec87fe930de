package config

import (
	"os"
	"path/filepath"
)

const appDir = "prbot"

// xdgDir returns $<env>/prbot, falling back to ~/<fallback...>/prbot when
// the variable is unset.
func xdgDir(env string, fallback ...string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(append([]string{home}, fallback...)...)
	}
	return filepath.Join(base, appDir), nil
}

// ConfigDir defaults to ~/.config/prbot/.
func ConfigDir() (string, error) { return xdgDir("XDG_CONFIG_HOME", ".config") }

// DataDir holds the job database. Defaults to ~/.local/share/prbot/.
func DataDir() (string, error) { return xdgDir("XDG_DATA_HOME", ".local", "share") }

// StateDir holds the PID file. Defaults to ~/.local/state/prbot/.
func StateDir() (string, error) { return xdgDir("XDG_STATE_HOME", ".local", "state") }

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// CredentialsPath returns the path to the credentials file.
func CredentialsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.toml"), nil
}
