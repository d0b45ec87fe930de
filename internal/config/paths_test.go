package config

import (
	"path/filepath"
	"testing"
)

func TestDirsRespectXDG(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(tmp, "state"))

	cases := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"config", ConfigDir, filepath.Join(tmp, "config", "prbot")},
		{"data", DataDir, filepath.Join(tmp, "data", "prbot")},
		{"state", StateDir, filepath.Join(tmp, "state", "prbot")},
		{"global config", GlobalConfigPath, filepath.Join(tmp, "config", "prbot", "config.toml")},
		{"credentials", CredentialsPath, filepath.Join(tmp, "config", "prbot", "credentials.toml")},
	}
	for _, tc := range cases {
		got, err := tc.fn()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestDirsFallBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", "")

	got, err := DataDir()
	if err != nil {
		t.Fatalf("data dir: %v", err)
	}
	if want := filepath.Join(home, ".local", "share", "prbot"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
