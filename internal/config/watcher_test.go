package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeTestConfig(t *testing.T, path, name string) {
	t.Helper()
	body := `
app:
  name: ` + name + `
gateway:
  base_url: "https://example.com"
monitor:
  accounts: ["acct-1"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatchDeliversValidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestConfig(t, path, "before")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reloaded := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			reloaded <- cfg
		})
	}()

	// Give the watcher a moment to register before touching the file.
	time.Sleep(150 * time.Millisecond)
	writeTestConfig(t, path, "after")

	select {
	case cfg := <-reloaded:
		if cfg.App.Name != "after" {
			t.Fatalf("expected reloaded config, got name %s", cfg.App.Name)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for reload")
	}
}

func TestWatchDropsInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestConfig(t, path, "before")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			reloaded <- cfg
		})
	}()

	time.Sleep(150 * time.Millisecond)
	// Missing accounts fails validation and must not reach the callback.
	if err := os.WriteFile(path, []byte("gateway:\n  base_url: \"https://example.com\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config should not reload, got %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}
}
