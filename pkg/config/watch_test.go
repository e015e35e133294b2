package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stoq.toml")
	initial := "listen_addr = \"[::1]:4433\"\nmax_shard_size = 1024\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := Watch(path, nil, func(c *Config) error {
		reloaded <- c
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	updated := "listen_addr = \"[::1]:4433\"\nmax_shard_size = 4096\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.MaxShardSize != 4096 {
			t.Fatalf("expected reloaded max_shard_size 4096, got %d", cfg.MaxShardSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
}

func TestWatchKeepsPriorConfigOnMalformedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stoq.toml")
	initial := "listen_addr = \"[::1]:4433\"\nmax_shard_size = 1024\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := Watch(path, nil, func(c *Config) error {
		reloaded <- c
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	// An IPv4 listen_addr fails validation; onReload must never fire.
	broken := "listen_addr = \"127.0.0.1:4433\"\nmax_shard_size = 1024\n"
	if err := os.WriteFile(path, []byte(broken), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatalf("onReload must not fire for a malformed configuration")
	case <-time.After(500 * time.Millisecond):
	}
}
