package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stoq-io/stoq/pkg/handshake"
	"github.com/stoq-io/stoq/pkg/stoqerr"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stoq.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeTemp(t, `
listen_addr = "[::1]:4433"
falcon_policy = "required"
max_shard_size = 2048
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FalconPolicy != handshake.Required {
		t.Fatalf("expected required policy, got %v", cfg.FalconPolicy)
	}
	if cfg.MaxShardSize != 2048 {
		t.Fatalf("expected overridden max_shard_size, got %d", cfg.MaxShardSize)
	}
	if cfg.StalenessBound != 10*time.Second {
		t.Fatalf("expected default staleness_bound, got %v", cfg.StalenessBound)
	}
}

func TestLoadRejectsIPv4ListenAddr(t *testing.T) {
	path := writeTemp(t, `listen_addr = "127.0.0.1:4433"`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected IPv4 listen_addr to be rejected")
	}
	se, ok := err.(*stoqerr.Error)
	if !ok || se.Kind != stoqerr.ConfigurationError {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestLoadRejectsZeroMaxShardSize(t *testing.T) {
	cfg := Default()
	cfg.MaxShardSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation failure for zero max_shard_size")
	}
}

func TestLoadRejectsSampleIntervalNotLessThanStaleness(t *testing.T) {
	cfg := Default()
	cfg.SampleInterval = 10 * time.Second
	cfg.StalenessBound = 10 * time.Second

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation failure when sample_interval >= staleness_bound")
	}
}

func TestLoadAggregatesMultipleValidationFailures(t *testing.T) {
	cfg := Default()
	cfg.MaxShardSize = 0
	cfg.KeyStorePath = ""
	cfg.ListenAddr = "127.0.0.1:4433"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected aggregated validation error")
	}
	// go-multierror's Error() lists every wrapped failure on its own line.
	msg := err.Error()
	for _, want := range []string{"listen_addr", "max_shard_size", "key_store_path"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected aggregated error to mention %q, got: %s", want, msg)
		}
	}
}

func TestLoadUnknownFalconPolicyRejected(t *testing.T) {
	path := writeTemp(t, `
listen_addr = "[::1]:4433"
falcon_policy = "sometimes"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown falcon_policy to be rejected")
	}
}
