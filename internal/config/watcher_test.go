package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReportsDrift(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apron.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	drift := make(chan *Config, 1)
	w.OnDrift(func(cfg *Config) {
		select {
		case drift <- cfg:
		default:
		}
	})
	w.Start()

	updated := minimalYAML + `
  port: 9300
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-drift:
		if cfg.Gate.Port != 9300 {
			t.Errorf("expected drifted port 9300, got %d", cfg.Gate.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drift callback")
	}
}

func TestWatcherIgnoresUnparseableChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apron.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	drift := make(chan *Config, 1)
	w.OnDrift(func(cfg *Config) {
		select {
		case drift <- cfg:
		default:
		}
	})
	w.Start()

	if err := os.WriteFile(path, []byte("gate: ["), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case <-drift:
		t.Fatal("expected no drift callback for unparseable config")
	case <-time.After(1200 * time.Millisecond):
	}
}
