package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "localsync.db" {
		t.Errorf("DBPath = %q, want localsync.db", cfg.DBPath)
	}
	if cfg.Remote.Timeout != 10*time.Second {
		t.Errorf("Remote.Timeout = %v, want 10s", cfg.Remote.Timeout)
	}
	if cfg.Daemon.Interval != 30*time.Second {
		t.Errorf("Daemon.Interval = %v, want 30s", cfg.Daemon.Interval)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "localsync.yaml")
	content := `
db_path: /tmp/test.db
remote:
  base_url: https://api.example.com
  timeout: 5s
daemon:
  interval: 1m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Remote.BaseURL != "https://api.example.com" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Timeout != 5*time.Second {
		t.Errorf("Remote.Timeout = %v", cfg.Remote.Timeout)
	}
	if cfg.Daemon.Interval != time.Minute {
		t.Errorf("Daemon.Interval = %v", cfg.Daemon.Interval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOCALSYNC_REMOTE_BASE_URL", "https://env.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.BaseURL != "https://env.example.com" {
		t.Errorf("Remote.BaseURL = %q, want env override", cfg.Remote.BaseURL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scopes.yaml")
	m := &Manifest{Scopes: []Scope{
		{Entity: "progress", Key: "ep1"},
		{Entity: "comments", Key: "starter-9"},
		{Entity: "profiles"},
	}}

	if err := WriteManifest(path, m); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}
	got, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if len(got.Scopes) != 3 {
		t.Fatalf("got %d scopes, want 3", len(got.Scopes))
	}
	if got.Scopes[1].Entity != "comments" || got.Scopes[1].Key != "starter-9" {
		t.Errorf("scope 1 = %+v", got.Scopes[1])
	}
}

func TestLoadManifestRejectsMissingEntity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scopes.yaml")
	if err := os.WriteFile(path, []byte("scopes:\n  - key: ep1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Error("expected validation error for scope without entity")
	}
}

func TestManifestWatcherDeliversReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scopes.yaml")
	if err := WriteManifest(path, &Manifest{Scopes: []Scope{{Entity: "progress", Key: "ep1"}}}); err != nil {
		t.Fatal(err)
	}

	w, err := NewManifestWatcher(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewManifestWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	updated := &Manifest{Scopes: []Scope{
		{Entity: "progress", Key: "ep1"},
		{Entity: "progress", Key: "ep2"},
	}}
	if err := WriteManifest(path, updated); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-w.Updates():
		if len(m.Scopes) != 2 {
			t.Errorf("reloaded manifest has %d scopes, want 2", len(m.Scopes))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no manifest update delivered")
	}
}

func TestManifestWatcherIgnoresBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scopes.yaml")
	if err := WriteManifest(path, &Manifest{}); err != nil {
		t.Fatal(err)
	}

	w, err := NewManifestWatcher(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(":::not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-w.Updates():
		t.Errorf("broken manifest delivered: %+v", m)
	case <-time.After(500 * time.Millisecond):
	}
}
