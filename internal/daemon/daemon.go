// Package daemon provides the background sync daemon.
//
// The daemon:
// 1. Reconciles every scope in the manifest on a fixed interval
// 2. Watches the scopes manifest and applies edits without a restart
// 3. Handles graceful shutdown, finishing the pass in flight
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/heardly/localsync/internal/config"
	"github.com/heardly/localsync/internal/remote"
	"github.com/heardly/localsync/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval between reconciliation passes.
	Interval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Logger:   log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon periodically reconciles the manifest's scopes against the backend.
type Daemon struct {
	reconcilers map[string]syncer.Reconciler
	config      *Config

	manifestMu sync.Mutex
	manifest   *config.Manifest
	watcher    *config.ManifestWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over the given reconcilers, one per entity. The
// initial manifest decides which scopes are kept in sync; a watcher may be
// attached with WatchManifest before Start.
func New(reconcilers []syncer.Reconciler, manifest *config.Manifest, cfg *Config) (*Daemon, error) {
	if len(reconcilers) == 0 {
		return nil, fmt.Errorf("at least one reconciler is required")
	}
	if manifest == nil {
		return nil, fmt.Errorf("manifest cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	byEntity := make(map[string]syncer.Reconciler, len(reconcilers))
	for _, r := range reconcilers {
		byEntity[r.Entity()] = r
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		reconcilers: byEntity,
		config:      cfg,
		manifest:    manifest,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// WatchManifest attaches a manifest watcher so scope edits apply live.
// Must be called before Start; the daemon takes ownership and stops the
// watcher on shutdown.
func (d *Daemon) WatchManifest(w *config.ManifestWatcher) {
	d.watcher = w
}

// Start begins the daemon's operation.
//
// The daemon runs an immediate reconciliation pass, then repeats on the
// configured interval, reloading the manifest between passes if a watcher
// delivered an update. This blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start manifest watcher: %w", err)
		}
		d.wg.Add(1)
		go d.consumeManifestUpdates()
	}

	d.runPass(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Shutdown signal received")
			return d.Stop()
		case <-d.ctx.Done():
			return nil
		case <-ticker.C:
			d.runPass(ctx)
		}
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")
	d.cancel()
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.wg.Wait()
	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// ResumeAuth lifts auth suspension on every reconciler, after the
// operator refreshed credentials.
func (d *Daemon) ResumeAuth() {
	for _, r := range d.reconcilers {
		r.ResumeAuth("")
	}
}

// Scopes returns the manifest scopes currently in effect.
func (d *Daemon) Scopes() []config.Scope {
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()
	out := make([]config.Scope, len(d.manifest.Scopes))
	copy(out, d.manifest.Scopes)
	return out
}

// runPass reconciles every manifest scope once. A failing scope is logged
// and does not stop the pass; its rows stay dirty for the next interval.
func (d *Daemon) runPass(ctx context.Context) {
	scopes := d.Scopes()
	start := time.Now()
	var failed int

	for _, s := range scopes {
		if ctx.Err() != nil || d.ctx.Err() != nil {
			return
		}
		r, ok := d.reconcilers[s.Entity]
		if !ok {
			d.config.Logger.Printf("Warning: no reconciler for entity %q, skipping", s.Entity)
			continue
		}
		if err := r.Reconcile(ctx, s.Key); err != nil {
			failed++
			switch {
			case errors.Is(err, syncer.ErrSuspended):
				// Stays quiet until credentials are refreshed.
			case remote.IsAuth(err):
				d.config.Logger.Printf("Auth failure on %s/%s, suspending until resume: %v", s.Entity, s.Key, err)
			default:
				d.config.Logger.Printf("Warning: reconcile %s/%s failed: %v", s.Entity, s.Key, err)
			}
		}
	}

	d.config.Logger.Printf("Pass complete: %d scopes, %d failed, took %v",
		len(scopes), failed, time.Since(start).Round(time.Millisecond))
}

// consumeManifestUpdates swaps in reloaded manifests as they arrive.
func (d *Daemon) consumeManifestUpdates() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case m, ok := <-d.watcher.Updates():
			if !ok {
				return
			}
			d.manifestMu.Lock()
			d.manifest = m
			d.manifestMu.Unlock()
			d.config.Logger.Printf("Manifest updated: now syncing %d scopes", len(m.Scopes))
		}
	}
}
