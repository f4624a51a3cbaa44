package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/heardly/localsync/internal/bus"
	"github.com/heardly/localsync/internal/config"
	"github.com/heardly/localsync/internal/remote"
	"github.com/heardly/localsync/internal/store"
	"github.com/heardly/localsync/internal/syncer"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "localsync",
	Short: "localsync keeps a local SQLite store reconciled with a backend",
	Long: `localsync is a local-first sync engine: reads and writes hit a local
SQLite store immediately, and a background engine reconciles dirty rows
with the backend using last-write-wins conflict resolution.`,
	SilenceUsage: true,
}

// Execute evaluates provided arguments against the rootCmd hierarchy.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "",
		"config file (default: ./localsync.yaml, then $HOME/localsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "",
		"database file (overrides config)")
}

// loadConfig reads configuration honoring the --config and --db flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

// engine bundles the assembled sync machinery for a command invocation.
type engine struct {
	cfg   *config.Config
	store *store.Store
	bus   *bus.Bus
	board *syncer.Board

	reconcilers   []syncer.Reconciler
	reconcilerMap map[string]syncer.Reconciler
}

func (e *engine) Close() error {
	return e.store.Close()
}

// newEngine opens the store and wires one coordinator per entity against
// the configured backend.
func newEngine(cfg *config.Config, logger *log.Logger) (*engine, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[localsync] ", log.LstdFlags)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	httpCfg := remote.DefaultHTTPConfig()
	httpCfg.BaseURL = cfg.Remote.BaseURL
	httpCfg.Logger = logger
	if cfg.Remote.Timeout > 0 {
		httpCfg.Timeout = cfg.Remote.Timeout
	}
	if cfg.Remote.MaxRetries > 0 {
		httpCfg.MaxRetries = cfg.Remote.MaxRetries
	}
	if token := cfg.Remote.Token; token != "" {
		httpCfg.Token = func(ctx context.Context) (string, error) { return token, nil }
	}
	client := remote.NewHTTPClient(httpCfg)

	b := bus.New()
	board := syncer.NewBoard()

	e := &engine{cfg: cfg, store: st, bus: b, board: board}
	e.reconcilers = []syncer.Reconciler{
		syncer.New(st, store.Progress, client, b, board, logger),
		syncer.New(st, store.Comments, client, b, board, logger),
		syncer.New(st, store.Profiles, client, b, board, logger),
		syncer.New(st, store.Selections, client, b, board, logger),
		syncer.New(st, store.Notifications, client, b, board, logger),
	}
	e.reconcilerMap = make(map[string]syncer.Reconciler, len(e.reconcilers))
	for _, r := range e.reconcilers {
		e.reconcilerMap[r.Entity()] = r
	}
	return e, nil
}

// newLogger builds the process logger, attaching rotating file output when
// configured.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
	}
	return log.New(w, prefix, log.LstdFlags)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
