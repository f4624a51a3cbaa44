package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/heardly/localsync/internal/config"
	"github.com/heardly/localsync/internal/daemon"
	"github.com/heardly/localsync/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon: every scope in the manifest is reconciled on a
fixed interval, and edits to the manifest file apply without a restart.

The daemon:
1. Reconciles every manifest scope immediately, then on each interval
2. Watches the scopes manifest and picks up edits live
3. Optionally serves the real-time dashboard

Example usage:
  localsync daemon                     # sync on the configured interval
  localsync daemon --with-dashboard    # also serve the dashboard`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		logger := newLogger(cfg, "[daemon] ")

		eng, err := newEngine(cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer eng.Close()

		manifest, err := config.LoadManifest(cfg.ScopesFile)
		if err != nil {
			fatalf("%v", err)
		}

		d, err := daemon.New(eng.reconcilers, manifest, &daemon.Config{
			Interval: cfg.Daemon.Interval,
			Logger:   logger,
		})
		if err != nil {
			fatalf("%v", err)
		}

		watcher, err := config.NewManifestWatcher(cfg.ScopesFile, logger)
		if err != nil {
			fatalf("%v", err)
		}
		d.WatchManifest(watcher)

		if with, _ := cmd.Flags().GetBool("with-dashboard"); with {
			server := dashboard.NewServer(eng.board, &dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Logger: logger,
			})
			server.Attach(eng.bus)
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer server.Stop()
			fmt.Printf("Dashboard: http://%s  (ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
		}

		fmt.Printf("Syncing %d scopes every %v. Press Ctrl+C to stop.\n",
			len(manifest.Scopes), cfg.Daemon.Interval)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("with-dashboard", false, "Also serve the real-time dashboard")
	rootCmd.AddCommand(daemonCmd)
}
