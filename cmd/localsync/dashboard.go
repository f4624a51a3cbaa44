package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/heardly/localsync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Start the real-time sync dashboard",
	Long: `Start a WebSocket dashboard server for watching sync activity.

Connected clients receive a snapshot of every scope's sync status, then a
stream of updates as pulls, pushes, and record changes happen.

WebSocket messages include:
- snapshot: the full scope status board, sent on connect
- scope_status: one scope's pull/push/suspension status changed
- change: records changed (origin: local, remote, or sync)

Note: the dashboard only sees activity in its own process. Run it next to
the daemon with "localsync daemon --with-dashboard" for a live view.

Example usage:
  localsync dashboard                  # listen on the configured address
  localsync dashboard --addr :9000     # listen on a custom address`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Dashboard.Addr = addr
		}
		logger := newLogger(cfg, "[dashboard] ")

		eng, err := newEngine(cfg, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer eng.Close()

		server := dashboard.NewServer(eng.board, &dashboard.Config{
			Addr:   cfg.Dashboard.Addr,
			Logger: logger,
		})
		server.Attach(eng.bus)

		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}

		fmt.Printf("Dashboard started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard...")
		if err := server.Stop(); err != nil {
			fatalf("shutdown error: %v", err)
		}
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "", "Address to listen on (overrides config)")
	rootCmd.AddCommand(dashboardCmd)
}
