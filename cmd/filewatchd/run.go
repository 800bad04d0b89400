package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/filewatchd/internal/daemon"
	"github.com/mschirtzinger/filewatchd/internal/dashboard"
	"github.com/mschirtzinger/filewatchd/internal/logging"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "daemon",
	Short:   "Run the watch daemon in the foreground",
	Long: `Run the watch daemon until interrupted.

The daemon will:
  1. Fetch the watch list from the server
  2. Watch every listed project directory and reference file
  3. Batch changes per project
  4. Run the sync tool (direct mode) or post the changes (queue mode)

A local status server is started alongside it unless dashboard.enabled is
false. Query it with 'filewatchd status'.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, used, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		logger, closer, err := logging.New(cfg.LogOptions())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
			os.Exit(1)
		}
		defer closer.Close()

		if used != "" {
			logger.Info("Loaded config", "file", used)
		}

		dc := cfg.Daemon(logger)

		var d *daemon.Daemon
		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(func() daemon.Status { return d.Status() }, dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Logger: logger,
			})
			dc.Events = server
		}

		d, err = daemon.New(dc)
		if err != nil {
			logger.Error("Failed to create daemon", "err", err)
			closer.Close()
			os.Exit(1)
		}

		if server != nil {
			if err := server.Start(); err != nil {
				logger.Error("Failed to start dashboard", "err", err)
				closer.Close()
				os.Exit(1)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					logger.Warn("Dashboard shutdown failed", "err", err)
				}
			}()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		mode := "queue"
		if cfg.Sync.Direct {
			mode = "direct"
		}
		logger.Info("Starting filewatchd", "version", Version, "server", cfg.Server.URL, "mode", mode)

		if err := d.Start(ctx); err != nil {
			logger.Error("Daemon stopped with error", "err", err)
			return
		}
		logger.Info("Daemon stopped")
	},
}

func init() {
	runCmd.Flags().Bool("direct", true, "Run the sync tool instead of posting changes")
	runCmd.Flags().String("tool", "", "Sync tool used in direct mode")
	runCmd.Flags().String("dashboard-addr", "", "Local status server address")
	runCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	runCmd.Flags().String("log-file", "", "Write logs to a rotated file instead of stderr")

	rootCmd.AddCommand(runCmd)
}
