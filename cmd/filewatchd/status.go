package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/filewatchd/internal/client"
	"github.com/mschirtzinger/filewatchd/internal/daemon"
	"github.com/mschirtzinger/filewatchd/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show the state of a running daemon",
	Long: `Query the local status server of a running daemon.

Shows:
  - Server URL and sync mode
  - Push channel state and watch-list refresh time
  - Per-project watch counts, pending events and sync runs
  - Delivery queue contents (queue mode)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		s, raw, err := fetchStatus(ctx, "http://"+cfg.Dashboard.Addr+"/status")
		if err != nil {
			return fmt.Errorf("daemon not reachable at %s: %w", cfg.Dashboard.Addr, err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderStatus(s))
		return nil
	},
}

func fetchStatus(ctx context.Context, url string) (daemon.Status, json.RawMessage, error) {
	var s daemon.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return s, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return s, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return s, nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return s, raw, nil
}

var watchlistCmd = &cobra.Command{
	Use:     "watchlist",
	GroupID: "inspect",
	Short:   "Fetch and print the server's watch list",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		dc := cfg.Daemon(nil)
		c, err := client.New(client.Config{
			BaseURL:  dc.ServerURL,
			Tokens:   dc.Tokens,
			Insecure: dc.Insecure,
		})
		if err != nil {
			return err
		}

		projects, err := c.GetWatchList(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to fetch watch list: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderWatchList(projects))
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the raw JSON status")
	statusCmd.Flags().String("dashboard-addr", "", "Local status server address")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchlistCmd)
}
