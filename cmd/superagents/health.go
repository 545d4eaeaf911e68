package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/superagents/internal/cortex"
	"github.com/ShayCichocki/superagents/internal/tui"
)

var (
	healthAddr     string
	healthJSON     bool
	healthWatch    bool
	healthInterval time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the health snapshot of a running supervisor",
	Long: `Fetch the health snapshot from the health endpoint of a running
"superagents start" and print active and stuck session counts and the
memory export lag.

Examples:
  superagents health                 # Human-readable summary
  superagents health --json          # Machine-readable output
  superagents health --watch         # Live view, refreshed every 2s`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "Health endpoint address (default from config)")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Output in JSON format")
	healthCmd.Flags().BoolVar(&healthWatch, "watch", false, "Open a live view")
	healthCmd.Flags().DurationVar(&healthInterval, "interval", tui.DefaultRefresh, "Refresh interval for --watch")
}

// healthSummary is the --json output.
type healthSummary struct {
	ActiveSessions      int    `json:"active_sessions"`
	StuckSessions       int    `json:"stuck_sessions"`
	MemoryExportLagSecs *int64 `json:"memory_export_lag_secs"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	addr := healthAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Health.Addr
	}
	client := &http.Client{Timeout: 5 * time.Second}
	fetch := func(ctx context.Context) (cortex.HealthSnapshot, error) {
		return fetchHealth(ctx, client, addr)
	}

	if healthWatch {
		return tui.RunHealthWatch(fetch, healthInterval, addr)
	}

	snap, err := fetch(cmd.Context())
	if err != nil {
		return err
	}
	if healthJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(healthSummary{
			ActiveSessions:      snap.ActiveSessions,
			StuckSessions:       snap.StuckSessions,
			MemoryExportLagSecs: snap.MemoryExportLagSecs,
		})
	}
	printHealth(cmd.OutOrStdout(), snap)
	return nil
}

func fetchHealth(ctx context.Context, client *http.Client, addr string) (cortex.HealthSnapshot, error) {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cortex.HealthSnapshot{}, fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return cortex.HealthSnapshot{}, fmt.Errorf("supervisor not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cortex.HealthSnapshot{}, fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	var snap cortex.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return cortex.HealthSnapshot{}, fmt.Errorf("decode health snapshot: %w", err)
	}
	return snap, nil
}

func printHealth(w io.Writer, snap cortex.HealthSnapshot) {
	bold := color.New(color.Bold)
	bold.Fprintln(w, "Supervisor health")

	fmt.Fprintf(w, "  %-20s %d\n", "Active sessions:", snap.ActiveSessions)

	stuck := color.New(color.FgGreen)
	if snap.StuckSessions > 0 {
		stuck = color.New(color.FgYellow)
	}
	fmt.Fprintf(w, "  %-20s %s\n", "Stuck sessions:", stuck.Sprint(snap.StuckSessions))

	lag := color.YellowString("never exported")
	if snap.MemoryExportLagSecs != nil {
		lag = (time.Duration(*snap.MemoryExportLagSecs) * time.Second).String()
	}
	fmt.Fprintf(w, "  %-20s %s\n", "Memory export lag:", lag)

	fmt.Fprintf(w, "  %-20s completed %d, failed %d, killed %d, pruned %d, retries %d\n",
		"Totals:", snap.CompletedTotal, snap.FailedTotal, snap.KilledTotal, snap.PrunedTotal, snap.RetriesTotal)
	if snap.TickFailures > 0 || snap.ExportFailures > 0 {
		fmt.Fprintf(w, "  %-20s %s\n", "Failures:",
			color.RedString("tick %d, export %d", snap.TickFailures, snap.ExportFailures))
	}
}
