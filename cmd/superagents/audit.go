package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/pkg/models"
)

var (
	auditJSON  bool
	auditKind  string
	auditLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit [session-id]",
	Short: "Print session lifecycle events from the audit log",
	Long: `Print lifecycle events (created, completed, failed, pruned) recorded in
the SQLite audit log, oldest first. The log keeps the history of branch
sessions after they are pruned from the live registry.

Examples:
  superagents audit                      # Every event
  superagents audit <session-id>         # One session's history
  superagents audit --kind failed        # Failures only
  superagents audit --json | jq '.[]'    # JSON output`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
	auditCmd.Flags().StringVar(&auditKind, "kind", "", "Only events of this kind")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Maximum number of events (0 for all)")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	filter := audit.Filter{Kind: audit.Kind(auditKind), Limit: auditLimit}
	if len(args) == 1 {
		filter.SessionID = models.SessionID(args[0])
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", auditKind)
	}

	if _, err := os.Stat(cfg.Audit.Path); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "No audit log at %s. Run 'superagents start' first.\n", cfg.Audit.Path)
		return nil
	}
	log, err := audit.OpenSQLite(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer log.Close()

	events, err := log.Events(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	if auditJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if events == nil {
			events = []audit.Event{}
		}
		return enc.Encode(events)
	}
	printEvents(cmd.OutOrStdout(), events)
	return nil
}

var kindColors = map[audit.Kind]*color.Color{
	audit.KindCreated:   color.New(color.FgCyan),
	audit.KindCompleted: color.New(color.FgGreen),
	audit.KindFailed:    color.New(color.FgRed),
	audit.KindPruned:    color.New(color.FgHiBlack),
}

func printEvents(w io.Writer, events []audit.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	for _, e := range events {
		kind := string(e.Kind)
		if c, ok := kindColors[e.Kind]; ok {
			kind = c.Sprintf("%-9s", e.Kind)
		}
		line := fmt.Sprintf("%6d  %s  %s  %s", e.Seq, e.Timestamp.Local().Format("2006-01-02 15:04:05"), kind, e.SessionID)
		if e.SessionKind != "" {
			line += " (" + string(e.SessionKind) + ")"
		}
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\n%d events\n", len(events))
}
