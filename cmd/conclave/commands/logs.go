package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conclave-sec/conclave/internal/audit"
	"github.com/conclave-sec/conclave/internal/config"
)

func newLogsCmd() *cobra.Command {
	var action, actor, since string
	var security bool
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the audit chain",
		Example: `  conclave logs
  conclave logs --action capability_check
  conclave logs --actor release-bot --limit 20
  conclave logs --since 1h
  conclave logs --security`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAuditStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if security {
				return printSecurityEvents(store)
			}

			var sinceTime string
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				sinceTime = time.Now().Add(-dur).UTC().Format(time.RFC3339)
			}

			events, err := store.Query(audit.QueryOpts{
				Action: action,
				Actor:  actor,
				Since:  sinceTime,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No audit events found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "SEQ\tTIME\tACTION\tACTOR\tTRUST\n")
			for _, e := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					e.Sequence, shortTime(e.Timestamp), e.Action, e.Actor, e.TrustLevel)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	cmd.Flags().StringVar(&since, "since", "", "only events newer than this duration (e.g. 1h)")
	cmd.Flags().BoolVar(&security, "security", false, "show security events instead")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}

func printSecurityEvents(store *audit.Store) error {
	events, err := store.SecurityEvents()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No security events found.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SEQ\tTIME\tTYPE\tSEVERITY\tSOURCE\tMITIGATED\n")
	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%v\n",
			e.Sequence, shortTime(e.Timestamp), e.EventType, e.Severity, e.Source, e.Mitigated)
	}
	return tw.Flush()
}

// openAuditStore opens the audit db from config without an event bus;
// CLI queries are read-only.
func openAuditStore() (*audit.Store, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dbPath := "./conclave.db"
	if cfg, err := config.Load(cfgFile); err == nil {
		dbPath = cfg.DBPath
	}
	store, err := audit.NewStore(dbPath, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	return store, nil
}

func shortTime(ts string) string {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.Local().Format("2006-01-02 15:04:05")
	}
	if i := strings.IndexByte(ts, '.'); i > 0 {
		return ts[:i]
	}
	return ts
}
