package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conclave-sec/conclave/internal/config"
	"github.com/conclave-sec/conclave/internal/council"
)

func newVotesCmd() *cobra.Command {
	var openOnly bool

	cmd := &cobra.Command{
		Use:   "votes",
		Short: "List council votes",
		Example: `  conclave votes
  conclave votes --open`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openVoteStore()
			if err != nil {
				return err
			}
			defer store.Close()

			votes, err := store.List(context.Background())
			if err != nil {
				return err
			}
			sort.Slice(votes, func(i, j int) bool { return votes[i].CreatedAt.After(votes[j].CreatedAt) })

			shown := 0
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tTOPIC\tTHRESHOLD\tSTATUS\tBALLOTS\tDEADLINE\n")
			for _, v := range votes {
				if openOnly && v.Status != council.StatusOpen {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					shortID(v.ID), v.Topic, v.Threshold, coloredStatus(v.Status),
					len(v.Ballots), v.Deadline.Local().Format("2006-01-02 15:04"))
				shown++
			}
			if shown == 0 {
				fmt.Println("No votes found.")
				return nil
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&openOnly, "open", false, "show open votes only")
	return cmd
}

func openVoteStore() (council.VoteStore, error) {
	dbPath := "./conclave.db"
	dsn := ""
	if cfg, err := config.Load(cfgFile); err == nil {
		dbPath = cfg.DBPath
		dsn = cfg.PostgresDSN
	}
	if dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return council.NewPostgresVoteStore(ctx, dsn)
	}
	return council.NewSQLiteVoteStore(dbPath)
}

func coloredStatus(s council.Status) string {
	switch s {
	case council.StatusPassed:
		return color.GreenString(string(s))
	case council.StatusFailed:
		return color.RedString(string(s))
	case council.StatusExpired:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
