package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "conclave",
		Short: "Trust and governance substrate for agent collectives",
		Long:  "Conclave — threat scoring, capability policy, constitutional rules, quorum votes, and a hash-chained audit log for multi-agent systems. Single binary.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "conclave.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newAssessCmd(),
		newLogsCmd(),
		newVerifyCmd(),
		newVotesCmd(),
		newReleaseCmd(),
		newVersionCmd(),
	)

	return root
}
