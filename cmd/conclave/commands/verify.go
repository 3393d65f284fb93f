package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conclave-sec/conclave/internal/config"
)

func newVerifyCmd() *cobra.Command {
	var chain bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate the configuration file or the audit chain",
		Example: `  conclave verify
  conclave verify --chain`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chain {
				return verifyChain()
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			fmt.Printf("Config %s is valid\n", cfgFile)
			fmt.Printf("  Bind: %s:%d\n", cfg.Server.Bind, cfg.Server.Port)
			fmt.Printf("  DB path: %s\n", cfg.DBPath)
			fmt.Printf("  Tools: %d\n", len(cfg.Tools))
			fmt.Printf("  Voters: %d\n", len(cfg.Council.Voters))
			fmt.Printf("  Redis baselines: %v\n", cfg.Redis.Enabled)
			return nil
		},
	}

	cmd.Flags().BoolVar(&chain, "chain", false, "verify audit chain integrity instead")
	return cmd
}

func verifyChain() error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.Verify()
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		color.Red("Audit chain BROKEN at sequence %d", res.BrokenAt)
		fmt.Printf("  %s\n", res.Details)
		return err
	}
	color.Green("Audit chain intact (%d events)", res.Events)
	return nil
}
