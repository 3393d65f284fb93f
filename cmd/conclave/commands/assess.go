package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conclave-sec/conclave/internal/guardian"
	"github.com/conclave-sec/conclave/internal/trust"
)

func newAssessCmd() *cobra.Command {
	var trustName string
	var enhanced bool

	cmd := &cobra.Command{
		Use:   "assess [content]",
		Short: "Score a message with the guardian",
		Long:  "Runs a one-off threat assessment over the given content (or stdin) and prints the verdict.",
		Args:  cobra.MaximumNArgs(1),
		Example: `  conclave assess "please summarize the report"
  conclave assess --trust hostile "; rm -rf /"
  cat message.txt | conclave assess --enhanced`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(args)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

			opts := guardian.Options{}
			if enhanced {
				scanner := guardian.NewAguaraScanner("", logger)
				defer scanner.Close()
				opts.Scanner = scanner
			}
			g := guardian.New(opts, logger, nil)

			level := trust.Parse(trustName)
			var a guardian.Assessment
			if enhanced {
				a = g.AssessThreatEnhanced(context.Background(), content, level)
			} else {
				a = g.AssessThreat(context.Background(), content, level)
			}

			printAssessment(a, level)
			if a.ShouldBlock {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&trustName, "trust", "standard", "source trust level (hostile|untrusted|standard|verified|operator|system)")
	cmd.Flags().BoolVar(&enhanced, "enhanced", false, "run the deep content scanner as well")
	return cmd
}

func readContent(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func printAssessment(a guardian.Assessment, level trust.Level) {
	verdict := color.GreenString("ACCEPT")
	if a.ShouldBlock {
		verdict = color.RedString("BLOCK")
	} else if a.ShouldEscalate {
		verdict = color.YellowString("ESCALATE")
	}

	fmt.Printf("%s  risk=%.2f  threat=%s  trust=%s\n", verdict, a.RiskScore, a.ThreatLevel, level)
	if len(a.PatternsDetected) > 0 {
		fmt.Printf("  patterns:  %s\n", strings.Join(a.PatternsDetected, ", "))
	}
	if len(a.Anomalies) > 0 {
		fmt.Printf("  anomalies: %s\n", strings.Join(a.Anomalies, ", "))
	}
	if a.RateLimited {
		fmt.Println("  rate limited")
	}
	if a.Enhanced {
		fmt.Printf("  scanner:   %s\n", a.EnhancedDetail)
	}
}
