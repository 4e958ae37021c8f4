package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate statistics over processed invoices",
	Long: `Query the summary ledger and print aggregate statistics: total
invoices, total value, item count, distinct issuers and the most recent
processing timestamp. With --recent, also lists the latest invoices.`,
	Example: `  # Aggregate statistics as JSON
  nfsync stats

  # Include the 5 most recently processed invoices
  nfsync stats --recent 5`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Int("recent", 0, "Also list the N most recently processed invoices")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	processor, err := buildProcessor(ctx, cfg)
	if err != nil {
		return err
	}

	statistics, err := processor.GetStatistics(ctx)
	if err != nil {
		return fmt.Errorf("statistics query failed: %w", err)
	}

	output := map[string]any{"statistics": statistics}

	if n, _ := cmd.Flags().GetInt("recent"); n > 0 {
		entries, err := processor.GetRecent(ctx, n)
		if err != nil {
			return fmt.Errorf("recent query failed: %w", err)
		}
		output["recent"] = entries
	}

	encoded, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}
