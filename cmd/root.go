package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nfsync/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "nfsync",
	Short: "nfsync - Brazilian fiscal document synchronization engine",
	Long: `nfsync ingests Brazilian fiscal documents (NFe PDFs and photos),
extracts and validates their data, and synchronizes each invoice to a
set of spreadsheet ledgers: a summary ledger, a line-item ledger and a
per-issuer ledger provisioned on first sight.

Writes are idempotent per invoice: resubmitting the same document never
duplicates rows, and an interrupted synchronization resumes where it
stopped.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Info().
			Str("version", version).
			Msg("nfsync executed")

		fmt.Println("Use --help to see available commands and options.")
	},
}

func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}
