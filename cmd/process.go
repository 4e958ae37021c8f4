package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nfsync/internal/logger"
	"nfsync/internal/service"
)

var processCmd = &cobra.Command{
	Use:   "process [files...]",
	Short: "Process fiscal documents and synchronize them to the ledgers",
	Long: `Process one or more fiscal documents (NFe PDFs or photos) through the
full pipeline: extraction, validation and synchronization to the summary,
line-item and per-issuer ledgers.

Each file is processed independently; a failure in one file does not stop
the batch. Resubmitting a file that previously failed mid-write resumes
the interrupted synchronization.

Required environment variables:
  GOOGLE_SHEET_URL - Destination spreadsheet URL or ID
  GOOGLE_APPLICATION_CREDENTIALS - Path to service account JSON file, OR
  GOOGLE_CREDENTIALS - Inline JSON credentials string
  GOOGLE_CLOUD_PROJECT - Google Cloud project ID (PDF extraction)
  OPENAI_API_KEY - OpenAI API key (photo extraction)`,
	Example: `  # Process a single invoice PDF
  nfsync process nota.pdf

  # Process a batch of photos and PDFs
  nfsync process scans/*.jpg invoices/*.pdf

  # Write per-file results as JSON
  nfsync process nota.pdf -o results.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

// fileResult is the per-file outcome in the batch report.
type fileResult struct {
	File         string    `json:"file"`
	Key          string    `json:"key,omitempty"`
	ProcessingID string    `json:"processing_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	ItemCount    int       `json:"item_count,omitempty"`
	IssuerLedger string    `json:"issuer_ledger,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	Error        string    `json:"error,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringP("output", "o", "", "Output file for JSON results (default: stdout)")
	processCmd.Flags().Duration("timeout", 5*time.Minute, "Overall timeout per file")
}

func runProcess(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("process-cmd")

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

	perFileTimeout, _ := cmd.Flags().GetDuration("timeout")

	results := make([]fileResult, 0, len(args))
	failures := 0
	for _, path := range args {
		if ctx.Err() != nil {
			break
		}
		result := processFile(ctx, processor, path, perFileTimeout)
		if result.Error != "" {
			failures++
			log.Error().Str("file", path).Str("error", result.Error).Msg("File processing failed")
		} else {
			log.Info().Str("file", path).Str("key", result.Key).Msg("File processed")
		}
		results = append(results, result)
	}

	if err := writeResults(cmd, results); err != nil {
		return err
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d files failed", failures, len(args))
	}
	return nil
}

func processFile(ctx context.Context, processor *service.Processor, path string, timeout time.Duration) fileResult {
	result := fileResult{File: path, ProcessedAt: time.Now()}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Error = fmt.Sprintf("read failed: %v", err)
		return result
	}

	fileCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := processor.ProcessDocument(fileCtx, data, mimeFromExtension(path), filepath.Base(path))
	if err != nil {
		result.Error = err.Error()
	}
	if outcome != nil && outcome.Record != nil {
		result.Key = outcome.Record.Key().String()
		result.ProcessingID = outcome.Record.ProcessingID
		result.Status = string(outcome.Record.Status)
		result.ItemCount = len(outcome.Record.Items)
		for _, w := range outcome.Warnings {
			result.Warnings = append(result.Warnings, w.Message)
		}
		if outcome.Receipt != nil {
			result.IssuerLedger = outcome.Receipt.IssuerLedger
		}
	}
	return result
}

func mimeFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

func writeResults(cmd *cobra.Command, results []fileResult) error {
	encoded, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath == "" {
		fmt.Println(string(encoded))
		return nil
	}
	if err := os.WriteFile(outputPath, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write results to %s: %w", outputPath, err)
	}
	return nil
}
