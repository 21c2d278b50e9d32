package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"tarharvest/internal/app"
	"tarharvest/internal/checkpoint"
	"tarharvest/internal/config"
	"tarharvest/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	statusOnly bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tarharvest",
	Short: "Fetch, extract and normalize remote tar archives by item ID",
	Long: `A concurrent, resumable batch downloader. Each item ID maps to {url}/{id}.tar;
archives are extracted under {target}/{id}/ with images normalized to 256x256 JPEG.
Completed items carry a .download_complete marker and are skipped on rerun.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHarvest,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML, or TOML with a .toml extension)")

	// Source flags
	rootCmd.Flags().String("fname", "data.csv", "CSV/TSV file listing item IDs")
	rootCmd.Flags().String("id-column", "wnid", "Column holding item IDs")
	rootCmd.Flags().String("url", "https://image-net.org/data/winter21_whole", "Base URL for archives (http(s):// or s3://bucket/prefix)")

	// Harvest flags
	rootCmd.Flags().Int("workers", 10, "Number of parallel downloads")
	rootCmd.Flags().String("target", ".", "Output root directory")
	rootCmd.Flags().Bool("delete-tar", true, "Delete archives after successful extraction")
	rootCmd.Flags().Bool("show-progress", true, "Show progress on stderr when it is a terminal")
	rootCmd.Flags().String("journal", "", "SQLite attempt journal (e.g. harvest.journal); empty disables it")
	rootCmd.Flags().BoolVar(&statusOnly, "status", false, "Report completed, pending and failed items and exit")

	// HTTP flags
	rootCmd.Flags().Int("retries", 10, "Maximum retries for transient HTTP failures")
	rootCmd.Flags().Int("timeout", 520, "Seconds without progress before a request is abandoned")

	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
	rootCmd.Flags().String("log-file", "harvest.log", "Log file; empty logs to stderr")
	rootCmd.Flags().String("metrics-addr", "", "Serve /metrics and /healthz on this address (e.g. :9090)")
}

func runHarvest(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, logFileFor(cfg, statusOnly))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ids, err := app.LoadIDs(cfg.Source.IDFile, cfg.Source.IDColumn)
	if err != nil {
		log.Error("Failed to load item ids", zap.String("file", cfg.Source.IDFile), zap.Error(err))
		return err
	}

	if statusOnly {
		return runStatus(ids, log)
	}

	harvester, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create harvester: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, stopping after in-flight items...")
			fmt.Fprintln(os.Stderr, "Interrupted, finishing up. Rerun to resume.")
			cancel()
		case <-ctx.Done():
		}
	}()

	stats, err := harvester.Run(ctx, ids)
	if err == nil {
		harvester.PrintSummary(os.Stdout, stats)
	}

	if closeErr := harvester.Close(); closeErr != nil {
		log.Error("Error closing harvester", zap.Error(closeErr))
	}

	return err
}

// logFileFor sends status-mode logs to stderr so the report never writes files
func logFileFor(c *config.Config, status bool) string {
	if status {
		return ""
	}
	return c.LogFile
}

// runStatus prints the resume report without downloading or writing anything
func runStatus(ids []string, log *zap.Logger) error {
	var journal checkpoint.Journal
	if path := cfg.Harvest.Journal; path != "" {
		if _, err := os.Stat(path); err == nil {
			j, err := checkpoint.NewSQLiteJournal(path)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer j.Close()
			journal = j
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat journal: %w", err)
		}
	}

	report, err := app.CheckStatus(ids, cfg.Harvest.OutputRoot, journal)
	if err != nil {
		return fmt.Errorf("failed to check status: %w", err)
	}

	log.Info("Status checked",
		zap.Int("total", report.Total),
		zap.Int("completed", len(report.Completed)),
		zap.Int("pending", len(report.Pending)),
		zap.Int("failed", len(report.Failed)),
	)
	app.RenderReport(os.Stdout, report)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
