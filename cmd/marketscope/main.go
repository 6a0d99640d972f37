package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marketscope/internal/config"
	"marketscope/internal/docstore"
	"marketscope/internal/logging"
	"marketscope/internal/snapshot"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	dbPath     string
	timeout    time.Duration

	// Scope flags shared by most subcommands
	categoryID  string
	countryCode string
	langCode    string
	month       string

	// Logger
	logger *zap.Logger

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "marketscope",
	Short: "marketscope - market research snapshot store and pipeline",
	Long: `marketscope manages the snapshot storage, resolution and pipeline
subsystem of the market research dashboard.

Keyword corpora are stored as content-addressed row chunks under lifecycle
snapshots. Demand, corpus and signal resolution walk explicit fallback
ladders, a bounded repair service heals poisoned demand artifacts, and the
pipeline turns a certified corpus into the month's demand, report and
playbook documents.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws); err != nil {
			logger.Warn("Category logging unavailable", zap.Error(err))
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath(ws)
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dbPath != "" {
			cfg.Store.DatabasePath = dbPath
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.marketscope/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(statusCmd)
}

// addScopeFlags registers the scope flags on a subcommand.
func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&categoryID, "category", "", "Category id (required)")
	cmd.Flags().StringVar(&countryCode, "country", "us", "Country code")
	cmd.Flags().StringVar(&langCode, "lang", "en", "Language code")
	cmd.Flags().StringVar(&month, "month", "", "Target month YYYY-MM (default: current)")
	_ = cmd.MarkFlagRequired("category")
}

func scope() snapshot.Scope {
	return snapshot.Scope{
		CategoryID:   categoryID,
		CountryCode:  countryCode,
		LanguageCode: langCode,
	}
}

func targetMonth() string {
	if month != "" {
		return month
	}
	return snapshot.CurrentMonthKey()
}

// openStore opens the configured document store.
func openStore() (*docstore.Store, error) {
	docs, err := docstore.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.DatabasePath, err)
	}
	return docs, nil
}

// printJSON renders a result to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
