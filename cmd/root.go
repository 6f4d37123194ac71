// Package cmd wires the licitometro CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinsantos/licitometro-sub001/internal/config"
	"github.com/martinsantos/licitometro-sub001/internal/logging"
	"github.com/martinsantos/licitometro-sub001/internal/metrics"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "licitometro",
	Short: "Tender notice ingestion, identity resolution and enrichment pipeline",
	Long: `licitometro crawls public procurement portals, deduplicates the
notices they publish into canonical records, enriches those records with
detail pages and attached documents, and links them to user-defined
semantic nodes.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")
}

// loadConfig reads the config file, initializes the bootstrap logger and
// the metrics registry.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Init(cfg.Logging.Development); err != nil {
		return config.Config{}, err
	}
	metrics.Init()
	return cfg, nil
}
