package cmd

import (
	"fmt"

	"github.com/rustyeddy/tradecycle/config"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "A risk-bounded trading orchestrator",
	Long: `Trader turns structured trade intents into account-aware, risk-constrained
spot orders, once per cycle, and keeps an append-only ledger of everything it
did plus an equity series.

It provides tools for:
  - Running one or many trading cycles against a paper, Binance or OKX venue
  - Querying and exporting the trade ledger
  - Serving the ledger read-only over HTTP for reporting

Venue credentials are read from TRADER_API_KEY, TRADER_API_SECRET and
TRADER_API_PASSPHRASE, optionally loaded from a .env file.`,
	SilenceUsage: true,
}

var (
	configPath string
	envFile    string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML or JSON); defaults to paper trading")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with venue credentials")
}

// loadConfig reads the config named by --config, or the defaults.
func loadConfig() (*config.Config, error) {
	config.LoadEnv(envFile)
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cfg := config.Default()
	cfg.LoadSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.Init(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}
