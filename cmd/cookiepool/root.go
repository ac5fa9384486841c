package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cookiepool/pkg/config"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/secrets"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cookiepool",
	Short: "Session pool and comment scrape service",
	Long: `cookiepool manages a pool of authenticated social sessions and
dispatches comment scrape jobs against them.

The service runs as two processes: "serve" hosts the session pool and
job dispatcher, "worker" executes scrape jobs handed to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default .cookiepool.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

// loadConfig builds the effective configuration and initializes the
// global logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, nil
}

// resolveSecrets fills credentials the config left empty from the
// secret chain. Values set by config or environment win.
func resolveSecrets(cfg *config.Config) {
	chain := secrets.NewChain()
	if cfg.Worker.FallbackAPIKey == "" {
		if v, err := chain.Get(secrets.NameFallbackAPIKey); err == nil {
			cfg.Worker.FallbackAPIKey = v
		}
	}
	if cfg.Proxy.Password == "" {
		if v, err := chain.Get(secrets.NameProxyPassword); err == nil {
			cfg.Proxy.Password = v
		}
	}
}
