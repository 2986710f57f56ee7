package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"btc-bridge/internal/config"
	"btc-bridge/internal/logger"
	"btc-bridge/internal/types"
)

var rootCmd = &cobra.Command{
	Use:           "bridged",
	Short:         "BTC bridge node",
	Long:          `bridged executes bridge calls from native blocks and keeps the bridge state on disk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Fatal error occurred", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Configuration file, created with defaults when missing")
	rootCmd.PersistentFlags().StringP("datadir", "d", "", "Override storage.path")
	rootCmd.PersistentFlags().StringP("log_level", "v", "", "Override logging.level: debug, info, warn, error")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("datadir"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log_level"))

	viper.SetEnvPrefix("BRIDGED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(initCmd, keygenCmd, replayCmd, inspectCmd, exportCmd, importCmd, selectorsCmd)
}

// readConfig loads the configuration file, applies flag and environment overrides
// and initializes the global logger.
func readConfig() (*types.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if dir := viper.GetString("storage.path"); dir != "" {
		cfg.Storage.Path = dir
	}
	if level := viper.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := config.ValidateLoggingConfig(&cfg.Logging); err != nil {
		return nil, err
	}

	if err := logger.Init(config.LoggerConfig(&cfg.Logging)); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug("Configuration loaded", "path", path, "network", cfg.Network.Name)
	return cfg, nil
}
