package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tangledbytes/go-vrkv/pkg/config"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "vrkv",
		Short: "replicated key-value store",
		Long: `vrkv is a key-value store replicated with Viewstamped Replication.

Every flag can also be set through the environment as VRKV_<FLAG>, with
dashes replaced by underscores (e.g. VRKV_HEARTBEAT_TIMEOUT=250ms), or in
a config file passed with --config. .env and .env.local are loaded from
the working directory.`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(serveCmd, clientCmd, simulateCmd)
}

// initConfig loads the env files and sets viper up to read the
// environment and the optional config file.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("vrkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}
}

// bindFlags makes the flags of cmd, inherited ones included, visible
// through viper.
func bindFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	return viper.BindPFlags(cmd.InheritedFlags())
}

func logConfig() config.LogConfig {
	return config.LogConfig{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	}
}

// setupLogger builds the configured logger and installs it as the
// default one.
func setupLogger(c config.LogConfig) (*slog.Logger, error) {
	logger, err := config.NewLogger(c, os.Stderr)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	return logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
