// Package cmd defines the tendril command line interface.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tendril-app/tendril/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tendril",
	Short: "Workflow orchestration and live event delivery for agent pipelines",
	Long: `Tendril runs multi-step agent pipelines: it tracks workflow executions
and their agent tasks in an authoritative store, consumes progress events
from the execution engine, and fans out change notifications to HTTP
subscribers over server-sent events.`,
	Version: version,
}

// SetVersion sets the version string displayed by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/tendril/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("db_path", defaults.DBPath)
	viper.SetDefault("bus.channel", defaults.Bus.Channel)
	viper.SetDefault("gateway.host", defaults.Gateway.Host)
	viper.SetDefault("gateway.port", defaults.Gateway.Port)
	viper.SetDefault("gateway.heartbeat_interval", defaults.Gateway.HeartbeatInterval)
	viper.SetDefault("engine.base_delay", defaults.Engine.BaseDelay)
	viper.SetDefault("engine.multiplier", defaults.Engine.Multiplier)
	viper.SetDefault("engine.max_attempts", defaults.Engine.MaxAttempts)
	viper.SetDefault("templates.user_dir", defaults.Templates.UserDir)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	viper.SetDefault("log.path", defaults.Log.Path)

	viper.SetEnvPrefix("TENDRIL")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .tendril/config.yaml (current directory)
		// 2. ~/.config/tendril/config.yaml (user config)
		if _, err := os.Stat(".tendril/config.yaml"); err == nil {
			viper.SetConfigFile(".tendril/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "tendril"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// A missing config file is fine; defaults apply.
	_ = viper.ReadInConfig()

	_ = viper.Unmarshal(&cfg)
}
