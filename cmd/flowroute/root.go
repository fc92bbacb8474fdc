package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var appConfig *AppConfig

var rootCmd = &cobra.Command{
	Use:   "flowroute",
	Short: "flowroute reroutes process tasks and reconstructs execution paths",
	Long: `flowroute validates process definitions, reconstructs traversed transitions
from historic activity logs and runs a leave-approval demo against sqlite.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		config, err := loadAppConfig(configPath)
		if err != nil {
			return err
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			config.LogLevel = level
		}
		if err := config.validate(); err != nil {
			return err
		}
		setupLogger(config.LogLevel)
		appConfig = config
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the flowroute YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

func setupLogger(level string) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		slogLevel = slog.LevelInfo
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		TimeFormat: time.Kitchen,
		Level:      slogLevel,
	})
	slog.SetDefault(slog.New(handler))
}
