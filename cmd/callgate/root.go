package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "callgate",
	Short:         "Callgate voice call gateway",
	Long:          `Callgate places and answers phone calls through a telephony provider and tracks every call from dial to hangup.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfigForCommand(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfigForCommand loads configuration and applies --workspace on top.
func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	loaded, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if flag := cmd.Flags().Lookup("workspace"); flag != nil && flag.Changed {
		path, err := config.ExpandPath(flag.Value.String())
		if err != nil {
			return nil, fmt.Errorf("invalid workspace path: %w", err)
		}
		if strings.TrimSpace(path) != "" {
			loaded.Daemon.WorkspacePath = path
		}
	}
	return loaded, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.callgate/config.yaml)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (default is $HOME/.callgate/workspace)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "server port")
}
