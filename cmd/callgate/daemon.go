package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/callgate/internal/daemon"
	"github.com/harunnryd/callgate/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the call gateway",
	Long:  `Starts the call manager, the provider webhook endpoint, the call API and the call scheduler, and runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := buildDaemon(forceClean)
		if err != nil {
			return err
		}

		slog.Info("Callgate daemon starting up...", "port", cfg.Server.Port, "provider", cfg.Voice.Provider, "workspace", daemonMgr.WorkspacePath())
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Callgate daemon stopped gracefully", "workspace", daemonMgr.WorkspacePath())
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Callgate daemon stopped gracefully", "workspace", daemonMgr.WorkspacePath())
		return nil
	},
}

func buildDaemon(forceClean bool) (*daemon.Daemon, error) {
	daemonMgr, err := daemon.NewDaemon(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon manager: %w", err)
	}
	daemonMgr.SetForceCleanup(forceClean)

	workspace := daemonMgr.WorkspacePath()
	logComp := components.NewCallLogComponent(workspace, &cfg.Store)
	managerComp := components.NewCallManagerComponent(cfg, logComp)
	schedulerComp := components.NewSchedulerComponent(cfg, managerComp, workspace)
	httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server, managerComp)

	daemonMgr.AddComponent(logComp)
	daemonMgr.AddComponent(managerComp)
	daemonMgr.AddComponent(schedulerComp)
	daemonMgr.AddComponent(httpComp)
	return daemonMgr, nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
