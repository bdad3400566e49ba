package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/kiln/internal/config"
	"github.com/alekspetrov/kiln/internal/dashboard"
	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/yolo"
)

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Open the live terminal dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(workDir)
			if err != nil {
				return err
			}
			if cfg.EventAddr == "" {
				return fmt.Errorf("EVENT_ADDR is not configured; the dashboard needs the daemon's event feed")
			}

			// Stray log lines corrupt the alternate screen.
			logging.Suppress()

			var decisions *yolo.DecisionStore
			if d, err := yolo.OpenDecisions(cfg.YoloDatabasePath); err == nil {
				decisions = d
				defer d.Close()
			}

			return dashboard.Run("v"+version, cfg.EventAddr, decisions)
		},
	}
}
