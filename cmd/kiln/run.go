package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/kiln/internal/daemon"
	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/eventserver"
	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/store"
	"github.com/alekspetrov/kiln/internal/ticket/github"
	"github.com/alekspetrov/kiln/internal/yolo"
)

func newRunCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the kiln daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidatedConfig()
			if err != nil {
				return err
			}

			logCfg := &logging.Config{
				Level:  logLevel,
				Format: "text",
				Output: cfg.LogFile,
				Rotation: &logging.RotationConfig{
					MaxSize:    cfg.LogSize,
					MaxBackups: cfg.LogBackups,
				},
			}
			if cfg.IsEnterprise() && cfg.GHESLogsMask {
				logCfg.Mask = &logging.MaskConfig{Hostname: cfg.Host()}
			}
			if err := logging.Init(logCfg); err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}

			st, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open state database: %w", err)
			}
			defer st.Close()

			decisions, err := yolo.OpenDecisions(cfg.YoloDatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open yolo database: %w", err)
			}
			defer decisions.Close()

			client := github.NewClient(cfg.Host(), cfg.Token())
			client.SetMetadataCache(st)
			bus := events.NewBus()
			engine := daemon.New(cfg, client, st, decisions, bus)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.EventAddr != "" {
				srv := eventserver.New(cfg.EventAddr, bus)
				go func() {
					if err := srv.Start(ctx); err != nil {
						logging.WithComponent("eventserver").Error("Event server failed",
							slog.Any("error", err))
					}
				}()
			}

			fmt.Printf("kiln %s watching %d board(s), logging to %s\n",
				version, len(cfg.ProjectURLs), cfg.LogFile)
			return engine.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}
