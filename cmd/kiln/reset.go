package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/kiln/internal/daemon"
	"github.com/alekspetrov/kiln/internal/events"
	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/store"
	"github.com/alekspetrov/kiln/internal/ticket"
	"github.com/alekspetrov/kiln/internal/ticket/github"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <issue-url>",
		Short: "Return an issue to Backlog and remove every workflow artifact",
		Long: `Reset strips kiln's labels and body regions from the issue, closes any
open kiln pull requests, deletes their branches, removes the worktree,
and moves the board item back to Backlog. User-applied labels and the
original issue body are untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseIssueArg(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadValidatedConfig()
			if err != nil {
				return err
			}
			// Keep the terminal clean; errors still surface via RunE.
			if err := logging.Init(&logging.Config{Level: "warn"}); err != nil {
				return err
			}

			st, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open state database: %w", err)
			}
			defer st.Close()

			client := github.NewClient(cfg.Host(), cfg.Token())
			client.SetMetadataCache(st)
			engine := daemon.New(cfg, client, st, nil, events.NewBus())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			item, err := findBoardItem(ctx, client, cfg.ProjectURLs, ref)
			if err != nil {
				return err
			}
			if err := engine.ResetIssue(ctx, item); err != nil {
				return err
			}
			fmt.Printf("Reset %s to Backlog\n", ref)
			return nil
		},
	}
}

// parseIssueArg accepts either a browser URL or a host/owner/repo#number ref.
func parseIssueArg(arg string) (ticket.Ref, error) {
	if ref, err := ticket.ParseIssueURL(arg); err == nil {
		return ref, nil
	}
	ref, err := ticket.ParseRef(arg)
	if err != nil {
		return ticket.Ref{}, fmt.Errorf("cannot parse %q as an issue URL or ref", arg)
	}
	return ref, nil
}

func findBoardItem(ctx context.Context, client ticket.Client, boards []string, ref ticket.Ref) (ticket.Item, error) {
	for _, board := range boards {
		items, err := client.ListProjectItems(ctx, board)
		if err != nil {
			return ticket.Item{}, fmt.Errorf("failed to list %s: %w", board, err)
		}
		for _, it := range items {
			if it.Ref == ref {
				return it, nil
			}
		}
	}
	return ticket.Item{}, fmt.Errorf("issue %s not found on any configured board", ref)
}
