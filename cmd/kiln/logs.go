package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/kiln/internal/config"
	"github.com/alekspetrov/kiln/internal/store"
)

func newLogsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "logs [issue-url]",
		Short: "List workflow runs and their log files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(workDir)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open state database: %w", err)
			}
			defer st.Close()

			var runs []store.Run
			if len(args) == 1 {
				ref, err := parseIssueArg(args[0])
				if err != nil {
					return err
				}
				runs, err = st.RunsForIssue(ref.String())
				if err != nil {
					return err
				}
			} else {
				runs, err = st.RecentRuns(limit)
				if err != nil {
					return err
				}
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			for _, r := range runs {
				fmt.Println(formatRunLine(r))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func formatRunLine(r store.Run) string {
	line := fmt.Sprintf("%s  %-9s  %-16s  %s",
		r.StartedAt.Local().Format("2006-01-02 15:04"), r.Outcome, r.Workflow, r.IssueRef)
	if r.LogPath != "" {
		line += "\n      log: " + r.LogPath
	}
	return line
}
