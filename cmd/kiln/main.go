package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/kiln/internal/config"
)

var version = "0.3.0"

// workDir is the checkout root holding the .kiln directory.
var workDir string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Label-driven GitHub project automation",
		Long: `Kiln watches GitHub project boards and drives issues through research,
planning, and implementation with the claude CLI, using issue labels as
durable workflow state.`,
	}
	rootCmd.PersistentFlags().StringVarP(&workDir, "dir", "C", ".", "checkout directory containing .kiln/")

	rootCmd.AddCommand(
		newRunCmd(),
		newResetCmd(),
		newLogsCmd(),
		newDashboardCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadValidatedConfig loads and validates the config for commands that talk
// to GitHub. Read-only commands (logs, dashboard) load without validating.
func loadValidatedConfig() (*config.Config, error) {
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(workDir, config.KilnDir, "config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			fmt.Println("Fill in GITHUB_TOKEN, PROJECT_URLS, and ALLOWED_USERNAME, then run `kiln run`.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show kiln version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kiln v%s\n", version)
		},
	}
}
