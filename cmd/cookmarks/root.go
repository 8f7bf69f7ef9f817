package main

import (
	"github.com/spf13/cobra"

	"github.com/cookmarks/cookmarks/internal/app"
	"github.com/cookmarks/cookmarks/internal/config"
	"github.com/cookmarks/cookmarks/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cookmarks",
	Short: "Recipe extraction from EPUB cookbooks using LLMs",
	Long: `Cookmarks extracts structured recipe records from EPUB cookbooks.

Each book runs through a checkpointed workflow: the EPUB's structure picks a
cost-appropriate extraction strategy, an LLM extracts recipes against a JSON
schema, ambiguous results pause for a human answer, image references are
resolved against the archive, and the recipes plus a cost report are persisted
in one transaction. Suspended runs survive process restarts and can be resumed
days later.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.cookmarks/config.yaml)",
	)

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// newApp loads configuration and wires the services for a command.
func newApp() (*app.App, error) {
	cm, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	return app.New(cm.Get())
}
