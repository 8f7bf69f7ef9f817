package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a completed run's recipes as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Store.ReportFor(cmd.Context(), runID)
		if err != nil {
			return err
		}
		recipes, err := a.Store.RecipesForRun(cmd.Context(), runID)
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			if err := os.MkdirAll(a.Config.ExportDir, 0o755); err != nil {
				return err
			}
			out = filepath.Join(a.Config.ExportDir, report.BookRef+".json")
		}

		payload := map[string]any{
			"book_ref": report.BookRef,
			"run_id":   report.RunID,
			"recipes":  recipes,
			"report":   report,
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}

		fmt.Printf("exported %d recipes to %s\n", len(recipes), out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default: <export_dir>/<book>.json)")
}
