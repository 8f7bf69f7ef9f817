package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cookmarks/cookmarks/internal/extraction"
)

var (
	extractBookRef string
	extractModel   string
)

var extractCmd = &cobra.Command{
	Use:   "extract <epub-file>",
	Short: "Extract recipes from an EPUB cookbook",
	Long: `Extract starts (or rejoins) the extraction workflow for a book. If the
run pauses for a human answer, the pending question is printed and the run can
be continued later with "cookmarks resume".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		epubPath, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		bookRef := extractBookRef
		if bookRef == "" {
			base := filepath.Base(epubPath)
			bookRef = strings.TrimSuffix(base, filepath.Ext(base))
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.Engine.Start(cmd.Context(), bookRef, epubPath, extraction.StartOptions{
			Model: extractModel,
		})
		if run != nil {
			printRunStatus(run)
		}
		return err
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractBookRef, "book", "", "book reference (default: epub file name)")
	extractCmd.Flags().StringVar(&extractModel, "model", "", "model override for every call in this run")
}

func printRunStatus(run *extraction.WorkflowRun) {
	fmt.Printf("run:      %s\n", run.RunID)
	fmt.Printf("book:     %s\n", run.BookRef)
	fmt.Printf("state:    %s\n", run.State)
	if run.Strategy != "" {
		fmt.Printf("strategy: %s\n", run.Strategy)
	}
	fmt.Printf("cost:     $%.4f (%d tokens)\n", run.Usage.CostUSD, run.Usage.TotalTokens())

	switch run.State {
	case extraction.StateAwaitingHuman:
		fmt.Printf("\nquestion: %s\n", run.PendingQuestion)
		fmt.Printf("answer with: cookmarks resume %s --has-images=<true|false>\n", run.RunID)
	case extraction.StateFailed:
		fmt.Printf("\nfailed at %s: %s\n", run.FailedAt, run.FailureReason)
	}
	for _, msg := range run.Errors {
		fmt.Printf("note: %s\n", msg)
	}
}
