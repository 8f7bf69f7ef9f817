package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List extraction runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Store.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tBOOK\tSTATE\tRECIPES\tCOST\tUPDATED")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\t%s\n",
				run.RunID, run.BookRef, run.State, len(run.RawRecipes),
				run.Usage.CostUSD, run.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List runs waiting on a human answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		questions, err := a.Store.PendingQuestions(cmd.Context())
		if err != nil {
			return err
		}
		if len(questions) == 0 {
			fmt.Println("no pending questions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tBOOK\tQUESTION\tASKED")
		for _, q := range questions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				q.RunID, q.BookRef, q.Question, q.AskedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum runs to list")

	rootCmd.AddCommand(pendingCmd)
}
