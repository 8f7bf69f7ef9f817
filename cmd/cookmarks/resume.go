package main

import (
	"github.com/spf13/cobra"
)

var resumeHasImages bool

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Answer a suspended run's pending question and continue it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.Engine.Resume(cmd.Context(), args[0], resumeHasImages)
		if run != nil {
			printRunStatus(run)
		}
		return err
	},
}

var driveCmd = &cobra.Command{
	Use:   "drive <run-id>",
	Short: "Continue a checkpointed run from where it stopped",
	Long: `Continue a run that was checkpointed mid-flight, after a crash,
cancellation, or provider backpressure. Terminal runs and runs awaiting a
human answer are left unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.Engine.Drive(cmd.Context(), args[0])
		if run != nil {
			printRunStatus(run)
		}
		return err
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Retry persistence for a run that failed while finalizing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.Engine.RetryFinalize(cmd.Context(), args[0])
		if run != nil {
			printRunStatus(run)
		}
		return err
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeHasImages, "has-images", false, "whether the book contains recipe images")
	resumeCmd.MarkFlagRequired("has-images")

	rootCmd.AddCommand(driveCmd)
	rootCmd.AddCommand(retryCmd)
}
