package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/app"
	"github.com/stagecrawl/stagecrawl/internal/dispatch"
)

func newRunCmd() *cobra.Command {
	var (
		full            bool
		continueOnError bool
	)

	cmd := &cobra.Command{
		Use:   "run <crawler>",
		Short: "Start a crawler run and work it until idle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfgFile)
			if err != nil {
				return err
			}
			defer closeApp(a)

			opts := dispatch.RunOptions{}
			if full {
				off := false
				opts.Incremental = &off
			}
			if continueOnError {
				on := true
				opts.ContinueOnError = &on
			}

			runID, err := a.Runner.StartRun(ctx, args[0], opts)
			if err != nil {
				return err
			}
			a.Log.Info("working run until idle",
				zap.String("run_id", runID),
				zap.Int("workers", a.Config.Workers))

			if err := a.Runner.Work(ctx, a.Config.Workers); err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}
			a.Log.Info("run finished", zap.String("run_id", runID))
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "disable incremental skipping for this run")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep the run alive through stage failures")
	return cmd
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Log.Warn("shutdown", zap.Error(err))
	}
}
