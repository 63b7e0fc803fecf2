package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/app"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from the shared queue until interrupted",
		Long: `worker joins the fleet: it consumes jobs from the configured queue
backend and executes them. Runs are started elsewhere (the run command,
the control API, or another worker's emissions).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfgFile)
			if err != nil {
				return err
			}
			defer closeApp(a)

			a.Log.Info("worker started", zap.Int("workers", a.Config.Workers))
			err = a.Runner.Work(ctx, a.Config.Workers)
			if errors.Is(err, context.Canceled) {
				a.Log.Info("worker stopped")
				return nil
			}
			return err
		},
	}
}
