package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/app"
)

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush <crawler>",
		Short: "Delete all of a crawler's coordination state",
		Long: `flush removes every tag a crawler owns: completion records, HTTP
validators, incremental claims and run markers. The next run reprocesses
everything from scratch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfgFile)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Runner.Flush(ctx, args[0]); err != nil {
				return err
			}
			a.Log.Info("flushed", zap.String("crawler", args[0]))
			return nil
		},
	}
}
