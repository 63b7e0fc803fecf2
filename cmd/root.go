// Package cmd holds the stagecrawl command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stagecrawl",
		Short: "Coordinated multi-worker crawl pipelines",
		Long: `stagecrawl runs recursive crawl pipelines across a fleet of
workers. Pipelines are small stage graphs defined in YAML; a shared tag
store coordinates URL dedup, incremental skips, and HTTP revalidation
across runs and machines.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFlushCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

// Execute is the CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}
