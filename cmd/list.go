package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/stagecrawl/stagecrawl/internal/app"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured crawlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), cfgFile)
			if err != nil {
				return err
			}
			defer closeApp(a)

			names := make([]string, 0, len(a.Crawlers))
			for name := range a.Crawlers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				c := a.Crawlers[name]
				mode := "incremental"
				if !c.IsIncremental() {
					mode = "full"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d stages\t%s\t%s\n",
					name, len(c.Pipeline), mode, c.Description)
			}
			return nil
		},
	}
}
