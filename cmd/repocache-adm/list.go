package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached repositories, least recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := opts.open(ctx, nil, true)
			if err != nil {
				return err
			}

			entries, err := c.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tURL\tLAST ACCESS\tLAST FETCH\tSIZE")
			for _, e := range entries {
				url := e.URL
				if url == "" {
					url = "-"
				}
				lastFetch := "never"
				if !e.LastFetch.IsZero() {
					lastFetch = humanize.Time(e.LastFetch)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Key.Short(), url, humanize.Time(e.LastAccess), lastFetch, humanize.IBytes(uint64(e.Size)))
			}
			return w.Flush()
		},
	}
}
