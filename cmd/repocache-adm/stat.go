package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Display repocache status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := opts.open(ctx, nil, true)
			if err != nil {
				return err
			}

			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status of %s:\n", c.Config().Root)
			fmt.Fprintf(out, "Total of %d repos taking %d bytes (%s) of disk space\n",
				stats.Entries, stats.TotalSize, humanize.IBytes(uint64(stats.TotalSize)))
			if stats.OldestAccess != nil {
				fmt.Fprintf(out, "Least recently used: %s\n", humanize.Time(*stats.OldestAccess))
				fmt.Fprintf(out, "Most recently used: %s\n", humanize.Time(*stats.NewestAccess))
			}
			return nil
		},
	}
}
