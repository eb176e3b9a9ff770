package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmgilman/go/repocache"
)

func newAcquireCmd(opts *globalOptions) *cobra.Command {
	var always bool

	cmd := &cobra.Command{
		Use:   "acquire URL [REVISION]",
		Short: "Clone or refresh a repository and print its path",
		Long: `Bring the cached clone of URL up to date, check that REVISION (default
HEAD) resolves, and print the clone's path and the resolved commit. The
lock is released on exit, so this is for warming the cache.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.open(ctx, nil, false)
			if err != nil {
				return err
			}

			revision := ""
			if len(args) > 1 {
				revision = args[1]
			}

			var acquireOpts []repocache.AcquireOption
			if always {
				acquireOpts = append(acquireOpts, repocache.WithUpdateMode(repocache.UpdateAlways))
			}

			h, err := c.Acquire(ctx, args[0], revision, acquireOpts...)
			if err != nil {
				return err
			}
			defer h.Release()

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", h.Path(), h.Commit())
			return nil
		},
	}

	cmd.Flags().BoolVar(&always, "update", false, "fetch even if the cached clone is fresh")
	return cmd
}
