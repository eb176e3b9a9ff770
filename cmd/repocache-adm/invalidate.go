package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInvalidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate URL...",
		Short: "Remove cached repositories, waiting for current users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.open(ctx, nil, true)
			if err != nil {
				return err
			}

			for _, url := range args {
				if err := c.Invalidate(ctx, url); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", url)
			}
			return nil
		},
	}
}
