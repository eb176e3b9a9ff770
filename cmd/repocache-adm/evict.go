package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"

	"github.com/jmgilman/go/repocache"
)

func newEvictCmd(opts *globalOptions) *cobra.Command {
	var (
		limit     string
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove unused repositories to reclaim disk space",
		Long: `Remove least recently used repositories until the cache fits in --limit
(default $REPOCACHE_CAPACITY_LIMIT), and, with --older-than, every repository
not used within that duration. Repositories in use are skipped.`,
		Example: `  repocache-adm -c /var/cache/repocache evict --limit 20GiB
  repocache-adm -c /var/cache/repocache evict --older-than 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var capacity repocache.ByteSize
			if limit != "" {
				if err := capacity.EnvDecode(limit); err != nil {
					return errors.WithContext(errors.Wrap(err, errors.CodeInvalidInput, "invalid --limit"), "limit", limit)
				}
			}

			c, err := opts.open(ctx, func(cfg *repocache.Config) {
				if limit != "" {
					cfg.CapacityLimit = capacity
				}
			}, true)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report := func(what string, res *repocache.EvictionResult) {
				fmt.Fprintf(out, "%s: evicted %d repos, freed %s, skipped %d in use\n",
					what, len(res.Evicted), humanize.IBytes(uint64(res.Freed())), len(res.Skipped))
			}

			if c.Config().CapacityLimit > 0 {
				res, err := c.Evict(ctx)
				if err != nil {
					return err
				}
				report("capacity "+c.Config().CapacityLimit.String(), res)
			}
			if olderThan > 0 {
				res, err := c.EvictOlderThan(ctx, olderThan)
				if err != nil {
					return err
				}
				report("unused for "+olderThan.String(), res)
			}
			if c.Config().CapacityLimit <= 0 && olderThan <= 0 {
				fmt.Fprintln(out, "no capacity limit or age given, nothing to do")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&limit, "limit", "", `capacity limit, e.g. "10GiB"`)
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "evict repositories not used within this duration")
	return cmd
}
