package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/jmgilman/go/errors"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/jmgilman/go/repocache"
)

type globalOptions struct {
	cacheDir string
	debug    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "repocache-adm",
		Short: "Inspect and maintain a repository cache",
		Long: `repocache-adm administers the on-disk cache of git clones shared by
build workers. Configuration is read from REPOCACHE_* environment variables;
--cache-dir overrides REPOCACHE_ROOT.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if opts.debug {
				level = slog.LevelDebug
			}
			logger := clog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.cacheDir, "cache-dir", "c", "", "repository cache base directory (default $REPOCACHE_ROOT)")
	cmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "debug output")

	cmd.AddCommand(
		newStatCmd(opts),
		newListCmd(opts),
		newEvictCmd(opts),
		newInvalidateCmd(opts),
		newAcquireCmd(opts),
	)
	return cmd
}

// config loads the environment configuration with the --cache-dir
// override applied.
func (o *globalOptions) config(ctx context.Context) (repocache.Config, error) {
	lookuper := envconfig.OsLookuper()
	if o.cacheDir != "" {
		abs, err := filepath.Abs(o.cacheDir)
		if err != nil {
			return repocache.Config{}, errors.Wrap(err, errors.CodeInvalidInput, "invalid cache directory")
		}
		lookuper = envconfig.MultiLookuper(
			envconfig.MapLookuper(map[string]string{repocache.EnvPrefix + "ROOT": abs}),
			lookuper,
		)
	}
	return repocache.LoadConfigFrom(ctx, lookuper)
}

// open opens the cache. With mustExist, a missing cache directory is an
// error instead of being created.
func (o *globalOptions) open(ctx context.Context, mutate func(*repocache.Config), mustExist bool) (*repocache.Cache, error) {
	cfg, err := o.config(ctx)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}

	if mustExist {
		if info, err := os.Stat(cfg.Root); err != nil || !info.IsDir() {
			return nil, errors.WithContext(errors.New(errors.CodeNotFound, "repocache base directory not found"), "path", cfg.Root)
		}
	}

	clog.FromContext(ctx).Debug("opening repository cache", "root", cfg.Root, "backend", cfg.Backend)
	return repocache.New(ctx, cfg)
}
