package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-ingest/compressioncache"
	"github.com/bitrise-io/go-ingest/config"
	"github.com/bitrise-io/go-ingest/ingest"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the compression cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), opts, func(c *compressioncache.Cache) error {
				stats, err := c.Stats(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Entries: %d\n", stats.Count)
				fmt.Fprintf(out, "Size:    %s\n", units.HumanSize(float64(stats.TotalBytes)))
				if stats.Count > 0 {
					fmt.Fprintf(out, "Oldest:  %s\n", stats.OldestCreatedAt.Format(time.RFC3339))
					fmt.Fprintf(out, "Newest:  %s\n", stats.NewestCreatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), opts, func(c *compressioncache.Cache) error {
				if err := c.Clear(cmd.Context()); err != nil {
					return err
				}
				opts.logger.Donef("Cache cleared")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "evict",
		Short: "Remove expired results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), opts, func(c *compressioncache.Cache) error {
				n, err := c.EvictExpired(cmd.Context())
				if err != nil {
					return err
				}
				opts.logger.Donef("Evicted %d expired entries", n)
				return nil
			})
		},
	})

	return cmd
}

// withCache opens the configured cache store without requiring a complete
// upload backend configuration.
func withCache(ctx context.Context, opts *rootOptions, fn func(c *compressioncache.Cache) error) error {
	cfg, err := config.Read(opts.envRepo, opts.configFile)
	if err != nil {
		return err
	}

	c, err := ingest.OpenCache(ctx, cfg.Cache, opts.logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			opts.logger.Warnf("Failed to close cache: %s", err)
		}
	}()

	return fn(c)
}
