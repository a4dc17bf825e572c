package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sogaiu/bupstash/pkg/bytesize"
)

func (a *app) newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete chunks no longer referenced by any item",
		Long: `Collect garbage: purge removed items whose grace period has passed and
delete every chunk that no remaining item references. Puts running at
the same time retry and are not lost.

No key is needed. When one is configured its query cache is refreshed
afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.optionalKey()
			if err != nil {
				return err
			}
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			stats, err := s.GC(cmd.Context(), k)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "items purged:\t%d\n", stats.ItemsPurged)
			_, _ = fmt.Fprintf(w, "chunks deleted:\t%d\n", stats.ChunksDeleted)
			_, _ = fmt.Fprintf(w, "space freed:\t%s\n", bytesize.Format(stats.BytesFreed))
			_, _ = fmt.Fprintf(w, "chunks remaining:\t%d\n", stats.ChunksRemaining)
			return w.Flush()
		},
	}
}

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show repository statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			info, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "repository:\t%s\n", info.ID)
			_, _ = fmt.Fprintf(w, "generation:\t%d\n", info.Generation)
			_, _ = fmt.Fprintf(w, "items:\t%d\n", info.Items)
			_, _ = fmt.Fprintf(w, "removed items:\t%d\n", info.Removed)
			_, _ = fmt.Fprintf(w, "chunks:\t%d\n", info.Chunks)
			_, _ = fmt.Fprintf(w, "chunk bytes:\t%s\n", bytesize.Format(info.ChunkBytes))
			if v := info.Volume; v != nil {
				_, _ = fmt.Fprintf(w, "volume:\t%s free of %s\n", bytesize.Format(v.Available), bytesize.Format(v.Total))
			}
			return w.Flush()
		},
	}
}
