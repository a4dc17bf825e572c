package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/querycache"
	"github.com/sogaiu/bupstash/pkg/bytesize"
)

func (a *app) newListCmd() *cobra.Command {
	var idsOnly bool

	cmd := &cobra.Command{
		Use:   "list [QUERY...]",
		Short: "List items matching a query",
		Long: `List the items of the configured key, oldest first. Without a query
every item is listed.

Queries compare tags with glob patterns and combine them with and, or,
not and parentheses. The pseudo-tags id and timestamp match the item id
and its UTC time as YYYY/MM/DD HH:MM:SS.

Examples:
  bupstash list name=*.tar host=laptop
  bupstash list 'timestamp=2024/06/* and not name=scratch'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q, err := querycache.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			k, err := a.loadKey()
			if err != nil {
				return err
			}
			s, err := a.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			out := cmd.OutOrStdout()
			if idsOnly {
				for sum, err := range s.List(ctx, q, k) {
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(out, sum.ID)
				}
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTIMESTAMP\tSIZE\tTAGS")
			for sum, err := range s.List(ctx, q, k) {
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					sum.ID, sum.Timestamp.UTC().Format("2006/01/02 15:04:05"), bytesize.Format(int64(sum.Size)), formatTags(sum))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&idsOnly, "ids", false, "print only item ids")
	return cmd
}

func formatTags(s item.Summary) string {
	names := slices.Sorted(maps.Keys(s.Tags))
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+s.Tags[name])
	}
	return strings.Join(parts, " ")
}

func (a *app) newRemoveCmd() *cobra.Command {
	var allowMany bool

	cmd := &cobra.Command{
		Use:     "rm ID...|QUERY...",
		Aliases: []string{"remove"},
		Short:   "Remove items",
		Long: `Remove items by id or query. Removed items can be brought back with
restore-removed until the grace period has passed and gc has run.

A query matching more than one item is refused unless --allow-many is
given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ids, ok := parseIDs(args)
			if !ok {
				k, err := a.loadKey()
				if err != nil {
					return err
				}
				if ids, err = resolve(ctx, s, k, args); err != nil {
					return err
				}
				if len(ids) > 1 && !allowMany {
					return fmt.Errorf("query matches %d items, use --allow-many to remove them all: %w", len(ids), fault.ErrInvalid)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no item matches %q: %w", strings.Join(args, " "), fault.ErrNotFound)
			}
			n, err := s.Remove(ctx, ids)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) removed\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowMany, "allow-many", false, "allow a query to remove more than one item")
	return cmd
}

func (a *app) newRestoreRemovedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-removed [ID...]",
		Short: "Bring back removed items",
		Long: `Restore removed items that gc has not yet purged. Without ids every
removed item is restored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid item id %q: %w", arg, fault.ErrInvalid)
				}
				ids = append(ids, id)
			}

			s, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			n, err := s.RestoreRemoved(cmd.Context(), ids)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) restored\n", n)
			return nil
		},
	}
}
