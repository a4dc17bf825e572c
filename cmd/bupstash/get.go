package main

import (
	"bufio"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/pkg/bytesize"
)

func (a *app) newGetCmd() *cobra.Command {
	var (
		pick           string
		offset, length uint64
	)

	cmd := &cobra.Command{
		Use:   "get ID|QUERY...",
		Short: "Write the contents of an item to stdout",
		Long: `Write the data of one item to standard output. The item is given by id
or by a query that must match exactly one item. Directory items are
written as a tar archive.

Examples:
  bupstash get id=5c1f* > backup.tar
  bupstash get --pick documents/taxes name=documents | tar -x
  bupstash get --offset 4096 --length 512 name=disk.img | xxd`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ranged := cmd.Flags().Changed("offset") || cmd.Flags().Changed("length")
			if ranged && pick != "" {
				return fmt.Errorf("--pick cannot be combined with --offset or --length: %w", fault.ErrInvalid)
			}
			if cmd.Flags().Changed("offset") && !cmd.Flags().Changed("length") {
				return fmt.Errorf("--offset needs --length: %w", fault.ErrInvalid)
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

			id, err := resolveOne(ctx, s, k, args)
			if err != nil {
				return err
			}
			w := bufio.NewWriterSize(cmd.OutOrStdout(), 1<<20)
			if ranged {
				err = s.GetRange(ctx, id, k, offset, length, w)
			} else {
				err = s.Get(ctx, id, k, pick, w)
			}
			if err != nil {
				return err
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&pick, "pick", "", "fetch only this path of a directory item")
	cmd.Flags().Uint64Var(&offset, "offset", 0, "first byte to fetch")
	cmd.Flags().Uint64Var(&length, "length", 0, "number of bytes to fetch")
	return cmd
}

func (a *app) newListContentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-contents ID|QUERY...",
		Short: "List the files of a directory item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := a.loadKey()
			if err != nil {
				return err
			}
			s, err := a.open(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			id, err := resolveOne(ctx, s, k, args)
			if err != nil {
				return err
			}
			entries, err := s.ListContents(ctx, id, k)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "MODE\tSIZE\tMODIFIED\tPATH")
			for _, e := range entries {
				name := e.Path
				switch {
				case e.IsDir():
					name += "/"
				case e.LinkTarget != "":
					name += " -> " + e.LinkTarget
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Mode, bytesize.Format(e.Size), e.ModTime.Local().Format("2006-01-02 15:04"), name)
			}
			return w.Flush()
		},
	}
}
