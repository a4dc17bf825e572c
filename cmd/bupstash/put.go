package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sogaiu/bupstash/internal/client"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/pkg/bytesize"
)

func (a *app) newPutCmd() *cobra.Command {
	var (
		noSendLog, noDefaultTags bool
		uploadRate               bytesize.Rate
		jobs                     int
	)

	cmd := &cobra.Command{
		Use:   "put PATH|- [TAG=VALUE...]",
		Short: "Store a file, directory or stdin as a new item",
		Long: `Store PATH as a new item. Directories are archived with an index so
single files can be fetched later; "-" reads standard input.

Unless --no-default-tags is given the item is tagged name=<base name of
PATH>. Further tags are given as TAG=VALUE arguments.

Examples:
  bupstash put ~/documents host=laptop
  pg_dump mydb | bupstash put - name=mydb.sql`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			tags, err := parseTags(args[1:])
			if err != nil {
				return err
			}
			if !noDefaultTags && path != "-" {
				if _, ok := tags["name"]; !ok {
					tags["name"] = filepath.Base(filepath.Clean(path))
				}
			}

			if cmd.Flags().Changed("upload-rate") {
				a.cfg.UploadRate = uploadRate
			}
			if cmd.Flags().Changed("jobs") {
				a.cfg.Concurrency = jobs
			}

			k, err := a.loadKey()
			if err != nil {
				return err
			}
			s, err := a.open(ctx, !noSendLog)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var res client.PutResult
			switch fi, statErr := os.Stat(path); {
			case path == "-":
				res, err = s.Put(ctx, client.ReaderSource(cmd.InOrStdin()), tags, k)
			case statErr != nil:
				return fmt.Errorf("stat %s: %w", path, statErr)
			case fi.IsDir():
				res, err = s.PutDir(ctx, path, tags, k)
			default:
				res, err = s.Put(ctx, client.FileSource(path), tags, k)
			}
			if err != nil {
				return err
			}

			log.Info().
				Str("id", res.ID.String()).
				Str("size", bytesize.Format(int64(res.Size))).
				Int("chunks", res.Chunks).
				Int("uploaded", res.Uploaded).
				Int("skipped", res.Skipped).
				Msg("put complete")
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.ID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noSendLog, "no-send-log", false, "upload every chunk without consulting the send log")
	cmd.Flags().BoolVar(&noDefaultTags, "no-default-tags", false, "do not add the name tag")
	cmd.Flags().Var(&uploadRate, "upload-rate", "limit upload bandwidth, e.g. 8mbps or 1MiB/s")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "parallel chunk uploads (default number of CPUs)")
	return cmd
}

// parseTags parses TAG=VALUE arguments.
func parseTags(args []string) (map[string]string, error) {
	tags := make(map[string]string, len(args)+1)
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("tag %q is not of the form TAG=VALUE: %w", arg, fault.ErrInvalid)
		}
		tags[name] = value
	}
	return tags, nil
}
