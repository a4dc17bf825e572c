package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/keys"
	"github.com/sogaiu/bupstash/internal/repository"
)

func (a *app) newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [PATH]",
		Short: "Create a new repository",
		Long: `Create an empty repository at PATH, or at the configured repository
path when PATH is omitted. Repositories are created on the machine that
will serve them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Server.Repository
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no repository path given: %w", fault.ErrInvalid)
			}
			opts, err := repositoryOptions(cmd.Context(), &a.cfg.Server)
			if err != nil {
				return err
			}
			repo, err := repository.Create(path, opts)
			if err != nil {
				return err
			}
			log.Info().Str("path", path).Str("id", repo.ID().String()).Msg("repository created")
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), repo.ID())
			return repo.Close()
		},
	}
}

func (a *app) newKeyCmds() []*cobra.Command {
	newKey := &cobra.Command{
		Use:   "new-key PATH",
		Short: "Generate a new master key",
		Long: `Generate a master key at PATH. The master key can put, list, get and
remove items. Keep it offline and hand out derived keys instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := keys.NewMasterKey()
			if err != nil {
				return err
			}
			return writeKey(cmd, args[0], m)
		},
	}

	derived := func(use, short, long string, role keys.Role) *cobra.Command {
		return &cobra.Command{
			Use:   use + " PATH",
			Short: short,
			Long:  long,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				k, err := a.loadKey()
				if err != nil {
					return err
				}
				m, ok := k.(*keys.MasterKey)
				if !ok {
					return fmt.Errorf("%s needs a master key, %s is a %s key: %w", use, a.cfg.Key, k.Role(), fault.ErrInvalid)
				}
				d, err := keys.Derive(m, role)
				if err != nil {
					return err
				}
				return writeKey(cmd, args[0], d)
			},
		}
	}

	return []*cobra.Command{
		newKey,
		derived("new-put-key", "Derive a put-only key from the master key",
			`Derive a key that can add items but cannot read data or metadata back.
Use it on hosts that only send backups.`, keys.RolePut),
		derived("new-metadata-key", "Derive a list-only key from the master key",
			`Derive a key that can list and search items but cannot read their
data.`, keys.RoleMetadata),
	}
}

func writeKey(cmd *cobra.Command, path string, k keys.Key) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists: %w", path, fault.ErrConflict)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := keys.Save(path, k); err != nil {
		return err
	}
	log.Info().Str("path", path).Str("role", k.Role().String()).Str("primary_key", k.PrimaryKeyID().String()).Msg("key written")
	return nil
}
