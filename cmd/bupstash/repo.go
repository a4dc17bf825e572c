package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/sogaiu/bupstash/internal/client"
	"github.com/sogaiu/bupstash/internal/config"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/keys"
	"github.com/sogaiu/bupstash/internal/protocol"
	"github.com/sogaiu/bupstash/internal/querycache"
	"github.com/sogaiu/bupstash/internal/repository"
	"github.com/sogaiu/bupstash/internal/sendlog"
	"github.com/sogaiu/bupstash/internal/store"
	"github.com/sogaiu/bupstash/internal/transport"
)

// session is an open repository plus the client state around it.
type session struct {
	*client.Client
	closers []func() error
}

func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// repositoryOptions builds the options of a repository served from this
// host.
func repositoryOptions(ctx context.Context, sc *config.ServerConfig) (repository.Options, error) {
	opts := repository.Options{GracePeriod: sc.GracePeriod, Parity: sc.StoreParity()}
	if sc.GCS != nil {
		st, err := store.NewGCSStore(ctx, store.GCSOptions{Bucket: sc.GCS.Bucket, Prefix: sc.GCS.Prefix, Parity: sc.StoreParity()})
		if err != nil {
			return opts, fmt.Errorf("open gcs store: %w", err)
		}
		opts.Store = st
	}
	return opts, nil
}

// openRepo connects to the configured repository. Local paths are opened
// in process; ssh and websocket locations speak the wire protocol.
func (a *app) openRepo(ctx context.Context) (client.Repo, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	if loc.Kind == transport.KindLocal {
		opts, err := repositoryOptions(ctx, &a.cfg.Server)
		if err != nil {
			return nil, err
		}
		repo, err := repository.Open(loc.Path, opts)
		if err != nil {
			if opts.Store != nil {
				_ = opts.Store.Close()
			}
			return nil, err
		}
		return repo, nil
	}

	dial := transport.DialOptions{Token: a.cfg.Token}
	if loc.Kind == transport.KindSSH {
		if dial.Signer, err = transport.EnsureKeyPair(a.cfg.SSH.Identity); err != nil {
			return nil, err
		}
		if a.cfg.SSH.HostKey != "" {
			if dial.HostKey, err = transport.LoadPublicKey(a.cfg.SSH.HostKey); err != nil {
				return nil, err
			}
		} else {
			log.Warn().Str("location", loc.String()).Msg("no ssh host key configured, server identity is not verified")
		}
	}
	conn, err := transport.Dial(ctx, loc, dial)
	if err != nil {
		return nil, err
	}
	pc, err := protocol.Dial(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug().Str("location", loc.String()).Str("repository", pc.ID().String()).Msg("connected")
	return pc, nil
}

type repoCloser interface {
	Close() error
}

// open returns a client for the configured repository. useSendLog is off
// for commands that never upload.
func (a *app) open(ctx context.Context, useSendLog bool) (*session, error) {
	repo, err := a.openRepo(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{}
	if c, ok := repo.(repoCloser); ok {
		s.closers = append(s.closers, c.Close)
	}

	opts := client.Options{
		Chunking:    a.cfg.ChunkerParams(),
		Concurrency: a.cfg.Concurrency,
		UploadRate:  a.cfg.UploadRate.BytesPerSecond(),
		CacheDir:    a.cfg.CacheDir,
	}
	if useSendLog && a.cfg.SendLog != "" {
		sl, err := sendlog.Open(a.cfg.SendLog)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, sl.Close)
		opts.SendLog = sl
	}

	s.Client, err = client.New(repo, opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.closers = append(s.closers, s.Client.Close)
	return s, nil
}

func (a *app) loadKey() (keys.Key, error) {
	if a.cfg.Key == "" {
		return nil, fmt.Errorf("no key configured (use --key or %s): %w", config.EnvKey, fault.ErrInvalid)
	}
	return keys.Load(a.cfg.Key)
}

// optionalKey loads the configured key, if any.
func (a *app) optionalKey() (keys.Key, error) {
	if a.cfg.Key == "" {
		return nil, nil
	}
	return keys.Load(a.cfg.Key)
}

// resolve turns command arguments into item ids. Arguments that all parse
// as ids are taken as is; anything else is a query.
func resolve(ctx context.Context, s *session, k keys.Key, args []string) ([]uuid.UUID, error) {
	if ids, ok := parseIDs(args); ok {
		return ids, nil
	}
	q, err := querycache.Parse(strings.Join(args, " "))
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, q, k)
}

func parseIDs(args []string) ([]uuid.UUID, bool) {
	if len(args) == 0 {
		return nil, false
	}
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// resolveOne resolves args to exactly one item.
func resolveOne(ctx context.Context, s *session, k keys.Key, args []string) (uuid.UUID, error) {
	ids, err := resolve(ctx, s, k, args)
	if err != nil {
		return uuid.Nil, err
	}
	switch len(ids) {
	case 0:
		return uuid.Nil, fmt.Errorf("no item matches %q: %w", strings.Join(args, " "), fault.ErrNotFound)
	case 1:
		return ids[0], nil
	default:
		return uuid.Nil, fmt.Errorf("%d items match %q, expected one: %w", len(ids), strings.Join(args, " "), fault.ErrInvalid)
	}
}

// hostKeyFingerprint is printed by serve so clients can pin the key.
func hostKeyFingerprint(s ssh.Signer) string {
	return ssh.FingerprintSHA256(s.PublicKey())
}
