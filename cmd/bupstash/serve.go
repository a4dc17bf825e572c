package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sogaiu/bupstash/internal/admin"
	"github.com/sogaiu/bupstash/internal/config"
	"github.com/sogaiu/bupstash/internal/logging/audit"
	"github.com/sogaiu/bupstash/internal/logging/loki"
	"github.com/sogaiu/bupstash/internal/metrics"
	"github.com/sogaiu/bupstash/internal/protocol"
	"github.com/sogaiu/bupstash/internal/repository"
	"github.com/sogaiu/bupstash/internal/tracing"
	"github.com/sogaiu/bupstash/internal/transport"
)

const collectInterval = 5 * time.Minute

func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve a repository to remote clients",
		Long: `Serve the repository at server.repository over SSH and/or websockets.

SSH clients authenticate with keys listed in server.authorized_keys; the
host key at server.host_key is generated on first start. Websocket
clients present server.ws_token as a bearer token. With
server.metrics_listen set, Prometheus metrics, health and statistics are
served there.

Authentication attempts and requests that change items are written to
the audit log, and appended to server.audit_log when it is set. With
server.loki set, the log is also shipped to Grafana Loki.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	sc := &a.cfg.Server
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}
	if sc.Loki != nil {
		stop := shipLogs(sc.Loki)
		defer stop()
	}

	opts, err := repositoryOptions(ctx, sc)
	if err != nil {
		return err
	}
	repo, err := repository.Open(sc.Repository, opts)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	auditLog, closeAudit, err := openAuditLog(sc.AuditLog)
	if err != nil {
		return err
	}
	defer closeAudit()
	ctx = auditLog.WithContext(ctx)

	srv := protocol.NewServer(repo)
	handler := func(ctx context.Context, conn io.ReadWriteCloser) error {
		return srv.ServeConn(ctx, conn)
	}

	// Every listener is opened before anything is served.
	var (
		runners   []func(ctx context.Context) error
		listeners []net.Listener
	)
	listen := func(what, addr string) (net.Listener, error) {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", what, err)
		}
		listeners = append(listeners, l)
		return l, nil
	}
	fail := func(err error) error {
		for _, l := range listeners {
			_ = l.Close()
		}
		return err
	}

	if sc.SSHListen != "" {
		hostKey, err := transport.EnsureKeyPair(sc.HostKey)
		if err != nil {
			return fail(err)
		}
		authorized, err := transport.LoadAuthorizedKeys(sc.AuthorizedKeys)
		if err != nil {
			return fail(err)
		}
		l, err := listen("ssh", sc.SSHListen)
		if err != nil {
			return fail(err)
		}
		log.Info().
			Str("addr", l.Addr().String()).
			Str("host_key", hostKeyFingerprint(hostKey)).
			Int("authorized_keys", len(authorized)).
			Msg("serving ssh")
		sshSrv := transport.NewSSHServer(hostKey, authorized, handler)
		runners = append(runners, func(ctx context.Context) error { return sshSrv.Serve(ctx, l) })
	}

	if sc.WSListen != "" {
		l, err := listen("websocket", sc.WSListen)
		if err != nil {
			return fail(err)
		}
		mux := http.NewServeMux()
		mux.Handle(transport.WebsocketPath, transport.WebsocketHandler(sc.WSToken, handler))
		log.Info().Str("addr", l.Addr().String()).Str("path", transport.WebsocketPath).Msg("serving websocket")
		runners = append(runners, func(ctx context.Context) error { return admin.Serve(ctx, l, mux) })
	}

	if sc.MetricsListen != "" {
		l, err := listen("metrics", sc.MetricsListen)
		if err != nil {
			return fail(err)
		}
		var rec *tracing.Recorder
		if sc.TraceBuffer > 0 {
			if rec, err = tracing.Start(int64(sc.TraceBuffer)); err != nil {
				return fail(fmt.Errorf("start trace recorder: %w", err))
			}
			defer rec.Stop()
		}
		log.Info().Str("addr", l.Addr().String()).Bool("trace", rec.Enabled()).Msg("serving metrics")
		adm := admin.NewServer(repo.Stats, rec)
		collector := metrics.NewCollector(metrics.Get(), metrics.StatsSourceFunc(func(ctx context.Context) (metrics.RepositoryStats, error) {
			return repositoryStats(ctx, repo)
		}))
		runners = append(runners,
			func(ctx context.Context) error { return adm.Serve(ctx, l) },
			func(ctx context.Context) error {
				collector.Run(ctx, collectInterval)
				return nil
			})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(gctx) })
	}

	log.Info().Str("repository", sc.Repository).Str("id", repo.ID().String()).Msg("server started")
	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}

func repositoryStats(ctx context.Context, repo *repository.Repository) (metrics.RepositoryStats, error) {
	info, err := repo.Stats(ctx)
	if err != nil {
		return metrics.RepositoryStats{}, err
	}
	stats := metrics.RepositoryStats{
		Items:           info.Items,
		RemovedItems:    info.Removed,
		Chunks:          info.Chunks,
		ChunkBytes:      info.ChunkBytes,
		VolumeAvailable: -1,
	}
	if info.Volume != nil {
		stats.VolumeAvailable = info.Volume.Available
	}
	return stats, nil
}

// shipLogs tees log.Logger to Loki until the returned stop is called.
func shipLogs(lc *config.LokiConfig) (stop func()) {
	labels := map[string]string{"version": Version}
	maps.Copy(labels, lc.Labels)
	w := loki.NewWriter(loki.Config{
		URL:           lc.URL,
		Labels:        labels,
		BatchSize:     lc.BatchSize,
		FlushInterval: lc.FlushInterval,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	prevLogger, prevOutput := log.Logger, logOutput
	logOutput = zerolog.MultiLevelWriter(logOutput, w)
	log.Logger = log.Output(logOutput)
	log.Info().Str("url", lc.URL).Msg("loki log shipping enabled")

	return func() {
		log.Logger, logOutput = prevLogger, prevOutput
		cancel()
		<-done
		if n := w.Dropped(); n > 0 {
			log.Warn().Uint64("dropped", n).Uint64("flush_errors", w.FlushErrors()).Msg("loki dropped log entries")
		}
	}
}

// openAuditLog returns the audit logger for served sessions. Events go
// to the main log and, when path is set, are appended to path as JSON.
func openAuditLog(path string) (*audit.Logger, func(), error) {
	writers := []io.Writer{logOutput}
	closeFn := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		writers = append(writers, f)
		closeFn = func() { _ = f.Close() }
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("component", "audit").
		Logger()
	return audit.NewLogger(logger), closeFn, nil
}
