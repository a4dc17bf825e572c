// Package admin serves the operator endpoints of a bupstash server:
// health, Prometheus metrics, repository statistics and trace snapshots.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sogaiu/bupstash/internal/metrics"
	"github.com/sogaiu/bupstash/internal/repository"
	"github.com/sogaiu/bupstash/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

// StatsFunc describes the served repository.
type StatsFunc func(ctx context.Context) (repository.Info, error)

// Server is the admin HTTP interface.
type Server struct {
	mux   *http.ServeMux
	stats StatsFunc
	trace *tracing.Recorder
}

// NewServer creates an admin server. stats and trace may be nil.
func NewServer(stats StatsFunc, trace *tracing.Recorder) *Server {
	s := &Server{mux: http.NewServeMux(), stats: stats, trace: trace}
	s.mux.HandleFunc("GET /health", healthHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /stats", s.statsHandler)
	s.mux.HandleFunc("GET /debug/trace", s.traceHandler)
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve serves the admin routes on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	return Serve(ctx, l, s.mux)
}

// Serve runs an HTTP server for h on l and shuts it down gracefully when
// ctx is done.
func Serve(ctx context.Context, l net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()

	select {
	case err := <-errc:
		return fmt.Errorf("serve %s: %w", l.Addr(), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("addr", l.Addr().String()).Msg("http shutdown")
		_ = srv.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type statsResponse struct {
	ID              string `json:"id"`
	Generation      uint64 `json:"generation"`
	Items           int    `json:"items"`
	RemovedItems    int    `json:"removed_items"`
	Chunks          int64  `json:"chunks"`
	ChunkBytes      int64  `json:"chunk_bytes"`
	VolumeTotal     int64  `json:"volume_total_bytes,omitempty"`
	VolumeAvailable int64  `json:"volume_available_bytes,omitempty"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "no repository", http.StatusServiceUnavailable)
		return
	}
	info, err := s.stats(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("admin stats")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := statsResponse{
		ID:           info.ID.String(),
		Generation:   info.Generation,
		Items:        info.Items,
		RemovedItems: info.Removed,
		Chunks:       info.Chunks,
		ChunkBytes:   info.ChunkBytes,
	}
	if v := info.Volume; v != nil {
		resp.VolumeTotal, resp.VolumeAvailable = v.Total, v.Available
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// traceHandler returns a runtime trace snapshot for `go tool trace`.
func (s *Server) traceHandler(w http.ResponseWriter, r *http.Request) {
	if !s.trace.Enabled() {
		http.Error(w, "tracing not enabled (set server.trace_buffer)", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")

	if err := s.trace.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
