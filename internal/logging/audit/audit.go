// Package audit records security-relevant server events: who connected,
// who was turned away, and who removed, restored or collected items.
package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// Result values.
const (
	Allowed = "allowed"
	Denied  = "denied"
	Failed  = "failed"
)

// Peer identifies the remote end of a repository session.
type Peer struct {
	User   string
	Method string // "ssh" or "websocket"
	Key    string // ssh key fingerprint
	Addr   string
}

// Logger writes audit events. A nil Logger discards them.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

type loggerKey struct{}
type peerKey struct{}

// WithContext returns a copy of ctx carrying l.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Ctx returns the logger carried by ctx, or nil.
func Ctx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey{}).(*Logger)
	return l
}

// WithPeer returns a copy of ctx naming the session's peer.
func WithPeer(ctx context.Context, p Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// PeerFrom returns the peer carried by ctx.
func PeerFrom(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(Peer)
	return p, ok
}

func (l *Logger) event(level zerolog.Level, eventType string, p Peer) *zerolog.Event {
	e := l.logger.WithLevel(level).
		Str("event_type", eventType).
		Str("method", p.Method).
		Str("remote", p.Addr)
	if p.User != "" {
		e = e.Str("user", p.User)
	}
	if p.Key != "" {
		e = e.Str("key", p.Key)
	}
	return e
}

func levelOf(result string) zerolog.Level {
	if result == Allowed {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// LogAuth logs an authentication attempt.
func (l *Logger) LogAuth(p Peer, result, details string) {
	if l == nil {
		return
	}
	e := l.event(levelOf(result), "auth", p).Str("result", result)
	if details != "" {
		e = e.Str("details", details)
	}
	e.Msg("authentication")
}

// LogItems logs a remove or restore of items by the peer in ctx.
func (l *Logger) LogItems(ctx context.Context, op string, requested, affected int, err error) {
	if l == nil {
		return
	}
	p, _ := PeerFrom(ctx)
	result := Allowed
	if err != nil {
		result = Failed
	}
	e := l.event(levelOf(result), "items", p).
		Str("op", op).
		Int("requested", requested).
		Int("affected", affected).
		Str("result", result)
	if err != nil {
		e = e.Err(err)
	}
	e.Msg("items changed")
}

// LogGC logs a completed or failed collection run by the peer in ctx.
func (l *Logger) LogGC(ctx context.Context, itemsPurged, chunksDeleted int, bytesFreed int64, err error) {
	if l == nil {
		return
	}
	p, _ := PeerFrom(ctx)
	result := Allowed
	if err != nil {
		result = Failed
	}
	e := l.event(levelOf(result), "gc", p).
		Int("items_purged", itemsPurged).
		Int("chunks_deleted", chunksDeleted).
		Int64("bytes_freed", bytesFreed).
		Str("result", result)
	if err != nil {
		e = e.Err(err)
	}
	e.Msg("garbage collected")
}
