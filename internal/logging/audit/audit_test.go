package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(zerolog.New(&buf)), &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogAuth(t *testing.T) {
	l, buf := newTestLogger()
	p := Peer{User: "backup", Method: "ssh", Key: "SHA256:abc", Addr: "10.0.0.2:51000"}

	l.LogAuth(p, Allowed, "")
	l.LogAuth(Peer{Method: "websocket", Addr: "10.0.0.3:40000"}, Denied, "bad token")

	events := lines(t, buf)
	require.Len(t, events, 2)

	assert.Equal(t, "info", events[0]["level"])
	assert.Equal(t, "auth", events[0]["event_type"])
	assert.Equal(t, "backup", events[0]["user"])
	assert.Equal(t, "SHA256:abc", events[0]["key"])
	assert.Equal(t, "allowed", events[0]["result"])
	assert.NotContains(t, events[0], "details")

	assert.Equal(t, "warn", events[1]["level"])
	assert.Equal(t, "denied", events[1]["result"])
	assert.Equal(t, "bad token", events[1]["details"])
	assert.NotContains(t, events[1], "user")
}

func TestLogItems_UsesPeerFromContext(t *testing.T) {
	l, buf := newTestLogger()
	ctx := WithPeer(context.Background(), Peer{User: "ops", Method: "ssh", Addr: "10.0.0.9:22"})

	l.LogItems(ctx, "remove", 3, 3, nil)
	l.LogItems(ctx, "restore_removed", 1, 0, errors.New("not found"))

	events := lines(t, buf)
	require.Len(t, events, 2)
	assert.Equal(t, "remove", events[0]["op"])
	assert.Equal(t, float64(3), events[0]["affected"])
	assert.Equal(t, "ops", events[0]["user"])
	assert.Equal(t, "failed", events[1]["result"])
	assert.Equal(t, "not found", events[1]["error"])
}

func TestLogGC(t *testing.T) {
	l, buf := newTestLogger()
	l.LogGC(context.Background(), 2, 40, 1<<20, nil)

	events := lines(t, buf)
	require.Len(t, events, 1)
	assert.Equal(t, "gc", events[0]["event_type"])
	assert.Equal(t, float64(40), events[0]["chunks_deleted"])
	assert.Equal(t, float64(1<<20), events[0]["bytes_freed"])
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, Ctx(ctx))
	_, ok := PeerFrom(ctx)
	assert.False(t, ok)

	l, _ := newTestLogger()
	ctx = l.WithContext(ctx)
	assert.Same(t, l, Ctx(ctx))

	ctx = WithPeer(ctx, Peer{User: "u"})
	p, ok := PeerFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u", p.User)
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.LogAuth(Peer{}, Denied, "x")
	l.LogItems(context.Background(), "remove", 1, 1, nil)
	l.LogGC(context.Background(), 0, 0, 0, nil)
}
