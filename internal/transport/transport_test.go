package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/ssh"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/logging/audit"
	"github.com/sogaiu/bupstash/internal/protocol"
	"github.com/sogaiu/bupstash/internal/repository"
	"github.com/sogaiu/bupstash/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func newServer(t *testing.T) (*repository.Repository, Handler) {
	t.Helper()
	r, err := repository.Create(t.TempDir(), repository.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, protocol.NewServer(r).ServeConn
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	priv, _ := testutil.GenerateSSHKeyPair(t)
	signer, err := ssh.ParsePrivateKey(priv)
	require.NoError(t, err)
	return signer
}

// startSSH runs an SSH server admitting client and returns its address.
func startSSH(t *testing.T, hostKey ssh.Signer, client ssh.PublicKey, handler Handler) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := NewSSHServer(hostKey, []ssh.PublicKey{client}, handler)
	go func() { done <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return l.Addr().String()
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Location
		err  bool
	}{
		{in: "/srv/backups", want: Location{Kind: KindLocal, Path: "/srv/backups"}},
		{in: "file:///srv/backups", want: Location{Kind: KindLocal, Path: "/srv/backups"}},
		{in: "ssh://alice@host.example:2222", want: Location{Kind: KindSSH, User: "alice", Addr: "host.example:2222"}},
		{in: "ssh://host.example", want: Location{Kind: KindSSH, User: DefaultSSHUser, Addr: "host.example:22"}},
		{in: "ws://host:8080", want: Location{Kind: KindWebsocket, URL: "ws://host:8080/repo"}},
		{in: "wss://host/custom", want: Location{Kind: KindWebsocket, URL: "wss://host/custom"}},
		{in: "", err: true},
		{in: "ssh://", err: true},
		{in: "ftp://host", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, fault.ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSSH_Session(t *testing.T) {
	ctx := context.Background()
	repo, handler := newServer(t)
	hostKey, clientKey := newSigner(t), newSigner(t)
	addr := startSSH(t, hostKey, clientKey.PublicKey(), handler)

	conn, err := DialSSH(ctx, addr, SSHClientConfig{Signer: clientKey, HostKey: hostKey.PublicKey()})
	require.NoError(t, err)
	c, err := protocol.Dial(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, repo.ID(), c.ID())

	gen, err := c.BeginSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	require.NoError(t, c.Close())
}

func TestSSH_RejectsUnknownKey(t *testing.T) {
	_, handler := newServer(t)
	hostKey := newSigner(t)
	addr := startSSH(t, hostKey, newSigner(t).PublicKey(), handler)

	_, err := DialSSH(context.Background(), addr, SSHClientConfig{Signer: newSigner(t)})
	assert.ErrorIs(t, err, fault.ErrAuthentication)
}

func TestSSH_HostKeyMismatch(t *testing.T) {
	_, handler := newServer(t)
	clientKey := newSigner(t)
	addr := startSSH(t, newSigner(t), clientKey.PublicKey(), handler)

	_, err := DialSSH(context.Background(), addr, SSHClientConfig{
		Signer:  clientKey,
		HostKey: newSigner(t).PublicKey(),
	})
	assert.ErrorIs(t, err, fault.ErrAuthentication)
}

func TestSSH_RequiresIdentity(t *testing.T) {
	_, err := DialSSH(context.Background(), "127.0.0.1:1", SSHClientConfig{})
	assert.ErrorIs(t, err, fault.ErrInvalid)
}

func startWebsocket(t *testing.T, token string, handler Handler) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(WebsocketPath, WebsocketHandler(token, handler))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + WebsocketPath
}

func TestWebsocket_Session(t *testing.T) {
	ctx := context.Background()
	repo, handler := newServer(t)
	url := startWebsocket(t, "s3cret", handler)

	conn, err := DialWebsocket(ctx, url, "s3cret")
	require.NoError(t, err)
	c, err := protocol.Dial(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, repo.ID(), c.ID())

	// Larger than one websocket buffer so reads span messages.
	data := testutil.RandomBytes(300*1024, 1)
	info, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Generation)
	require.NoError(t, c.PutChunk(ctx, [32]byte{1}, data))
	got, err := c.GetChunk(ctx, [32]byte{1})
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.NoError(t, c.Close())
}

func TestWebsocket_BadToken(t *testing.T) {
	_, handler := newServer(t)
	url := startWebsocket(t, "s3cret", handler)

	_, err := DialWebsocket(context.Background(), url, "wrong")
	assert.ErrorIs(t, err, fault.ErrAuthentication)
}

func TestWebsocket_EmptyTokenRefusesAll(t *testing.T) {
	_, handler := newServer(t)
	url := startWebsocket(t, "", handler)

	_, err := DialWebsocket(context.Background(), url, "")
	assert.ErrorIs(t, err, fault.ErrAuthentication)
}

func TestWebsocketStream_ReadAcrossWrites(t *testing.T) {
	done := make(chan struct{})
	url := startWebsocket(t, "tok", func(_ context.Context, conn io.ReadWriteCloser) error {
		defer close(done)
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 10)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}
		_, err := conn.Write(buf)
		return err
	})

	conn, err := DialWebsocket(context.Background(), url, "tok")
	require.NoError(t, err)
	for _, part := range []string{"abc", "defg", "hij"} {
		_, err := conn.Write([]byte(part))
		require.NoError(t, err)
	}
	echo := make([]byte, 10)
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(echo))

	<-done
	n, err := conn.Read(echo)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, conn.Close())
}

func TestDial_GivesUpAfterRetries(t *testing.T) {
	port := testutil.FreePort(t)
	loc, err := ParseLocation("ssh://bupstash@127.0.0.1:" + strconv.Itoa(port))
	require.NoError(t, err)

	_, err = Dial(context.Background(), loc, DialOptions{Signer: newSigner(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrIO)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")

	_, err = Dial(context.Background(), Location{Kind: KindLocal, Path: "/tmp"}, DialOptions{})
	assert.ErrorIs(t, err, fault.ErrInvalid)
}

func TestKeyFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "id_ed25519")

	first, err := EnsureKeyPair(path)
	require.NoError(t, err)
	second, err := EnsureKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())

	pub, err := LoadPublicKey(path + ".pub")
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey().Marshal(), pub.Marshal())

	other := newSigner(t)
	authorized := "# backup hosts\n\n" +
		string(ssh.MarshalAuthorizedKey(first.PublicKey())) +
		"not a key\n" +
		string(ssh.MarshalAuthorizedKey(other.PublicKey()))
	authPath := testutil.TempFile(t, dir, "authorized_keys", authorized)
	keys, err := LoadAuthorizedKeys(authPath)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, other.PublicKey().Marshal(), keys[1].Marshal())

	_, err = LoadAuthorizedKeys(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWebsocket_AuditsLogins(t *testing.T) {
	var out lockedBuffer
	ctx := audit.NewLogger(zerolog.New(&out)).WithContext(context.Background())

	peers := make(chan audit.Peer, 1)
	handler := func(ctx context.Context, conn io.ReadWriteCloser) error {
		p, _ := audit.PeerFrom(ctx)
		peers <- p
		return conn.Close()
	}
	srv := httptest.NewUnstartedServer(WebsocketHandler("s3cret", handler))
	srv.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	srv.Start()
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + WebsocketPath

	_, err := DialWebsocket(context.Background(), url, "wrong")
	require.ErrorIs(t, err, fault.ErrAuthentication)

	conn, err := DialWebsocket(context.Background(), url, "s3cret")
	require.NoError(t, err)
	p := <-peers
	assert.Equal(t, "websocket", p.Method)
	assert.NotEmpty(t, p.Addr)
	_ = conn.Close()

	logged := out.String()
	assert.Contains(t, logged, `"result":"denied"`)
	assert.Contains(t, logged, `"details":"bad token"`)
	assert.Contains(t, logged, `"result":"allowed"`)
}
