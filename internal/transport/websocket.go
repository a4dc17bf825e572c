package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/logging/audit"
)

// WebsocketPath is where the repository endpoint is mounted.
const WebsocketPath = "/repo"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients are programs, not browsers
	},
}

// WebsocketHandler upgrades requests carrying the bearer token and runs
// handler on the resulting stream. Requests are refused when token is empty.
func WebsocketHandler(token string, handler Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		peer := audit.Peer{Method: "websocket", Addr: r.RemoteAddr}
		if token == "" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			log.Warn().Str("remote", r.RemoteAddr).Msg("rejected websocket client with bad token")
			audit.Ctx(r.Context()).LogAuth(peer, audit.Denied, "bad token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		log.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")
		audit.Ctx(r.Context()).LogAuth(peer, audit.Allowed, "")
		if err := handler(audit.WithPeer(r.Context(), peer), newWebsocketStream(conn)); err != nil {
			log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket session ended")
		}
	})
}

// DialWebsocket connects to a repository endpoint.
func DialWebsocket(ctx context.Context, url, token string) (io.ReadWriteCloser, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket dial %s: %w", url, fault.ErrAuthentication)
		}
		return nil, fmt.Errorf("websocket dial %s: %v: %w", url, err, fault.ErrIO)
	}
	log.Debug().Str("url", url).Msg("websocket connected")
	return newWebsocketStream(conn), nil
}

// websocketStream presents a websocket as a byte stream. Each Write is sent
// as one binary message; Read drains messages in order.
type websocketStream struct {
	conn   *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
	closed atomic.Bool
}

func newWebsocketStream(conn *websocket.Conn) *websocketStream {
	return &websocketStream{conn: conn}
}

func (s *websocketStream) Read(p []byte) (int, error) {
	for {
		if s.closed.Load() {
			return 0, io.EOF
		}
		if s.reader == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					errors.Is(err, io.ErrUnexpectedEOF) || s.closed.Load() {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *websocketStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("write message: %w", err)
	}
	return len(p), nil
}

func (s *websocketStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second),
	)
	return s.conn.Close()
}
