// Package transport carries the repository protocol over authenticated
// byte streams: SSH channels and websockets. Neither adds encryption of
// its own beyond what SSH and TLS already provide.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sogaiu/bupstash/internal/fault"
)

// Dial retry policy.
const (
	DialAttempts = 3
	DialBackoff  = 250 * time.Millisecond
)

// Handler serves one session on an authenticated stream. It owns conn and
// must close it before returning.
type Handler func(ctx context.Context, conn io.ReadWriteCloser) error

// Kind is the kind of repository location.
type Kind int

// Location kinds.
const (
	KindLocal Kind = iota
	KindSSH
	KindWebsocket
)

func (k Kind) String() string {
	switch k {
	case KindSSH:
		return "ssh"
	case KindWebsocket:
		return "websocket"
	default:
		return "local"
	}
}

// Location says where a repository lives.
type Location struct {
	Kind Kind
	// Path is the directory of a local repository.
	Path string
	// User and Addr (host:port) of an SSH server.
	User string
	Addr string
	// URL of a websocket endpoint.
	URL string
}

func (l Location) String() string {
	switch l.Kind {
	case KindSSH:
		return "ssh://" + l.User + "@" + l.Addr
	case KindWebsocket:
		return l.URL
	default:
		return l.Path
	}
}

// ParseLocation accepts a directory path, ssh://[user@]host[:port] or a
// ws:// or wss:// URL.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, fmt.Errorf("empty repository location: %w", fault.ErrInvalid)
	}
	if !strings.Contains(s, "://") {
		return Location{Kind: KindLocal, Path: s}, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return Location{}, fmt.Errorf("parse repository location: %v: %w", err, fault.ErrInvalid)
	}
	switch u.Scheme {
	case "ssh":
		if u.Hostname() == "" {
			return Location{}, fmt.Errorf("ssh location %q has no host: %w", s, fault.ErrInvalid)
		}
		port := u.Port()
		if port == "" {
			port = "22"
		}
		user := u.User.Username()
		if user == "" {
			user = DefaultSSHUser
		}
		return Location{Kind: KindSSH, User: user, Addr: net.JoinHostPort(u.Hostname(), port)}, nil
	case "ws", "wss":
		if u.Path == "" {
			u.Path = WebsocketPath
		}
		return Location{Kind: KindWebsocket, URL: u.String()}, nil
	case "file":
		return Location{Kind: KindLocal, Path: u.Path}, nil
	default:
		return Location{}, fmt.Errorf("unsupported scheme %q: %w", u.Scheme, fault.ErrInvalid)
	}
}

// DialOptions holds the credentials for a remote location.
type DialOptions struct {
	// Signer authenticates SSH connections.
	Signer ssh.Signer
	// HostKey pins the SSH server key. Nil accepts any host key.
	HostKey ssh.PublicKey
	// Token is the bearer token of a websocket endpoint.
	Token string
}

// Dial connects to a remote location, retrying transient failures.
func Dial(ctx context.Context, loc Location, opts DialOptions) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser
	err := fault.Retry(ctx, "dial "+loc.String(), DialAttempts, DialBackoff, func() error {
		var err error
		switch loc.Kind {
		case KindSSH:
			conn, err = DialSSH(ctx, loc.Addr, SSHClientConfig{User: loc.User, Signer: opts.Signer, HostKey: opts.HostKey})
		case KindWebsocket:
			conn, err = DialWebsocket(ctx, loc.URL, opts.Token)
		default:
			err = fmt.Errorf("%s is not a remote location: %w", loc, fault.ErrInvalid)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
