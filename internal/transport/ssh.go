package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/logging/audit"
)

const (
	// ChannelType is the SSH channel type carrying a repository session.
	ChannelType = "bupstash-repo"
	// DefaultSSHUser is used when a location names no user.
	DefaultSSHUser = "bupstash"

	sshHandshakeTimeout = 30 * time.Second
)

// SSHServer accepts public-key authenticated SSH connections and runs a
// Handler for every repository channel opened on them.
type SSHServer struct {
	config  *ssh.ServerConfig
	handler Handler
	audit   *audit.Logger
	wg      sync.WaitGroup
}

// NewSSHServer creates a server presenting hostKey and admitting the
// holders of the authorized keys.
func NewSSHServer(hostKey ssh.Signer, authorized []ssh.PublicKey, handler Handler) *SSHServer {
	allowed := make(map[string]struct{}, len(authorized))
	for _, k := range authorized {
		allowed[string(k.Marshal())] = struct{}{}
	}

	s := &SSHServer{handler: handler}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if _, ok := allowed[string(key.Marshal())]; ok {
				return &ssh.Permissions{
					Extensions: map[string]string{"fingerprint": ssh.FingerprintSHA256(key)},
				}, nil
			}
			log.Warn().
				Str("user", conn.User()).
				Str("remote", conn.RemoteAddr().String()).
				Str("key", ssh.FingerprintSHA256(key)).
				Msg("rejected unknown ssh key")
			s.audit.LogAuth(audit.Peer{
				User:   conn.User(),
				Method: "ssh",
				Key:    ssh.FingerprintSHA256(key),
				Addr:   conn.RemoteAddr().String(),
			}, audit.Denied, "unknown public key")
			return nil, fmt.Errorf("unknown public key for %q", conn.User())
		},
	}
	s.config.AddHostKey(hostKey)
	return s
}

// Serve accepts connections from l until ctx is done. It returns after
// every session has ended. Authentication is audited to the logger in ctx.
func (s *SSHServer) Serve(ctx context.Context, l net.Listener) error {
	s.audit = audit.Ctx(ctx)
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *SSHServer) handleConn(ctx context.Context, netConn net.Conn) {
	_ = netConn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		log.Debug().Err(err).Str("remote", netConn.RemoteAddr().String()).Msg("ssh handshake failed")
		_ = netConn.Close()
		return
	}
	_ = netConn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = sshConn.Close() })
	defer stop()
	defer func() { _ = sshConn.Close() }()

	go ssh.DiscardRequests(reqs)

	peer := audit.Peer{
		User:   sshConn.User(),
		Method: "ssh",
		Key:    sshConn.Permissions.Extensions["fingerprint"],
		Addr:   sshConn.RemoteAddr().String(),
	}
	log.Info().
		Str("user", peer.User).
		Str("remote", peer.Addr).
		Str("key", peer.Key).
		Msg("ssh client connected")
	s.audit.LogAuth(peer, audit.Allowed, "")
	ctx = audit.WithPeer(ctx, peer)

	var sessions sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != ChannelType {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, channelReqs, err := newChannel.Accept()
		if err != nil {
			log.Debug().Err(err).Msg("accept channel")
			continue
		}
		go ssh.DiscardRequests(channelReqs)

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			if err := s.handler(ctx, channel); err != nil {
				log.Debug().Err(err).Str("user", sshConn.User()).Msg("ssh session ended")
			}
		}()
	}
	sessions.Wait()
}

// SSHClientConfig configures an outbound SSH connection.
type SSHClientConfig struct {
	User    string
	Signer  ssh.Signer
	HostKey ssh.PublicKey
}

func (c SSHClientConfig) hostKeyCallback() ssh.HostKeyCallback {
	if c.HostKey == nil {
		return ssh.InsecureIgnoreHostKey()
	}
	return ssh.FixedHostKey(c.HostKey)
}

// sshStream is a repository channel that also owns its SSH connection.
type sshStream struct {
	ssh.Channel
	client *ssh.Client
}

func (s *sshStream) Close() error {
	_ = s.Channel.Close()
	err := s.client.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// DialSSH connects to addr and opens a repository channel.
func DialSSH(ctx context.Context, addr string, cfg SSHClientConfig) (io.ReadWriteCloser, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("ssh: no identity configured: %w", fault.ErrInvalid)
	}
	user := cfg.User
	if user == "" {
		user = DefaultSSHUser
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
		HostKeyCallback: cfg.hostKeyCallback(),
		Timeout:         sshHandshakeTimeout,
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %v: %w", addr, err, fault.ErrIO)
	}
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "host key mismatch") {
			return nil, fmt.Errorf("ssh handshake with %s: %v: %w", addr, err, fault.ErrAuthentication)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %v: %w", addr, err, fault.ErrIO)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	channel, channelReqs, err := client.OpenChannel(ChannelType, nil)
	if err != nil {
		_ = client.Close()
		var open *ssh.OpenChannelError
		if errors.As(err, &open) && open.Reason == ssh.UnknownChannelType {
			return nil, fmt.Errorf("ssh server at %s does not serve repositories: %w", addr, fault.ErrInvalid)
		}
		return nil, fmt.Errorf("open channel: %v: %w", err, fault.ErrIO)
	}
	go ssh.DiscardRequests(channelReqs)

	log.Debug().Str("addr", addr).Str("user", user).Msg("ssh channel open")
	return &sshStream{Channel: channel, client: client}, nil
}
