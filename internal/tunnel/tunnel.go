// Package tunnel forwards local TCP ports through pooled SSH sessions, like
// ssh -L. A tunnel holds its session for its whole lifetime and hands it back
// to the pool when closed.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gossh "golang.org/x/crypto/ssh"

	"github.com/agent462/shellpool/internal/ssh"
)

var (
	// ErrNoConnection is returned when the pool had no session to spare.
	ErrNoConnection = errors.New("no connection available")
	// ErrUnsupported is returned for sessions that cannot open channels.
	ErrUnsupported = errors.New("connection does not support port forwarding")
)

// Pool lends SSH sessions. *ssh.Pool implements it.
type Pool interface {
	Get(ctx context.Context, host string, opts ssh.GetOptions) (ssh.Conn, error)
	Return(host string, conn ssh.Conn, keepOpen bool)
}

type sshClientConn interface {
	SSHClient() *gossh.Client
}

// Forward is a localPort:remoteHost:remotePort specification.
type Forward struct {
	LocalPort  int
	RemoteHost string
	RemotePort int
}

func (f Forward) String() string {
	return fmt.Sprintf("%d:%s", f.LocalPort, net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort)))
}

// ParseForward parses an ssh -L style spec such as "5432:db.internal:5432".
// A local port of 0 binds an ephemeral port.
func ParseForward(spec string) (Forward, error) {
	local, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return Forward{}, fmt.Errorf("invalid forward %q: expected localPort:remoteHost:remotePort", spec)
	}
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return Forward{}, fmt.Errorf("invalid forward %q: expected localPort:remoteHost:remotePort", spec)
	}
	host, remote := strings.Trim(rest[:i], "[]"), rest[i+1:]

	localPort, err := strconv.Atoi(local)
	if err != nil || localPort < 0 || localPort > 65535 {
		return Forward{}, fmt.Errorf("invalid local port %q in %q", local, spec)
	}
	if host == "" {
		return Forward{}, fmt.Errorf("remote host must not be empty in %q", spec)
	}
	remotePort, err := strconv.Atoi(remote)
	if err != nil || remotePort < 1 || remotePort > 65535 {
		return Forward{}, fmt.Errorf("invalid remote port %q in %q", remote, spec)
	}
	return Forward{LocalPort: localPort, RemoteHost: host, RemotePort: remotePort}, nil
}

// Tunnel is an active forward through one host.
type Tunnel struct {
	Host       string
	LocalAddr  string
	RemoteAddr string

	pool     Pool
	conn     ssh.Conn
	client   *gossh.Client
	listener net.Listener
	logger   zerolog.Logger

	done      chan struct{}
	relays    sync.WaitGroup
	lost      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures Open.
type Option func(*Tunnel)

// WithLogger sets the tunnel's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tunnel) {
		t.logger = l
	}
}

// Open borrows a session for host and starts forwarding 127.0.0.1:LocalPort
// to RemoteHost:RemotePort as seen from that host.
func Open(ctx context.Context, pool Pool, host string, opts ssh.GetOptions, fwd Forward, options ...Option) (*Tunnel, error) {
	conn, err := pool.Get(ctx, host, opts)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("tunnel through %s: %w", host, ErrNoConnection)
	}
	cc, ok := conn.(sshClientConn)
	if !ok {
		pool.Return(host, conn, true)
		return nil, fmt.Errorf("tunnel through %s: %w", host, ErrUnsupported)
	}

	listenAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(fwd.LocalPort))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		pool.Return(host, conn, true)
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	t := &Tunnel{
		Host:       host,
		LocalAddr:  ln.Addr().String(),
		RemoteAddr: net.JoinHostPort(fwd.RemoteHost, strconv.Itoa(fwd.RemotePort)),
		pool:       pool,
		conn:       conn,
		client:     cc.SSHClient(),
		listener:   ln,
		logger:     log.Logger,
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}

	go t.accept()
	t.logger.Info().Str("host", host).Str("local", t.LocalAddr).Str("remote", t.RemoteAddr).Msg("tunnel open")
	return t, nil
}

func (t *Tunnel) accept() {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			return
		}

		remote, err := t.client.Dial("tcp", t.RemoteAddr)
		if err != nil {
			local.Close()
			if ssh.IsConnectionLost(err) {
				t.lost.Store(true)
				t.logger.Error().Err(err).Str("host", t.Host).Msg("tunnel session lost")
				go t.Close()
				return
			}
			t.logger.Warn().Err(err).Str("host", t.Host).Str("remote", t.RemoteAddr).Msg("tunnel dial failed")
			continue
		}

		t.relays.Add(1)
		go func() {
			defer t.relays.Done()
			relay(local, remote, t.done)
		}()
	}
}

// Done is closed when the tunnel stops, including when its session is lost.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Close stops accepting, tears down open relays, and returns the session to
// the pool. A lost session is returned closed.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.listener.Close()
		t.relays.Wait()
		t.pool.Return(t.Host, t.conn, !t.lost.Load())
		t.logger.Debug().Str("host", t.Host).Str("local", t.LocalAddr).Msg("tunnel closed")
	})
	return t.closeErr
}

// relay copies both ways until either side closes or done fires.
func relay(local, remote net.Conn, done <-chan struct{}) {
	finished := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		finished <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		finished <- struct{}{}
	}()

	select {
	case <-finished:
	case <-done:
	}
	local.Close()
	remote.Close()
}
