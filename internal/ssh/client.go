package ssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/shellpool/internal/pathutil"
)

const (
	DefaultConnectTimeout = 7 * time.Second
	DefaultAuthTimeout    = 30 * time.Second

	// liveTimeout bounds the keepalive probe used by Alive.
	liveTimeout = 5 * time.Second
)

// Conn is an authenticated remote-login session. At any instant it is owned by
// exactly one holder: a pool's available queue, a pool's used set, or a caller.
type Conn interface {
	// RunCommand executes command and returns stdout, stderr and exit code.
	// A non-nil error means the command produced no exit status.
	RunCommand(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error)
	// Alive probes the transport; a nil error means the session is authenticated.
	Alive() error
	// Active reports whether the transport has not been closed locally.
	Active() bool
	Close() error
}

// ConnectOptions holds options for establishing a session.
type ConnectOptions struct {
	// Hostname is the address to dial when the host passed to Dial or
	// Pool.Get is only a label, such as "deploy@web1".
	Hostname string

	// User overrides the SSH username. If empty, resolved from
	// ~/.ssh/config or the current OS user.
	User string

	// Password is offered through password and keyboard-interactive auth.
	Password string

	// Port overrides the SSH port. If zero, resolved from
	// ~/.ssh/config or defaults to 22.
	Port int

	// IdentityFile is an explicit private key path. It must exist.
	IdentityFile string

	// ProxyJump routes the session through one or more comma-separated
	// jump hosts (e.g. "bastion" or "user@jump1:2222,user@jump2").
	ProxyJump string

	// AllowAgent enables SSH agent authentication.
	AllowAgent bool

	// LookForKeys enables key discovery from ~/.ssh/config and the default
	// key locations.
	LookForKeys bool

	// AcceptUnknownHosts controls whether to accept hosts not in known_hosts.
	AcceptUnknownHosts bool

	// KnownHostsFile overrides ~/.ssh/known_hosts.
	KnownHostsFile string

	// HostKeyCallback overrides the default host key verification.
	HostKeyCallback ssh.HostKeyCallback

	// ConnectTimeout bounds the TCP dial, AuthTimeout the SSH handshake.
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
}

func (o ConnectOptions) viaProxy() bool {
	return o.ProxyJump != "" && o.ProxyJump != "none"
}

func (o ConnectOptions) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (o ConnectOptions) authTimeout() time.Duration {
	if o.AuthTimeout > 0 {
		return o.AuthTimeout
	}
	return DefaultAuthTimeout
}

// Client wraps an SSH connection to a single host. It implements Conn.
type Client struct {
	host        string
	sshClient   *ssh.Client
	jumpClients []*Client // intermediate jump-host clients, for cleanup
	closed      atomic.Bool
}

// Dial connects and authenticates to host. If opts.ProxyJump is set (and not
// "none"), the connection is tunneled through one or more jump hosts.
// Failures are returned as *ConnectError or *EnvironError.
func Dial(ctx context.Context, host string, opts ConnectOptions) (*Client, error) {
	if opts.Hostname != "" {
		host = opts.Hostname
	}
	if opts.IdentityFile != "" && !pathutil.Exists(opts.IdentityFile) {
		return nil, &EnvironError{
			Host:   host,
			Reason: fmt.Sprintf("ssh identity file %s does not exist", opts.IdentityFile),
		}
	}

	var (
		client *Client
		err    error
	)
	if opts.viaProxy() {
		client, err = dialViaProxy(ctx, host, opts)
	} else {
		client, err = dialDirect(ctx, host, opts)
	}
	if err != nil {
		return nil, WrapConnectError(host, err)
	}
	return client, nil
}

func dialDirect(ctx context.Context, host string, opts ConnectOptions) (*Client, error) {
	sshConf, addr, err := clientConfig(host, opts)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: opts.connectTimeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf, opts.authTimeout())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Client{
		host:      host,
		sshClient: ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

// dialViaProxy chains through the comma-separated jump hosts, then dials the
// final target through the last jump connection.
func dialViaProxy(ctx context.Context, host string, opts ConnectOptions) (*Client, error) {
	specs := strings.Split(opts.ProxyJump, ",")
	var jumpClients []*Client

	closeJumps := func() {
		for i := len(jumpClients) - 1; i >= 0; i-- {
			jumpClients[i].Close()
		}
	}

	// Jump legs inherit auth settings but never the target's password.
	buildJumpOpts := func(spec string) (ConnectOptions, string) {
		jumpUser, jumpHostname, jumpPort := parseJumpHost(spec)
		jo := opts
		jo.ProxyJump = ""
		jo.Password = ""
		jo.Port = jumpPort
		jo.User = jumpUser
		return jo, jumpHostname
	}

	jumpOpts, jumpHostname := buildJumpOpts(specs[0])
	prev, err := dialDirect(ctx, jumpHostname, jumpOpts)
	if err != nil {
		return nil, fmt.Errorf("dial jump host %q: %w", specs[0], err)
	}
	jumpClients = append(jumpClients, prev)

	for _, spec := range specs[1:] {
		jumpOpts, jumpHostname = buildJumpOpts(spec)
		next, err := dialThrough(ctx, prev, jumpHostname, jumpOpts)
		if err != nil {
			closeJumps()
			return nil, fmt.Errorf("dial jump host %q: %w", spec, err)
		}
		jumpClients = append(jumpClients, next)
		prev = next
	}

	finalOpts := opts
	finalOpts.ProxyJump = ""
	final, err := dialThrough(ctx, prev, host, finalOpts)
	if err != nil {
		closeJumps()
		return nil, fmt.Errorf("dial target %s via proxy: %w", host, err)
	}
	final.jumpClients = jumpClients
	return final, nil
}

// dialThrough tunnels an SSH connection through an existing client.
func dialThrough(ctx context.Context, proxy *Client, host string, opts ConnectOptions) (*Client, error) {
	sshConf, addr, err := clientConfig(host, opts)
	if err != nil {
		return nil, err
	}

	conn, err := proxy.sshClient.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel through %s to %s: %w", proxy.host, addr, err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf, opts.authTimeout())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s (via %s): %w", addr, proxy.host, err)
	}

	return &Client{
		host:      host,
		sshClient: ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

func clientConfig(host string, opts ConnectOptions) (*ssh.ClientConfig, string, error) {
	addr, user := resolveAddr(host, opts)

	methods, err := buildAuthMethods(host, opts)
	if err != nil {
		return nil, "", err
	}

	hostKeyCallback, err := resolveHostKeyCallback(opts)
	if err != nil {
		return nil, "", fmt.Errorf("host key callback: %w", err)
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.connectTimeout(),
	}, addr, nil
}

// parseJumpHost parses a jump host spec in the form "user@host:port",
// "host:port", "user@host", or just "host". Returns user, hostname, port.
func parseJumpHost(spec string) (user, hostname string, port int) {
	spec = strings.TrimSpace(spec)

	if i := strings.Index(spec, "@"); i >= 0 {
		user = spec[:i]
		spec = spec[i+1:]
	}

	if host, portStr, err := net.SplitHostPort(spec); err == nil {
		hostname = host
		fmt.Sscanf(portStr, "%d", &port)
	} else {
		hostname = spec
	}

	return user, hostname, port
}

// RunCommand executes a command on the connected host and returns
// stdout, stderr, exit code, and any error.
func (c *Client) RunCommand(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
			}
			return outBuf.Bytes(), errBuf.Bytes(), -1, err
		}
		return outBuf.Bytes(), errBuf.Bytes(), 0, nil
	}
}

// Alive sends a keepalive global request. Servers that do not implement the
// request still answer, so any reply proves the transport is authenticated.
func (c *Client) Alive() error {
	if !c.Active() {
		return fmt.Errorf("%s: connection closed", c.host)
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := c.sshClient.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(liveTimeout):
		return fmt.Errorf("%s: keepalive timed out after %s", c.host, liveTimeout)
	}
}

// Active reports whether Close has not been called yet.
func (c *Client) Active() bool {
	return c.sshClient != nil && !c.closed.Load()
}

// Close closes the underlying SSH connection and any jump-host connections
// in reverse order (innermost first).
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if c.sshClient != nil {
		firstErr = c.sshClient.Close()
	}
	for i := len(c.jumpClients) - 1; i >= 0; i-- {
		if err := c.jumpClients[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Host returns the hostname this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// SSHClient exposes the underlying connection for subsystems such as SFTP.
func (c *Client) SSHClient() *ssh.Client {
	return c.sshClient
}

// resolveAddr builds the dial address and username for a host. Explicit
// options win over ~/.ssh/config, which wins over the environment.
func resolveAddr(host string, opts ConnectOptions) (addr, user string) {
	user = opts.User
	if user == "" {
		user = sshconfig.Get(host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	port := opts.Port
	if port == 0 {
		if portStr := sshconfig.Get(host, "Port"); portStr != "" {
			fmt.Sscanf(portStr, "%d", &port)
		}
	}
	if port == 0 {
		port = 22
	}

	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), user
}

// buildAuthMethods constructs the ordered auth chain:
// agent -> identity file -> discovered keys -> password.
func buildAuthMethods(host string, opts ConnectOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if opts.AllowAgent {
		if agentAuth := agentAuthMethod(); agentAuth != nil {
			methods = append(methods, agentAuth)
		}
	}

	if opts.IdentityFile != "" {
		signer, err := loadKeySigner(pathutil.ExpandHome(opts.IdentityFile))
		if err != nil {
			return nil, fmt.Errorf("load identity file %s: %w", opts.IdentityFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if opts.LookForKeys {
		for _, keyFile := range resolveKeyFiles(host) {
			if signer, err := loadKeySigner(keyFile); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}

	if opts.Password != "" {
		password := opts.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	return methods, nil
}

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}
}

// agentAuthMethod returns an auth method using the SSH agent, or nil
// if the agent is unavailable or has no keys.
func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) > 0 {
				return ssh.PublicKeysCallback(sharedAgent.client.Signers)
			}
			return nil
		}
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	keys, err := sharedAgent.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

// resolveKeyFiles returns key file paths from ssh_config and default locations.
func resolveKeyFiles(host string) []string {
	var files []string

	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		expanded := pathutil.ExpandHome(identity)
		if pathutil.Exists(expanded) {
			files = append(files, expanded)
		}
	}

	dir := pathutil.SSHDir()
	if dir == "" {
		return files
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		f := filepath.Join(dir, name)
		if pathutil.Exists(f) {
			files = append(files, f)
		}
	}
	return files
}

func loadKeySigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func knownHostsPath(opts ConnectOptions) string {
	if opts.KnownHostsFile != "" {
		return pathutil.ExpandHome(opts.KnownHostsFile)
	}
	dir := pathutil.SSHDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "known_hosts")
}

// resolveHostKeyCallback builds the host key callback.
func resolveHostKeyCallback(opts ConnectOptions) (ssh.HostKeyCallback, error) {
	if opts.HostKeyCallback != nil {
		return opts.HostKeyCallback, nil
	}
	if opts.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := knownHostsPath(opts)
	if path == "" {
		return nil, fmt.Errorf("cannot locate known_hosts: home directory unknown")
	}
	if !pathutil.Exists(path) {
		return nil, fmt.Errorf("no known_hosts file found at %s", path)
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// newClientConn performs the SSH handshake, bounded by authTimeout and ctx.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig, authTimeout time.Duration) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, fmt.Errorf("authentication did not finish within %s: %w", authTimeout, ctx.Err())
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
