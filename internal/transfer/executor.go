package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/agent462/shellpool/internal/ssh"
)

// ErrNoSFTP is returned when a pooled session cannot open an SFTP subsystem
// because it does not expose its underlying SSH client.
var ErrNoSFTP = errors.New("connection does not support sftp")

// Pool lends SSH sessions. *ssh.Pool implements it.
type Pool interface {
	Get(ctx context.Context, host string, opts ssh.GetOptions) (ssh.Conn, error)
	Return(host string, conn ssh.Conn, keepOpen bool)
}

// sshClientConn is implemented by *ssh.Client.
type sshClientConn interface {
	SSHClient() *gossh.Client
}

// OptionsFor returns the session options for host.
type OptionsFor func(host string) ssh.GetOptions

// Result holds the outcome of a file transfer for a single host.
type Result struct {
	Host     string
	Path     string // remote path for pushes, local path for pulls
	Bytes    int64
	Checksum string
	Duration time.Duration
	Err      error
	Skipped  bool // no pooled connection was available
}

// Executor runs file transfers in parallel across hosts.
type Executor struct {
	pool        Pool
	options     OptionsFor
	concurrency int
	timeout     time.Duration
	logger      zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency sets the maximum number of parallel transfers.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout sets the per-host transfer timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates a transfer Executor borrowing sessions from pool.
func New(pool Pool, options OptionsFor, opts ...Option) *Executor {
	e := &Executor{
		pool:        pool,
		options:     options,
		concurrency: 20,
		timeout:     5 * time.Minute,
		logger:      log.Logger,
	}
	if e.options == nil {
		e.options = func(string) ssh.GetOptions { return ssh.GetOptions{} }
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Push uploads localPath to remotePath on every host.
func (e *Executor) Push(ctx context.Context, hosts []string, localPath, remotePath string, progressFn ProgressFunc) []*Result {
	return e.each(ctx, hosts, func(ctx context.Context, sc *sftp.Client, r *Result) error {
		sum, n, err := Upload(ctx, sc, localPath, remotePath, r.Host, progressFn)
		r.Path, r.Checksum, r.Bytes = remotePath, sum, n
		return err
	})
}

// Pull downloads remotePath from every host into localDir/<host>/.
func (e *Executor) Pull(ctx context.Context, hosts []string, remotePath, localDir string, progressFn ProgressFunc) []*Result {
	return e.each(ctx, hosts, func(ctx context.Context, sc *sftp.Client, r *Result) error {
		local, sum, n, err := Download(ctx, sc, remotePath, localDir, r.Host, progressFn)
		r.Path, r.Checksum, r.Bytes = local, sum, n
		return err
	})
}

type transferFunc func(ctx context.Context, sc *sftp.Client, r *Result) error

func (e *Executor) each(ctx context.Context, hosts []string, fn transferFunc) []*Result {
	results := make([]*Result, len(hosts))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, host := range hosts {
		g.Go(func() error {
			results[i] = e.one(ctx, host, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) one(ctx context.Context, host string, fn transferFunc) *Result {
	result := &Result{Host: host}
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	hostCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	conn, err := e.pool.Get(hostCtx, host, e.options(host))
	if err != nil {
		result.Err = err
		return result
	}
	if conn == nil {
		result.Skipped = true
		e.logger.Warn().Str("host", host).Msg("skipped transfer, no connection available")
		return result
	}

	keepOpen := true
	defer func() { e.pool.Return(host, conn, keepOpen) }()

	cc, ok := conn.(sshClientConn)
	if !ok {
		result.Err = ErrNoSFTP
		return result
	}
	sc, err := sftp.NewClient(cc.SSHClient())
	if err != nil {
		keepOpen = !ssh.IsConnectionLost(err)
		result.Err = fmt.Errorf("sftp client: %w", err)
		return result
	}
	defer sc.Close()

	if err := fn(hostCtx, sc, result); err != nil {
		keepOpen = !ssh.IsConnectionLost(err) && hostCtx.Err() == nil
		result.Err = err
		return result
	}
	e.logger.Debug().Str("host", host).Int64("bytes", result.Bytes).Str("sha256", result.Checksum).Msg("transfer verified")
	return result
}
