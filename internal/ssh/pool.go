package ssh

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxConnectionsPerRemoteHost is the default per-host pool capacity.
const MaxConnectionsPerRemoteHost = 5

// GetOptions are the per-call options for Pool.Get.
type GetOptions struct {
	ConnectOptions

	// NewConnection bypasses the pool and always establishes a fresh
	// session. The session is not counted against the host's capacity.
	NewConnection bool
}

// Establishing opens authenticated sessions for the pool.
type Establishing interface {
	Establish(ctx context.Context, host string, opts ConnectOptions) (Conn, error)
}

// hostPool is the per-host entry. available is a bounded queue of idle
// sessions; used holds sessions currently lent out. pending counts slots
// reserved by callers that are dialing or verifying a session.
type hostPool struct {
	mu        sync.Mutex
	available chan Conn
	used      map[Conn]struct{}
	detached  map[Conn]struct{}
	pending   int
}

func (hp *hostPool) size() int {
	return len(hp.available) + len(hp.used) + hp.pending
}

// Pool bounds the number of live sessions per host and hands out reusable ones.
// It is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	hosts       map[string]*hostPool
	capacity    int
	establisher Establishing
	logger      zerolog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithCapacity sets the per-host capacity.
func WithCapacity(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithEstablisher replaces the default Establisher.
func WithEstablisher(e Establishing) PoolOption {
	return func(p *Pool) {
		if e != nil {
			p.establisher = e
		}
	}
}

// WithLogger sets the pool's logger.
func WithLogger(l zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// NewPool creates an empty pool. Host entries are created on first use.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		hosts:    make(map[string]*hostPool),
		capacity: MaxConnectionsPerRemoteHost,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.establisher == nil {
		p.establisher = NewEstablisher(WithEstablisherLogger(p.logger))
	}
	return p
}

// Capacity returns the per-host capacity.
func (p *Pool) Capacity() int {
	return p.capacity
}

func (p *Pool) entry(host string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[host]
	if !ok {
		hp = &hostPool{
			available: make(chan Conn, p.capacity),
			used:      make(map[Conn]struct{}),
			detached:  make(map[Conn]struct{}),
		}
		p.hosts[host] = hp
	}
	return hp
}

func (p *Pool) lookup(host string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hosts[host]
}

// Get returns a session for host, reusing an idle one when it is still
// authenticated. It returns a nil Conn and a nil error when the host's pool is
// saturated; callers must check for that and skip or requeue. Establish
// failures are returned as errors.
func (p *Pool) Get(ctx context.Context, host string, opts GetOptions) (Conn, error) {
	hp := p.entry(host)

	if opts.NewConnection {
		conn, err := p.establisher.Establish(ctx, host, opts.ConnectOptions)
		if err != nil {
			return nil, err
		}
		hp.mu.Lock()
		hp.detached[conn] = struct{}{}
		hp.mu.Unlock()
		return conn, nil
	}

	for {
		conn, ok := hp.popAvailable()
		if !ok {
			break
		}
		if IsConnected(conn, p.logger) {
			hp.mu.Lock()
			hp.pending--
			hp.used[conn] = struct{}{}
			hp.mu.Unlock()
			return conn, nil
		}
		p.logger.Debug().Str("host", host).Msg("discarding dead pooled connection")
		conn.Close()
		hp.mu.Lock()
		hp.pending--
		hp.mu.Unlock()
	}

	hp.mu.Lock()
	if hp.size() >= p.capacity {
		used := len(hp.used)
		hp.mu.Unlock()
		p.logger.Warn().
			Str("host", host).
			Int("used", used).
			Int("capacity", p.capacity).
			Msg("no connection available, pool is at capacity")
		return nil, nil
	}
	hp.pending++
	hp.mu.Unlock()

	conn, err := p.establisher.Establish(ctx, host, opts.ConnectOptions)

	hp.mu.Lock()
	hp.pending--
	if err == nil {
		hp.used[conn] = struct{}{}
	}
	hp.mu.Unlock()

	if err != nil {
		return nil, err
	}
	p.logger.Debug().Str("host", host).Msg("established new connection")
	return conn, nil
}

// popAvailable takes an idle session without blocking. The slot stays
// reserved as pending until the caller resolves it.
func (hp *hostPool) popAvailable() (Conn, bool) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	select {
	case conn := <-hp.available:
		hp.pending++
		return conn, true
	default:
		return nil, false
	}
}

// Return hands a session back. With keepOpen and a live session it is queued
// for reuse; otherwise it is closed. Returning a session the pool did not
// lend out is logged and otherwise ignored.
func (p *Pool) Return(host string, conn Conn, keepOpen bool) {
	if conn == nil {
		return
	}
	hp := p.lookup(host)
	if hp == nil || !hp.release(conn) {
		p.logger.Warn().Str("host", host).Msg("returned connection was not in the used set")
		return
	}

	if keepOpen && IsConnected(conn, p.logger) {
		if hp.offer(conn, p.capacity) {
			return
		}
		// Dropped without Close; see DESIGN.md open questions.
		p.logger.Warn().Str("host", host).Msg("available queue is full, dropping connection")
		return
	}

	if conn.Active() {
		if err := conn.Close(); err != nil {
			p.logger.Warn().Str("host", host).Err(err).Msg("error closing connection")
		}
	}
}

func (hp *hostPool) release(conn Conn) bool {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if _, ok := hp.used[conn]; ok {
		delete(hp.used, conn)
		return true
	}
	if _, ok := hp.detached[conn]; ok {
		delete(hp.detached, conn)
		return true
	}
	return false
}

func (hp *hostPool) offer(conn Conn, capacity int) bool {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if hp.size() >= capacity {
		return false
	}
	select {
	case hp.available <- conn:
		return true
	default:
		return false
	}
}

// Stats reports the number of idle and lent-out sessions for host.
func (p *Pool) Stats(host string) (available, used int) {
	hp := p.lookup(host)
	if hp == nil {
		return 0, 0
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return len(hp.available), len(hp.used)
}

// IsConnected reports whether conn is authenticated. Probe failures are logged
// at debug level and reported as false.
func IsConnected(conn Conn, logger zerolog.Logger) (ok bool) {
	if conn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debug().Interface("panic", r).Msg("connection state query failed")
			ok = false
		}
	}()
	if err := conn.Alive(); err != nil {
		logger.Debug().Err(err).Msg("connection is not authenticated")
		return false
	}
	return true
}

// Close closes every idle and lent-out session and forgets all hosts.
func (p *Pool) Close() error {
	p.mu.Lock()
	hosts := p.hosts
	p.hosts = make(map[string]*hostPool)
	p.mu.Unlock()

	var firstErr error
	closeConn := func(c Conn) {
		if !c.Active() {
			return
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, hp := range hosts {
		hp.mu.Lock()
		for {
			select {
			case c := <-hp.available:
				closeConn(c)
				continue
			default:
			}
			break
		}
		for c := range hp.used {
			closeConn(c)
		}
		for c := range hp.detached {
			closeConn(c)
		}
		hp.used = make(map[Conn]struct{})
		hp.detached = make(map[Conn]struct{})
		hp.mu.Unlock()
	}
	return firstErr
}
