package ssh

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultEstablishAttempts = 3
	DefaultEstablishBackoff  = 120 * time.Second
)

// DialFunc opens one authenticated session.
type DialFunc func(ctx context.Context, host string, opts ConnectOptions) (Conn, error)

// Establisher creates sessions, retrying the failure kinds that a fixed wait
// (and, for host key mismatches, a known_hosts cleanup) tends to cure.
type Establisher struct {
	attempts int
	backoff  time.Duration
	dial     DialFunc
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// EstablisherOption configures an Establisher.
type EstablisherOption func(*Establisher)

// WithAttempts sets the total number of establish attempts.
func WithAttempts(n int) EstablisherOption {
	return func(e *Establisher) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithBackoff sets the fixed wait between establish attempts.
func WithBackoff(d time.Duration) EstablisherOption {
	return func(e *Establisher) {
		if d >= 0 {
			e.backoff = d
		}
	}
}

// WithDialFunc replaces the real SSH dialer.
func WithDialFunc(fn DialFunc) EstablisherOption {
	return func(e *Establisher) {
		if fn != nil {
			e.dial = fn
		}
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) EstablisherOption {
	return func(e *Establisher) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithEstablisherLogger sets the logger.
func WithEstablisherLogger(l zerolog.Logger) EstablisherOption {
	return func(e *Establisher) {
		e.logger = l
	}
}

// NewEstablisher returns an Establisher that dials real SSH sessions.
func NewEstablisher(opts ...EstablisherOption) *Establisher {
	e := &Establisher{
		attempts: DefaultEstablishAttempts,
		backoff:  DefaultEstablishBackoff,
		dial: func(ctx context.Context, host string, opts ConnectOptions) (Conn, error) {
			return Dial(ctx, host, opts)
		},
		sleep:  sleepContext,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Establish opens a session to host. Retryable failures are corrected, waited
// out and retried; when attempts run out the last failure is returned inside
// an *EnvironError. Any other failure is returned immediately.
func (e *Establisher) Establish(ctx context.Context, host string, opts ConnectOptions) (Conn, error) {
	for attempt := 1; ; attempt++ {
		conn, err := e.dial(ctx, host, opts)
		if err == nil {
			return conn, nil
		}

		var envErr *EnvironError
		if errors.As(err, &envErr) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, err
		}

		ce := WrapConnectError(host, err).(*ConnectError)
		if !Retryable(ce.Kind, opts.viaProxy()) {
			return nil, ce
		}
		if attempt >= e.attempts {
			e.logger.Error().
				Str("host", host).
				Stringer("kind", ce.Kind).
				Int("attempts", attempt).
				Msg("giving up on connection")
			return nil, &EnvironError{
				Host:   host,
				Reason: fmt.Sprintf("could not connect after %d attempts", attempt),
				Err:    ce,
			}
		}

		e.correct(host, opts, ce)
		e.logger.Warn().
			Str("host", host).
			Stringer("kind", ce.Kind).
			Int("attempt", attempt).
			Dur("backoff", e.backoff).
			Err(ce.Err).
			Msg("connection failed, retrying")
		if err := e.sleep(ctx, e.backoff); err != nil {
			return nil, err
		}
	}
}

// correct performs the local repair for a retryable failure kind.
func (e *Establisher) correct(host string, opts ConnectOptions, ce *ConnectError) {
	if ce.Kind != KindBadHostKey {
		return
	}
	path := knownHostsPath(opts)
	if path == "" {
		return
	}
	port := opts.Port
	if port == 0 {
		port = 22
	}
	if opts.Hostname != "" {
		host = opts.Hostname
	}
	removed, err := RemoveKnownHost(path, host, port)
	if err != nil {
		e.logger.Warn().Str("host", host).Str("file", path).Err(err).Msg("could not remove stale host key")
		return
	}
	e.logger.Info().Str("host", host).Str("file", path).Int("removed", removed).Msg("removed stale host key")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RemoveKnownHost deletes every known_hosts line that names host (plain or
// hashed), like ssh-keygen -R. It returns how many lines were removed.
func RemoveKnownHost(path, host string, port int) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read known_hosts: %w", err)
	}

	target := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))

	var kept bytes.Buffer
	removed := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if knownHostsLineMatches(line, target) {
			removed++
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan known_hosts: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".known_hosts-*")
	if err != nil {
		return 0, fmt.Errorf("create temp known_hosts: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(kept.Bytes()); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write temp known_hosts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp known_hosts: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return 0, fmt.Errorf("chmod temp known_hosts: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("replace known_hosts: %w", err)
	}
	return removed, nil
}

func knownHostsLineMatches(line, target string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	fields := strings.Fields(trimmed)
	hostsField := fields[0]
	if strings.HasPrefix(hostsField, "@") {
		if len(fields) < 2 {
			return false
		}
		hostsField = fields[1]
	}
	for _, pattern := range strings.Split(hostsField, ",") {
		if strings.HasPrefix(pattern, "|1|") {
			if hashedHostMatches(pattern, target) {
				return true
			}
			continue
		}
		if pattern == target {
			return true
		}
	}
	return false
}

// hashedHostMatches checks a "|1|salt|hash" entry against host.
func hashedHostMatches(entry, host string) bool {
	parts := strings.Split(entry, "|")
	if len(parts) != 4 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	return hmac.Equal(mac.Sum(nil), want)
}
