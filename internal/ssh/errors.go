package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Kind classifies a connection failure. Dial errors are translated into a Kind
// once, at the boundary, so retry policy never looks at raw error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadHostKey
	KindUnknownHost
	KindAuth
	KindProtocolBanner
	KindNoSession
	KindRefused
	KindDNS
	KindKeyPermission
)

func (k Kind) String() string {
	switch k {
	case KindBadHostKey:
		return "bad-host-key"
	case KindUnknownHost:
		return "unknown-host"
	case KindAuth:
		return "auth"
	case KindProtocolBanner:
		return "protocol-banner"
	case KindNoSession:
		return "no-session"
	case KindRefused:
		return "refused"
	case KindDNS:
		return "dns"
	case KindKeyPermission:
		return "key-permission"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of kind k is worth another establish
// attempt. Authentication failures only count when the session was routed
// through a proxy host, where the jump leg is the usual culprit.
func Retryable(k Kind, viaProxy bool) bool {
	switch k {
	case KindBadHostKey, KindProtocolBanner, KindNoSession:
		return true
	case KindAuth:
		return viaProxy
	default:
		return false
	}
}

// ConnectError wraps an SSH connection error with its kind and a user-friendly hint.
type ConnectError struct {
	Host string
	Kind Kind
	Err  error
	Hint string
}

func (e *ConnectError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("%s: %v\n  hint: %s", e.Host, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// EnvironError reports a broken environment: a missing identity file or a
// host that kept failing after every establish attempt. It is never retried.
type EnvironError struct {
	Host   string
	Reason string
	Err    error
}

func (e *EnvironError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("environment error on %s: %s", e.Host, e.Reason)
	}
	return fmt.Sprintf("environment error on %s: %s: %v", e.Host, e.Reason, e.Err)
}

func (e *EnvironError) Unwrap() error {
	return e.Err
}

// WrapConnectError classifies err and wraps it in a *ConnectError.
// Errors that are already a *ConnectError are returned unchanged.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	kind := classify(err)
	return &ConnectError{
		Host: host,
		Kind: kind,
		Err:  err,
		Hint: hintFor(kind, host),
	}
}

func classify(err error) Kind {
	msg := err.Error()

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) > 0 {
			return KindBadHostKey
		}
		return KindUnknownHost
	}

	if strings.Contains(msg, "protocol banner") || strings.Contains(msg, "version string") {
		return KindProtocolBanner
	}
	// The peer hung up before the version exchange finished.
	if strings.Contains(msg, "handshake failed") && errors.Is(err, io.EOF) {
		return KindProtocolBanner
	}

	if strings.Contains(msg, "No existing session") {
		return KindNoSession
	}

	if strings.Contains(msg, "permission denied") && strings.Contains(msg, "key") {
		return KindKeyPermission
	}

	var authErr *ssh.ServerAuthError
	if errors.As(err, &authErr) ||
		strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") {
		return KindAuth
	}

	if strings.Contains(msg, "connection refused") {
		return KindRefused
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || strings.Contains(msg, "no such host") {
		return KindDNS
	}

	if strings.Contains(msg, "no known_hosts") || strings.Contains(msg, "knownhosts") {
		return KindUnknownHost
	}

	return KindUnknown
}

func hintFor(k Kind, host string) string {
	switch k {
	case KindBadHostKey:
		return fmt.Sprintf("remove old key with: ssh-keygen -R %s", host)
	case KindUnknownHost:
		return fmt.Sprintf("accept unknown hosts or connect once with: ssh %s", host)
	case KindAuth:
		return fmt.Sprintf("verify your SSH key, agent or password. Try: ssh -v %s", host)
	case KindProtocolBanner:
		return "the SSH daemon closed the connection before the banner; it may be overloaded (MaxStartups)"
	case KindKeyPermission:
		return "check SSH key permissions (chmod 600)"
	case KindRefused:
		return "verify SSH daemon is running on the target host"
	case KindDNS:
		return "verify hostname is correct"
	default:
		return ""
	}
}

// IsConnectionLost returns true if the error suggests the session's transport
// went away mid-command. It returns false for errors that are permanent
// (auth failures, context cancellation).
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") {
		return true
	}
	return false
}
