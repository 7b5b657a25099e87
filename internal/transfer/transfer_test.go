package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	gossh "golang.org/x/crypto/ssh"

	"github.com/agent462/shellpool/internal/ssh"
	"github.com/agent462/shellpool/internal/sshtest"
)

type sftpServer struct {
	host       string
	pool       *ssh.Pool
	options    OptionsFor
	handshakes *atomic.Int32
}

func startSFTPServer(t *testing.T, root string) *sftpServer {
	t.Helper()

	pubKey, keyPath := sshtest.GenerateKey(t)
	var handshakes atomic.Int32
	addr, cleanup := sshtest.Start(t,
		sshtest.WithPublicKey(pubKey),
		sshtest.WithSFTP(root),
		sshtest.WithConnCounter(&handshakes),
	)
	t.Cleanup(cleanup)

	host, port := sshtest.ParseAddr(t, addr)
	t.Setenv("SSH_AUTH_SOCK", "")

	pool := ssh.NewPool(ssh.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { pool.Close() })

	opts := ssh.GetOptions{ConnectOptions: ssh.ConnectOptions{
		User:            "testuser",
		Port:            port,
		IdentityFile:    keyPath,
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
	}}
	return &sftpServer{
		host:       host,
		pool:       pool,
		options:    func(string) ssh.GetOptions { return opts },
		handshakes: &handshakes,
	}
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPush(t *testing.T) {
	sftpRoot := t.TempDir()
	srv := startSFTPServer(t, sftpRoot)

	localPath := filepath.Join(t.TempDir(), "testfile.txt")
	content := []byte("hello world from transfer test\n")
	if err := os.WriteFile(localPath, content, 0644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	var progressCalls atomic.Int32
	progressFn := func(host string, transferred, total int64) {
		progressCalls.Add(1)
	}

	// Remote paths resolve against the real filesystem, so stay under the root.
	remotePath := filepath.Join(sftpRoot, "nested", "testfile.txt")

	e := New(srv.pool, srv.options, WithLogger(zerolog.Nop()))
	results := e.Push(context.Background(), []string{srv.host}, localPath, remotePath, progressFn)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Err != nil {
		t.Fatalf("Push: %v", r.Err)
	}
	if r.Bytes != int64(len(content)) {
		t.Errorf("bytes = %d, want %d", r.Bytes, len(content))
	}
	if r.Checksum != sha(content) {
		t.Errorf("checksum = %s, want %s", r.Checksum, sha(content))
	}

	data, err := os.ReadFile(remotePath)
	if err != nil {
		t.Fatalf("read remote file: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("remote content = %q, want %q", data, content)
	}
	if progressCalls.Load() == 0 {
		t.Error("progress callback was never called")
	}
	if avail, used := srv.pool.Stats(srv.host); avail != 1 || used != 0 {
		t.Errorf("pool stats = (%d, %d), want the session back in the pool", avail, used)
	}
}

func TestPull(t *testing.T) {
	sftpRoot := t.TempDir()
	content := []byte("remote file content for pull test\n")
	remotePath := filepath.Join(sftpRoot, "remote.txt")
	if err := os.WriteFile(remotePath, content, 0644); err != nil {
		t.Fatalf("write remote file: %v", err)
	}

	srv := startSFTPServer(t, sftpRoot)
	localDir := t.TempDir()

	e := New(srv.pool, srv.options, WithLogger(zerolog.Nop()))
	results := e.Pull(context.Background(), []string{srv.host}, remotePath, localDir, nil)

	r := results[0]
	if r.Err != nil {
		t.Fatalf("Pull: %v", r.Err)
	}
	wantPath := filepath.Join(localDir, srv.host, "remote.txt")
	if r.Path != wantPath {
		t.Errorf("path = %q, want %q", r.Path, wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read local file: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("local content = %q, want %q", data, content)
	}
	if r.Checksum != sha(content) {
		t.Errorf("checksum = %s, want %s", r.Checksum, sha(content))
	}
}

func TestPushThenPull_ReusesSession(t *testing.T) {
	sftpRoot := t.TempDir()
	srv := startSFTPServer(t, sftpRoot)

	localPath := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(localPath, []byte("[main]\nport=8080\n"), 0644); err != nil {
		t.Fatal(err)
	}
	remotePath := filepath.Join(sftpRoot, "config.ini")

	e := New(srv.pool, srv.options, WithLogger(zerolog.Nop()))
	if r := e.Push(context.Background(), []string{srv.host}, localPath, remotePath, nil)[0]; r.Err != nil {
		t.Fatalf("Push: %v", r.Err)
	}
	if r := e.Pull(context.Background(), []string{srv.host}, remotePath, t.TempDir(), nil)[0]; r.Err != nil {
		t.Fatalf("Pull: %v", r.Err)
	}
	if n := srv.handshakes.Load(); n != 1 {
		t.Errorf("handshakes = %d, want 1", n)
	}
}

func TestPull_MissingRemoteFile(t *testing.T) {
	sftpRoot := t.TempDir()
	srv := startSFTPServer(t, sftpRoot)

	e := New(srv.pool, srv.options, WithLogger(zerolog.Nop()))
	r := e.Pull(context.Background(), []string{srv.host}, filepath.Join(sftpRoot, "absent"), t.TempDir(), nil)[0]

	if r.Err == nil {
		t.Fatal("expected an error for a missing remote file")
	}
	if !strings.Contains(r.Err.Error(), "open remote file") {
		t.Errorf("error = %v", r.Err)
	}
	if avail, _ := srv.pool.Stats(srv.host); avail != 1 {
		t.Errorf("a file error should not cost the session, available = %d", avail)
	}
}

type noSFTPConn struct{}

func (noSFTPConn) RunCommand(context.Context, string) ([]byte, []byte, int, error) {
	return nil, nil, 0, nil
}
func (noSFTPConn) Alive() error { return nil }
func (noSFTPConn) Active() bool { return true }
func (noSFTPConn) Close() error { return nil }

type fixedPool struct {
	conn     ssh.Conn
	returned int
}

func (p *fixedPool) Get(context.Context, string, ssh.GetOptions) (ssh.Conn, error) {
	return p.conn, nil
}

func (p *fixedPool) Return(string, ssh.Conn, bool) { p.returned++ }

func TestExecutor_SkippedAndUnsupported(t *testing.T) {
	e := New(&fixedPool{}, nil, WithLogger(zerolog.Nop()))
	r := e.Push(context.Background(), []string{"busy"}, "/etc/hosts", "/tmp/hosts", nil)[0]
	if !r.Skipped || r.Err != nil {
		t.Errorf("expected a skipped result, got %+v", r)
	}

	pool := &fixedPool{conn: noSFTPConn{}}
	e = New(pool, nil, WithLogger(zerolog.Nop()))
	r = e.Push(context.Background(), []string{"web1"}, "/etc/hosts", "/tmp/hosts", nil)[0]
	if !errors.Is(r.Err, ErrNoSFTP) {
		t.Errorf("expected ErrNoSFTP, got %v", r.Err)
	}
	if pool.returned != 1 {
		t.Errorf("connection returned %d times, want 1", pool.returned)
	}
}

func TestProgressWriter(t *testing.T) {
	var calls []int64
	fn := func(host string, transferred, total int64) {
		calls = append(calls, transferred)
	}

	var buf strings.Builder
	pw := newProgressWriter(&buf, "host1", 100, fn)

	pw.Write([]byte("hello"))
	pw.Write([]byte(" world"))

	if buf.String() != "hello world" {
		t.Errorf("written = %q, want %q", buf.String(), "hello world")
	}
	if len(calls) != 2 || calls[0] != 5 || calls[1] != 11 {
		t.Errorf("progress calls = %v, want [5 11]", calls)
	}
}

func TestLogProgress(t *testing.T) {
	var buf strings.Builder
	fn := LogProgress(zerolog.New(&buf), 50)

	for _, n := range []int64{10, 40, 55, 60, 100} {
		fn("web1", n, 100)
	}

	if got := strings.Count(buf.String(), "transfer progress"); got != 2 {
		t.Errorf("logged %d progress lines, want 2:\n%s", got, buf.String())
	}
}

func TestCopyWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst strings.Builder
	_, err := copyWithContext(ctx, &dst, strings.NewReader("data"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
