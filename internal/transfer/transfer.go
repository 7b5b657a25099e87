// Package transfer copies files to and from hosts over SFTP, reusing pooled
// SSH sessions.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// Upload writes localPath to remotePath, creating remote parent directories.
// The copy is hashed on the way out and verified by reading the remote file
// back on the same SFTP session.
func Upload(ctx context.Context, sc *sftp.Client, localPath, remotePath, host string, progressFn ProgressFunc) (checksum string, written int64, err error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("open local file: %w", err)
	}
	defer localFile.Close()

	stat, err := localFile.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat local file: %w", err)
	}

	// remotePath is always a Unix path on the remote host.
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return "", 0, fmt.Errorf("create remote dir %s: %w", dir, err)
		}
	}

	remoteFile, err := sc.Create(remotePath)
	if err != nil {
		return "", 0, fmt.Errorf("create remote file: %w", err)
	}

	hasher := sha256.New()
	pw := newProgressWriter(remoteFile, host, stat.Size(), progressFn)
	written, err = copyWithContext(ctx, io.MultiWriter(pw, hasher), localFile)
	if closeErr := remoteFile.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return "", written, fmt.Errorf("copy to %s: %w", remotePath, err)
	}

	checksum = hex.EncodeToString(hasher.Sum(nil))
	if err := verify(sc, remotePath, checksum); err != nil {
		return checksum, written, err
	}
	return checksum, written, nil
}

// Download reads remotePath into localDir/<host>/<basename> and returns the
// local path written.
func Download(ctx context.Context, sc *sftp.Client, remotePath, localDir, host string, progressFn ProgressFunc) (localPath, checksum string, written int64, err error) {
	remoteFile, err := sc.Open(remotePath)
	if err != nil {
		return "", "", 0, fmt.Errorf("open remote file: %w", err)
	}
	defer remoteFile.Close()

	stat, err := remoteFile.Stat()
	if err != nil {
		return "", "", 0, fmt.Errorf("stat remote file: %w", err)
	}

	hostDir := filepath.Join(localDir, host)
	if err := os.MkdirAll(hostDir, 0755); err != nil {
		return "", "", 0, fmt.Errorf("create local dir: %w", err)
	}

	localPath = filepath.Join(hostDir, path.Base(remotePath))
	localFile, err := os.Create(localPath)
	if err != nil {
		return "", "", 0, fmt.Errorf("create local file: %w", err)
	}
	defer localFile.Close()

	hasher := sha256.New()
	pw := newProgressWriter(localFile, host, stat.Size(), progressFn)
	written, err = copyWithContext(ctx, io.MultiWriter(pw, hasher), remoteFile)
	if err != nil {
		return localPath, "", written, fmt.Errorf("copy from %s: %w", remotePath, err)
	}

	checksum = hex.EncodeToString(hasher.Sum(nil))
	if err := verify(sc, remotePath, checksum); err != nil {
		return localPath, checksum, written, err
	}
	return localPath, checksum, written, nil
}

func verify(sc *sftp.Client, remotePath, want string) error {
	got, err := remoteSHA256(sc, remotePath)
	if err != nil {
		return fmt.Errorf("remote checksum verification failed: %w", err)
	}
	if got != want {
		return fmt.Errorf("checksum mismatch: local=%s remote=%s", want, got)
	}
	return nil
}

// remoteSHA256 hashes a remote file by reading it back over SFTP, so the
// remote host needs no sha256sum binary and no shell quoting is involved.
func remoteSHA256(sc *sftp.Client, remotePath string) (string, error) {
	f, err := sc.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote file for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("read remote file for checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyWithContext copies in 32 KiB chunks, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
