package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"

	"github.com/tetherproj/tether/internal/conn"
	"github.com/tetherproj/tether/internal/pathutil"
)

// ProgressFunc is called during file transfer with the endpoint, bytes
// transferred so far, and total expected bytes (0 if unknown). A nil
// ProgressFunc disables reporting.
type ProgressFunc func(endpoint string, transferred, total int64)

// Push uploads a local file to a remote path over the connection's transport.
// It computes a SHA-256 checksum during transfer and verifies it against the
// remote copy before returning. Missing remote directories are created.
func Push(ctx context.Context, c *conn.Conn, localPath, remotePath string, progress ProgressFunc) (checksum string, written int64, err error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("open local file: %w", err)
	}
	defer localFile.Close()

	stat, err := localFile.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat local file: %w", err)
	}

	sftpClient, err := newSFTP(c)
	if err != nil {
		return "", 0, err
	}
	defer sftpClient.Close()

	// Ensure the remote directory exists. Use path (not filepath) because
	// remotePath is always a Unix path on the remote host.
	remoteDir := path.Dir(remotePath)
	if remoteDir != "." && remoteDir != "/" {
		if err := sftpClient.MkdirAll(remoteDir); err != nil {
			return "", 0, fmt.Errorf("create remote dir %s: %w", remoteDir, err)
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return "", 0, fmt.Errorf("create remote file: %w", err)
	}

	hasher := sha256.New()
	pw := newProgressWriter(remoteFile, c.Endpoint().String(), stat.Size(), progress)
	writer := io.MultiWriter(pw, hasher)

	written, err = copyWithContext(ctx, writer, localFile)
	// Close the remote file to flush writes before checksum verification.
	remoteFile.Close()
	if err != nil {
		return "", written, fmt.Errorf("copy: %w", err)
	}

	checksum = hex.EncodeToString(hasher.Sum(nil))
	if err := verifyRemote(sftpClient, remotePath, checksum); err != nil {
		return checksum, written, err
	}

	logger.Debugf("pushed %s to %s:%s (%d bytes, sha256 %s)", localPath, c.Endpoint(), remotePath, written, checksum)
	return checksum, written, nil
}

// Fetch downloads a remote file to a local path over the connection's
// transport, with the same SHA-256 verification as Push. Missing local
// directories are created.
func Fetch(ctx context.Context, c *conn.Conn, remotePath, localPath string, progress ProgressFunc) (checksum string, written int64, err error) {
	sftpClient, err := newSFTP(c)
	if err != nil {
		return "", 0, err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return "", 0, fmt.Errorf("open remote file: %w", err)
	}
	defer remoteFile.Close()

	stat, err := remoteFile.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat remote file: %w", err)
	}

	if err := pathutil.EnsureParent(localPath); err != nil {
		return "", 0, fmt.Errorf("create local dir: %w", err)
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("create local file: %w", err)
	}
	defer localFile.Close()

	hasher := sha256.New()
	pw := newProgressWriter(localFile, c.Endpoint().String(), stat.Size(), progress)
	writer := io.MultiWriter(pw, hasher)

	written, err = copyWithContext(ctx, writer, remoteFile)
	if err != nil {
		return "", written, fmt.Errorf("copy: %w", err)
	}

	checksum = hex.EncodeToString(hasher.Sum(nil))
	if err := verifyRemote(sftpClient, remotePath, checksum); err != nil {
		return checksum, written, err
	}

	logger.Debugf("fetched %s:%s to %s (%d bytes, sha256 %s)", c.Endpoint(), remotePath, localPath, written, checksum)
	return checksum, written, nil
}

func newSFTP(c *conn.Conn) (*sftp.Client, error) {
	client := c.Client()
	if client == nil {
		return nil, fmt.Errorf("sftp to %s: %w", c.Endpoint(), conn.ErrNotConnected)
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return sftpClient, nil
}

// verifyRemote re-reads the remote file over the same SFTP session and
// compares its SHA-256 against the transferred checksum. Reading back over
// SFTP avoids shell quoting issues and works without sha256sum installed on
// the remote host.
func verifyRemote(sftpClient *sftp.Client, remotePath, want string) error {
	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("read remote file for checksum: %w", err)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != want {
		return fmt.Errorf("checksum mismatch: transferred=%s remote=%s", want, got)
	}
	return nil
}

// copyWithContext copies from src to dst, checking for context cancellation
// between buffered reads.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

// progressWriter wraps an io.Writer and reports bytes written via a callback.
type progressWriter struct {
	w           io.Writer
	endpoint    string
	transferred int64
	total       int64
	onProgress  ProgressFunc
}

func newProgressWriter(w io.Writer, endpoint string, total int64, fn ProgressFunc) *progressWriter {
	return &progressWriter{
		w:          w,
		endpoint:   endpoint,
		total:      total,
		onProgress: fn,
	}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.transferred += int64(n)
	if pw.onProgress != nil {
		pw.onProgress(pw.endpoint, pw.transferred, pw.total)
	}
	return n, err
}
