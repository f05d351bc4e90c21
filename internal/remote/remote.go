// Package remote executes commands and transfers files over established
// connections.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/juju/loggo/v2"
	"golang.org/x/crypto/ssh"

	"github.com/tetherproj/tether/internal/conn"
)

var logger = loggo.GetLogger("tether.remote")

// Exec runs a command on the connection's endpoint and returns stdout,
// stderr, the exit code, and any error. A non-zero exit status is reported
// through the exit code, not the error. When the command fails on a stale
// transport the connection is reset in place and the command retried once.
func Exec(ctx context.Context, c *conn.Conn, command string) (stdout, stderr []byte, exit int, err error) {
	stdout, stderr, exit, err = run(ctx, c, command)
	if err != nil && conn.IsTransportError(err) {
		logger.Debugf("stale transport to %s running %q, resetting: %v", c.Endpoint(), command, err)
		if rerr := c.Reset(ctx); rerr != nil {
			return nil, nil, -1, rerr
		}
		stdout, stderr, exit, err = run(ctx, c, command)
	}
	return stdout, stderr, exit, err
}

func run(ctx context.Context, c *conn.Conn, command string) ([]byte, []byte, int, error) {
	client := c.Client()
	if client == nil {
		return nil, nil, -1, fmt.Errorf("exec on %s: %w", c.Endpoint(), conn.ErrNotConnected)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf capture
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	// Run the command, respecting context cancellation.
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		// Signal the session to close, which will cause Run to return.
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return outBuf.bytes(), errBuf.bytes(), exitErr.ExitStatus(), nil
			}
			return outBuf.bytes(), errBuf.bytes(), -1, err
		}
		return outBuf.bytes(), errBuf.bytes(), 0, nil
	}
}

// capture receives one remote stream. The session pumps stdout and stderr
// from its own goroutines, and a cancelled run can leave a pump writing
// after the caller has moved on, so writes and reads are locked.
type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *capture) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}
