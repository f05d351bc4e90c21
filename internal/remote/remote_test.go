package remote_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tetherproj/tether/internal/conn"
	"github.com/tetherproj/tether/internal/credential"
	"github.com/tetherproj/tether/internal/endpoint"
	"github.com/tetherproj/tether/internal/hostkey"
	"github.com/tetherproj/tether/internal/remote"
	"github.com/tetherproj/tether/internal/sshtest"
)

func testCred() *credential.Credential {
	return credential.New().
		WithVerifier(hostkey.TrustAll()).
		WithConnectTimeout(2 * time.Second)
}

func openConn(t *testing.T, srv *sshtest.Server) *conn.Conn {
	t.Helper()
	host, port := sshtest.ParseAddr(t, srv.Addr())
	reg := conn.NewRegistry()
	t.Cleanup(reg.CloseAll)
	c, err := reg.ConnectAndAuthenticate(context.Background(), endpoint.New(host, port), testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}
	return c
}

func waitLost(t *testing.T, c *conn.Conn) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.IsLost() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for transport loss")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecCapturesOutput(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth(),
		sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
			if cmd != "uptime" {
				return "", "unexpected command: " + cmd, 1
			}
			return "up 12 days\n", "loadavg warning\n", 0
		}))
	c := openConn(t, srv)

	stdout, stderr, exit, err := remote.Exec(context.Background(), c, "uptime")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if exit != 0 {
		t.Fatalf("exit = %d, want 0", exit)
	}
	if got := string(stdout); got != "up 12 days\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := string(stderr); got != "loadavg warning\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestExecReportsExitCode(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth(),
		sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
			return "", "no such unit\n", 4
		}))
	c := openConn(t, srv)

	stdout, stderr, exit, err := remote.Exec(context.Background(), c, "systemctl status nope")
	if err != nil {
		t.Fatalf("a non-zero exit must not be an error, got %v", err)
	}
	if exit != 4 {
		t.Fatalf("exit = %d, want 4", exit)
	}
	if len(stdout) != 0 {
		t.Errorf("stdout = %q, want empty", stdout)
	}
	if got := string(stderr); got != "no such unit\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestExecContextCancellation(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	srv := sshtest.Start(t, sshtest.WithNoAuth(),
		sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
			<-block
			return "", "", 0
		}))
	c := openConn(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, _, _, err := remote.Exec(ctx, c, "sleep 3600")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestExecRetriesAcrossTransportLoss(t *testing.T) {
	rec := sshtest.NewRecorder()
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithRecorder(rec),
		sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
			return "pong\n", "", 0
		}))
	c := openConn(t, srv)

	srv.Drop()
	waitLost(t, c)

	stdout, _, exit, err := remote.Exec(context.Background(), c, "ping")
	if err != nil {
		t.Fatalf("Exec after drop: %v", err)
	}
	if exit != 0 || string(stdout) != "pong\n" {
		t.Fatalf("exit = %d stdout = %q", exit, stdout)
	}
	if !c.IsOpen() {
		t.Fatal("the retry should have reset the connection")
	}
	if got := rec.Count("none"); got != 2 {
		t.Fatalf("handshakes = %d, want 2 (initial + reset)", got)
	}
}

func TestExecOnClosedConnFails(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth())
	c := openConn(t, srv)
	c.Close()

	_, _, _, err := remote.Exec(context.Background(), c, "true")
	var resetErr *conn.ResetError
	if !errors.As(err, &resetErr) {
		t.Fatalf("err = %v, want *conn.ResetError from the refused retry", err)
	}
}

func TestPushAndVerify(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithSFTP())
	c := openConn(t, srv)

	content := []byte("deploy artifact payload\n")
	localPath := filepath.Join(t.TempDir(), "artifact.bin")
	if err := os.WriteFile(localPath, content, 0644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	var progressCalls int
	remotePath := filepath.Join(t.TempDir(), "releases", "artifact.bin")
	checksum, written, err := remote.Push(context.Background(), c, localPath, remotePath,
		func(ep string, transferred, total int64) { progressCalls++ })
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if written != int64(len(content)) {
		t.Errorf("written = %d, want %d", written, len(content))
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); checksum != want {
		t.Errorf("checksum = %s, want %s", checksum, want)
	}
	if progressCalls == 0 {
		t.Error("progress callback was never called")
	}

	data, err := os.ReadFile(remotePath)
	if err != nil {
		t.Fatalf("read pushed file: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("pushed content = %q, want %q", data, content)
	}
}

func TestFetchAndVerify(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithSFTP())
	c := openConn(t, srv)

	content := []byte("remote log lines\n")
	remotePath := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(remotePath, content, 0644); err != nil {
		t.Fatalf("write remote file: %v", err)
	}

	localPath := filepath.Join(t.TempDir(), "collected", "app.log")
	checksum, written, err := remote.Fetch(context.Background(), c, remotePath, localPath, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if written != int64(len(content)) {
		t.Errorf("written = %d, want %d", written, len(content))
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); checksum != want {
		t.Errorf("checksum = %s, want %s", checksum, want)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatalf("read fetched file: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("fetched content = %q, want %q", data, content)
	}
}

func TestPushMissingLocalFile(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithSFTP())
	c := openConn(t, srv)

	_, _, err := remote.Push(context.Background(), c,
		filepath.Join(t.TempDir(), "absent.txt"),
		filepath.Join(t.TempDir(), "dest.txt"), nil)
	if err == nil {
		t.Fatal("expected an error for a missing local file")
	}
	if !strings.Contains(err.Error(), "open local file") {
		t.Errorf("err = %v, want an open local file failure", err)
	}
}

func TestFetchMissingRemoteFile(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithSFTP())
	c := openConn(t, srv)

	_, _, err := remote.Fetch(context.Background(), c,
		filepath.Join(t.TempDir(), "absent.txt"),
		filepath.Join(t.TempDir(), "dest.txt"), nil)
	if err == nil {
		t.Fatal("expected an error for a missing remote file")
	}
}

func TestTransferOnLostConnFails(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithSFTP())
	c := openConn(t, srv)

	localPath := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(localPath, []byte("x"), 0644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	srv.Drop()
	waitLost(t, c)

	_, _, err := remote.Push(context.Background(), c, localPath,
		filepath.Join(t.TempDir(), "dest.txt"), nil)
	if !errors.Is(err, conn.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
