package conn_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tetherproj/tether/internal/conn"
	"github.com/tetherproj/tether/internal/credential"
	"github.com/tetherproj/tether/internal/endpoint"
	"github.com/tetherproj/tether/internal/hostkey"
	"github.com/tetherproj/tether/internal/sshtest"
)

func serverEndpoint(t *testing.T, s *sshtest.Server) endpoint.Endpoint {
	t.Helper()
	host, port := sshtest.ParseAddr(t, s.Addr())
	return endpoint.New(host, port)
}

func testCred() *credential.Credential {
	return credential.New().WithVerifier(hostkey.TrustAll())
}

// testListener adapts two funcs to the conn.Listener interface.
type testListener struct {
	onClosed func(cause error)
	onReset  func()
}

func (l *testListener) OnClosed(cause error) {
	if l.onClosed != nil {
		l.onClosed(cause)
	}
}

func (l *testListener) OnReset() {
	if l.onReset != nil {
		l.onReset()
	}
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

func TestGetOrCreateDoesNoIO(t *testing.T) {
	reg := conn.NewRegistry()
	ep := endpoint.New("192.0.2.1", 22)

	c := reg.GetOrCreate(ep, testCred())
	if c.IsOpen() || c.IsAuthenticated() || c.IsClosed() || c.IsLost() {
		t.Fatalf("fresh conn state: open=%v auth=%v closed=%v lost=%v, want all false",
			c.IsOpen(), c.IsAuthenticated(), c.IsClosed(), c.IsLost())
	}
	if c.Endpoint() != ep {
		t.Fatalf("Endpoint = %s, want %s", c.Endpoint(), ep)
	}
	if reg.GetOrCreate(ep, testCred()) != c {
		t.Fatal("second lookup created a second instance")
	}
}

func TestConnectAndAuthenticateCachesInstance(t *testing.T) {
	rec := sshtest.NewRecorder()
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithRecorder(rec))
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	defer reg.CloseAll()

	c1, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}
	if !c1.IsOpen() || !c1.IsAuthenticated() {
		t.Fatalf("after authenticate: open=%v auth=%v, want both true", c1.IsOpen(), c1.IsAuthenticated())
	}

	c2, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("second ConnectAndAuthenticate: %v", err)
	}
	if c1 != c2 {
		t.Fatal("second request returned a different instance")
	}
	if got := rec.Count("none"); got != 1 {
		t.Fatalf("server saw %d auth attempts, want 1", got)
	}
}

func TestConcurrentCallersShareOneHandshake(t *testing.T) {
	rec := sshtest.NewRecorder()
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithRecorder(rec))
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	defer reg.CloseAll()
	cred := testCred()

	const n = 8
	conns := make([]*conn.Conn, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = reg.ConnectAndAuthenticate(context.Background(), ep, cred)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if conns[i] != conns[0] {
			t.Fatal("concurrent callers received different instances")
		}
	}
	if got := rec.Count("none"); got != 1 {
		t.Fatalf("server saw %d auth attempts, want 1", got)
	}
}

func TestCloseRemovesAndNotifiesOnce(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth())
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	c, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}

	var mu sync.Mutex
	var causes []error
	c.AddListener(&testListener{onClosed: func(cause error) {
		mu.Lock()
		causes = append(causes, cause)
		mu.Unlock()
	}})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !c.IsClosed() || c.IsOpen() {
		t.Fatalf("after close: closed=%v open=%v", c.IsClosed(), c.IsOpen())
	}

	mu.Lock()
	if len(causes) != 1 || causes[0] != nil {
		t.Fatalf("close notifications = %v, want exactly one nil cause", causes)
	}
	mu.Unlock()

	if reg.GetOrCreate(ep, testCred()) == c {
		t.Fatal("closed conn still cached")
	}
}

func TestTransportLossAndReset(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth())
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	defer reg.CloseAll()
	c, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}

	closedCh := make(chan error, 1)
	resetCh := make(chan struct{}, 1)
	c.AddListener(&testListener{
		onClosed: func(cause error) { closedCh <- cause },
		onReset:  func() { resetCh <- struct{}{} },
	})

	srv.Drop()

	select {
	case cause := <-closedCh:
		if cause == nil {
			t.Fatal("transport loss reported a nil cause")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the closed broadcast")
	}
	if !c.IsLost() {
		t.Fatal("connection not reported lost after the drop")
	}
	if !c.IsAuthenticated() {
		t.Fatal("authenticated flag did not survive the loss")
	}

	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	// Reset must finish its broadcast before returning.
	select {
	case <-resetCh:
	default:
		t.Fatal("reset broadcast had not fired when Reset returned")
	}
	if !c.IsOpen() {
		t.Fatal("connection not open after reset")
	}
}

func TestConnectAndAuthenticateRevivesLostConn(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth())
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	defer reg.CloseAll()
	c1, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}

	srv.Drop()
	waitLost(t, c1)

	c2, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate after loss: %v", err)
	}
	if c2 != c1 {
		t.Fatal("revival replaced the cached instance")
	}
	if !c2.IsOpen() {
		t.Fatal("connection not open after revival")
	}
}

func TestResetReplacesLiveTransport(t *testing.T) {
	rec := sshtest.NewRecorder()
	srv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithRecorder(rec))
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	defer reg.CloseAll()
	c, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}

	closedCh := make(chan error, 1)
	c.AddListener(&testListener{onClosed: func(cause error) { closedCh <- cause }})

	before := c.Client()
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.Client() == before {
		t.Fatal("reset kept the old transport")
	}
	if got := rec.Count("none"); got != 2 {
		t.Fatalf("server saw %d auth attempts, want 2", got)
	}

	// Tearing down the old transport ourselves must not read as a loss.
	select {
	case cause := <-closedCh:
		t.Fatalf("unexpected close broadcast after deliberate reset: %v", cause)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestResetAfterCloseFails(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth())
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	c, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}
	c.Close()

	err = c.Reset(context.Background())
	if err == nil {
		t.Fatal("Reset succeeded on a closed connection")
	}
	var re *conn.ResetError
	if !errors.As(err, &re) {
		t.Fatalf("error %v is not a ResetError", err)
	}
}

func TestConnectErrorTyped(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := sshtest.ParseAddr(t, l.Addr().String())
	l.Close()
	ep := endpoint.New(host, port)

	reg := conn.NewRegistry()
	_, err = reg.ConnectAndAuthenticate(context.Background(), ep,
		testCred().WithConnectTimeout(2*time.Second))
	if err == nil {
		t.Fatal("expected a connect error")
	}
	var ce *conn.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a ConnectError", err)
	}
	if ce.Endpoint != ep {
		t.Fatalf("ConnectError endpoint = %s, want %s", ce.Endpoint, ep)
	}
}

func TestAuthFailureTyped(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithPassword("right"))
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	cred := testCred().WithPassword("wrong").WithMethods(credential.Password)
	_, err := reg.ConnectAndAuthenticate(context.Background(), ep, cred)
	if err == nil {
		t.Fatal("expected an authentication error")
	}
	var ae *conn.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("error %v does not unwrap to an AuthError", err)
	}
	var ce *conn.ConnectError
	if errors.As(err, &ce) {
		t.Fatalf("auth failure classified as a connect error: %v", err)
	}

	// The entry survives for a later retry with better credentials.
	c := reg.GetOrCreate(ep, cred)
	if c.IsOpen() || c.IsClosed() {
		t.Fatalf("after auth failure: open=%v closed=%v, want both false", c.IsOpen(), c.IsClosed())
	}
}

func TestPurgeClosesAndRemoves(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithNoAuth())
	ep := serverEndpoint(t, srv)

	reg := conn.NewRegistry()
	c, err := reg.ConnectAndAuthenticate(context.Background(), ep, testCred())
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate: %v", err)
	}

	reg.Purge(ep)
	if !c.IsClosed() {
		t.Fatal("purged connection not closed")
	}
	if got := len(reg.Conns()); got != 0 {
		t.Fatalf("registry still holds %d connections", got)
	}
}

func TestRelayDialsThroughIntermediate(t *testing.T) {
	relayRec := sshtest.NewRecorder()
	relaySrv := sshtest.Start(t, sshtest.WithNoAuth(), sshtest.WithForwardTCP(), sshtest.WithRecorder(relayRec))
	targetSrv := sshtest.Start(t, sshtest.WithNoAuth())

	relayEP := serverEndpoint(t, relaySrv)
	targetEP := serverEndpoint(t, targetSrv)

	reg := conn.NewRegistry()
	defer reg.CloseAll()

	c, err := reg.ConnectAndAuthenticate(context.Background(), targetEP,
		testCred().WithRelay(relayEP))
	if err != nil {
		t.Fatalf("ConnectAndAuthenticate via relay: %v", err)
	}
	if !c.IsOpen() {
		t.Fatal("target connection not open")
	}
	if got := relayRec.Count("none"); got != 1 {
		t.Fatalf("relay saw %d auth attempts, want 1", got)
	}
	if got := len(reg.Conns()); got != 2 {
		t.Fatalf("registry holds %d connections, want relay and target", got)
	}
}
