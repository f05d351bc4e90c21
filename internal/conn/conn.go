// Package conn manages shared transport connections: one cached, identity
// stable connection per endpoint, with in-place reconnection and claim
// counted tunnels built on top.
package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/juju/loggo/v2"
	"golang.org/x/crypto/ssh"

	"github.com/tetherproj/tether/internal/credential"
	"github.com/tetherproj/tether/internal/endpoint"
)

var logger = loggo.GetLogger("tether.conn")

// Conn is the cached wrapper around one transport connection to one endpoint.
// At most one live Conn exists per endpoint within a Registry. Callers share
// the instance; its identity is stable across resets.
type Conn struct {
	ep   endpoint.Endpoint
	cred *credential.Credential
	reg  *Registry

	mu       sync.Mutex
	raw      net.Conn    // pre-dialed transport, consumed by the first auth attempt
	client   *ssh.Client // live authenticated transport
	gen      int         // transport generation; orphans stale loss watchers
	everAuth bool
	closed   bool // terminal, user requested

	// resetMu serializes Reset's transport teardown and rebuild so two
	// concurrent resets cannot interleave handshakes.
	resetMu sync.Mutex

	bcast *Broadcaster

	tmu     sync.Mutex
	tunnels map[string]*Tunnel
	streams map[string]*StreamTunnel
}

func newConn(r *Registry, ep endpoint.Endpoint, cred *credential.Credential) *Conn {
	return &Conn{
		ep:      ep,
		cred:    cred,
		reg:     r,
		bcast:   newBroadcaster(),
		tunnels: make(map[string]*Tunnel),
		streams: make(map[string]*StreamTunnel),
	}
}

// Endpoint returns the endpoint this connection serves.
func (c *Conn) Endpoint() endpoint.Endpoint { return c.ep }

// IsOpen reports whether a live authenticated transport is present.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && !c.closed
}

// IsAuthenticated reports whether this connection has ever authenticated.
// It stays true while the transport is lost, since the credential is known
// good and a reset can revive the connection.
func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everAuth
}

// IsLost reports whether an authenticated transport has dropped and not yet
// been reset.
func (c *Conn) IsLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everAuth && c.client == nil && !c.closed
}

// IsClosed reports whether the connection was closed by its user.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AddListener registers a lifecycle listener.
func (c *Conn) AddListener(l Listener) { c.bcast.Add(l) }

// RemoveListener unregisters a lifecycle listener.
func (c *Conn) RemoveListener(l Listener) { c.bcast.Remove(l) }

// Client returns the current transport, or nil when the connection is not
// open. The transport is owned by the Conn; callers must not close it.
func (c *Conn) Client() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Connect establishes the raw transport dial without authenticating.
// Calling it on an already connected instance is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectError{Endpoint: c.ep, Err: errors.New("connection is closed")}
	}
	if c.client != nil || c.raw != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	raw, err := c.reg.dial(ctx, c.ep, c.cred)
	if err != nil {
		return &ConnectError{Endpoint: c.ep, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		raw.Close()
		return &ConnectError{Endpoint: c.ep, Err: errors.New("connection is closed")}
	}
	if c.client != nil || c.raw != nil {
		raw.Close()
		return nil
	}
	c.raw = raw
	return nil
}

// Reset tears down any existing transport, re-establishes it to the same
// endpoint with the same credential, and re-runs authentication. On success
// every listener's reset hook has fired before Reset returns, so a caller
// that resets and immediately asks for a tunnel sees consistent state.
// Tunnels keep their identity and claim counts across a reset.
func (c *Conn) Reset(ctx context.Context) error {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ResetError{Endpoint: c.ep, Err: errors.New("connection is closed")}
	}
	old := c.client
	c.client = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	client, ok, err := c.reg.engine.Authenticate(ctx, c.ep, c.cred, c.dialFunc())
	if err != nil {
		return &ResetError{Endpoint: c.ep, Err: err}
	}
	if !ok {
		return &ResetError{Endpoint: c.ep, Err: &AuthError{Endpoint: c.ep}}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		client.Close()
		return &ResetError{Endpoint: c.ep, Err: errors.New("connection closed during reset")}
	}
	c.client = client
	c.everAuth = true
	c.mu.Unlock()

	c.install(client, gen)
	c.bcast.broadcastReset()
	logger.Infof("connection to %s established as %s", c.ep, c.cred.User())
	return nil
}

// install starts the loss watcher for a freshly published transport. The
// broadcaster is rearmed before the watcher starts: a transport can die the
// moment it is installed, and a loss broadcast while the previous close is
// still armed would be swallowed as a duplicate.
func (c *Conn) install(client *ssh.Client, gen int) {
	c.bcast.rearm()
	go c.watch(client, gen)
}

// Close shuts the connection down for good: the transport is torn down, all
// tunnels are hard-closed regardless of claims, listeners see a single close
// with a nil cause, and the connection leaves its registry. Closing twice is
// a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	client := c.client
	raw := c.raw
	c.client = nil
	c.raw = nil
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if raw != nil {
		raw.Close()
	}

	c.closeTunnels()
	c.bcast.broadcastClosed(nil)
	c.reg.remove(c)
	logger.Debugf("connection to %s closed", c.ep)
	return nil
}

// watch blocks on the transport until it dies and broadcasts the loss.
// A reset or close bumps the generation first, which orphans the watcher for
// the transport it deliberately tore down.
func (c *Conn) watch(client *ssh.Client, gen int) {
	err := client.Wait()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.client = nil
	userClosed := c.closed
	c.mu.Unlock()

	if userClosed {
		return
	}
	if err == nil {
		err = io.EOF
	}
	logger.Warningf("transport to %s lost: %v", c.ep, err)
	c.bcast.broadcastClosed(err)
}

// dialFunc supplies raw transport connections to the authentication engine.
// The first call consumes the connection pre-dialed by Connect, if any.
func (c *Conn) dialFunc() func(ctx context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		c.mu.Lock()
		raw := c.raw
		c.raw = nil
		c.mu.Unlock()
		if raw != nil {
			return raw, nil
		}
		return c.reg.dial(ctx, c.ep, c.cred)
	}
}

// DialThrough opens a raw connection to target through this connection's
// transport.
func (c *Conn) DialThrough(ctx context.Context, target endpoint.Endpoint) (net.Conn, error) {
	client := c.Client()
	if client == nil {
		return nil, &ConnectError{Endpoint: c.ep, Err: ErrNotConnected}
	}
	return client.DialContext(ctx, "tcp", target.String())
}

// closeTunnels hard-closes every tunnel and stream, ignoring claims.
func (c *Conn) closeTunnels() {
	c.tmu.Lock()
	tunnels := make([]*Tunnel, 0, len(c.tunnels))
	for _, t := range c.tunnels {
		tunnels = append(tunnels, t)
	}
	streams := make([]*StreamTunnel, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.tunnels = make(map[string]*Tunnel)
	c.streams = make(map[string]*StreamTunnel)
	c.tmu.Unlock()

	for _, t := range tunnels {
		t.hardClose()
		c.bcast.Remove(t)
	}
	for _, s := range streams {
		s.hardClose()
		c.bcast.Remove(s)
	}
}

// Tunnels returns a snapshot of the active socket tunnels.
func (c *Conn) Tunnels() []*Tunnel {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	out := make([]*Tunnel, 0, len(c.tunnels))
	for _, t := range c.tunnels {
		out = append(out, t)
	}
	return out
}
