package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tetherproj/tether/internal/endpoint"
)

// Tunnel is a claim-counted local forwarding socket. Each request for the
// same target on the same connection returns the same Tunnel with one more
// claim; each Close releases one. The listener is torn down when the last
// claim is released or when the parent connection is closed by its user.
// Forwarded connections always ride the parent's current transport, so a
// Tunnel held across a Reset keeps working without re-acquisition.
type Tunnel struct {
	parent   *Conn
	target   endpoint.Endpoint
	listener net.Listener

	claims atomic.Int32
	open   atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// Tunnel returns a claim on a forwarding socket for target, binding an
// ephemeral local port if no tunnel to that target exists yet.
func (c *Conn) Tunnel(target endpoint.Endpoint) (*Tunnel, error) {
	return c.TunnelAt(0, target)
}

// TunnelAt is Tunnel with a fixed local port. Requesting a target that is
// already forwarded from a different local port is an error.
func (c *Conn) TunnelAt(port int, target endpoint.Endpoint) (*Tunnel, error) {
	key := target.String()

	c.tmu.Lock()
	defer c.tmu.Unlock()

	// Checked under tmu: Close marks the connection before sweeping the
	// tunnel maps under the same lock, so a tunnel can never be added
	// behind the sweep.
	if c.IsClosed() {
		return nil, &ConnectError{Endpoint: c.ep, Err: errors.New("connection is closed")}
	}

	if t, ok := c.tunnels[key]; ok {
		if t.isOpen() {
			if port != 0 && t.LocalPort() != port {
				return nil, fmt.Errorf("%s is already forwarded from %s", target, t.LocalAddr())
			}
			if t.tryClaim() {
				return t, nil
			}
		}
		// A concurrent release closed it under us; replace it.
		delete(c.tunnels, key)
		c.bcast.Remove(t)
	}

	t, err := c.newTunnel(port, target)
	if err != nil {
		return nil, err
	}
	c.tunnels[key] = t
	c.bcast.Add(t)
	return t, nil
}

// newTunnel binds the local listener and starts the accept loop. Callers hold
// c.tmu. The new tunnel starts with one claim owned by the caller.
func (c *Conn) newTunnel(port int, target endpoint.Endpoint) (*Tunnel, error) {
	listenAddr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s for %s: %w", listenAddr, target, err)
	}

	t := &Tunnel{
		parent:   c,
		target:   target,
		listener: listener,
		done:     make(chan struct{}),
	}
	t.claims.Store(1)
	t.open.Store(true)

	go t.acceptLoop()

	logger.Infof("forwarding %s to %s via %s", t.LocalAddr(), target, c.ep)
	return t, nil
}

func (t *Tunnel) acceptLoop() {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			// listener.Close() causes Accept to return an error;
			// check if we were asked to stop.
			select {
			case <-t.done:
			default:
				logger.Warningf("tunnel %s: accept: %v", t.LocalAddr(), err)
			}
			return
		}
		go t.serve(local)
	}
}

// serve forwards one accepted connection. The transport is looked up per
// connection, not captured at tunnel creation, so connections accepted after
// a reset ride the replacement transport.
func (t *Tunnel) serve(local net.Conn) {
	client := t.parent.Client()
	if client == nil {
		logger.Warningf("tunnel %s: %s is not connected, dropping forward to %s",
			t.LocalAddr(), t.parent.Endpoint(), t.target)
		local.Close()
		return
	}

	remote, err := client.Dial("tcp", t.target.String())
	if err != nil {
		logger.Warningf("tunnel %s: dial %s: %v", t.LocalAddr(), t.target, err)
		local.Close()
		return
	}

	relay(local, remote)
}

// relay copies data bidirectionally until both directions finish. Each side
// is closed as soon as the opposite direction ends so that an EOF from one
// peer propagates to the other instead of stalling the relay.
func relay(local net.Conn, remote net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
		remote.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
		local.Close()
	}()
	wg.Wait()
}

// tryClaim adds a claim unless the count already reached zero. Zero means a
// releaser owns teardown; the tunnel must not be handed out again.
func (t *Tunnel) tryClaim() bool {
	for {
		n := t.claims.Load()
		if n <= 0 {
			return false
		}
		if t.claims.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Close releases one claim. Only the release that takes the count to zero
// tears the listener down and removes the tunnel from its parent. Releasing
// more times than claimed is a logged no-op.
func (t *Tunnel) Close() error {
	for {
		n := t.claims.Load()
		if n <= 0 {
			logger.Debugf("tunnel %s: released with no claims held", t.LocalAddr())
			return nil
		}
		if !t.claims.CompareAndSwap(n, n-1) {
			continue
		}
		if n > 1 {
			return nil
		}
		t.parent.dropTunnel(t)
		t.hardClose()
		return nil
	}
}

// hardClose tears the listener down regardless of claims. Used by the final
// release and by parent connection close.
func (t *Tunnel) hardClose() {
	t.closeOnce.Do(func() {
		t.open.Store(false)
		close(t.done)
		t.listener.Close()
		logger.Debugf("tunnel %s to %s closed", t.LocalAddr(), t.target)
	})
}

// dropTunnel removes t from the tunnel map if it is still the registered
// instance for its target.
func (c *Conn) dropTunnel(t *Tunnel) {
	key := t.target.String()
	c.tmu.Lock()
	if cur, ok := c.tunnels[key]; ok && cur == t {
		delete(c.tunnels, key)
	}
	c.tmu.Unlock()
	c.bcast.Remove(t)
}

// OnClosed implements Listener. A clean close of the parent connection shuts
// the tunnel down regardless of claims. Transport loss leaves the listener
// bound so held claims survive until a reset revives the transport.
func (t *Tunnel) OnClosed(cause error) {
	if cause == nil {
		t.hardClose()
		return
	}
	logger.Debugf("tunnel %s: transport to %s lost, holding listener for reset", t.LocalAddr(), t.parent.Endpoint())
}

// OnReset implements Listener. Nothing to rebuild eagerly: forwarded
// connections bind to the current transport as they are accepted.
func (t *Tunnel) OnReset() {
	logger.Debugf("tunnel %s: transport to %s reset", t.LocalAddr(), t.parent.Endpoint())
}

// LocalAddr returns the bound listener address, e.g. "127.0.0.1:39114".
func (t *Tunnel) LocalAddr() string { return t.listener.Addr().String() }

// LocalPort returns the bound local port.
func (t *Tunnel) LocalPort() int { return t.listener.Addr().(*net.TCPAddr).Port }

// Target returns the remote endpoint this tunnel forwards to.
func (t *Tunnel) Target() endpoint.Endpoint { return t.target }

// Claims returns the number of outstanding holders.
func (t *Tunnel) Claims() int { return int(t.claims.Load()) }

func (t *Tunnel) isOpen() bool { return t.open.Load() }
