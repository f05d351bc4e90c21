package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tetherproj/tether/internal/endpoint"
)

// StreamTunnel is the socketless sibling of Tunnel: instead of binding a
// local listener it hands out forwarding streams directly, for callers that
// live in-process and do not want the extra socket hop. Claim counting works
// exactly as for Tunnel.
type StreamTunnel struct {
	parent *Conn
	target endpoint.Endpoint

	claims atomic.Int32
	open   atomic.Bool

	closeOnce sync.Once
}

// StreamTunnel returns a claim on a stream forwarder for target.
func (c *Conn) StreamTunnel(target endpoint.Endpoint) (*StreamTunnel, error) {
	key := target.String()

	c.tmu.Lock()
	defer c.tmu.Unlock()

	// Same discipline as TunnelAt: the closed check lives under tmu so the
	// insert cannot race Close's sweep.
	if c.IsClosed() {
		return nil, &ConnectError{Endpoint: c.ep, Err: errors.New("connection is closed")}
	}

	if s, ok := c.streams[key]; ok {
		if s.isOpen() && s.tryClaim() {
			return s, nil
		}
		delete(c.streams, key)
		c.bcast.Remove(s)
	}

	s := &StreamTunnel{parent: c, target: target}
	s.claims.Store(1)
	s.open.Store(true)
	c.streams[key] = s
	c.bcast.Add(s)
	return s, nil
}

// Open establishes one forwarding stream to the target over the parent's
// current transport. The caller owns the returned conn and must close it.
// Streams opened before a reset die with the old transport; streams opened
// after ride the new one.
func (s *StreamTunnel) Open(ctx context.Context) (net.Conn, error) {
	if !s.isOpen() {
		return nil, fmt.Errorf("stream tunnel to %s is closed", s.target)
	}
	client := s.parent.Client()
	if client == nil {
		return nil, &ConnectError{Endpoint: s.parent.Endpoint(), Err: ErrNotConnected}
	}
	return client.DialContext(ctx, "tcp", s.target.String())
}

func (s *StreamTunnel) tryClaim() bool {
	for {
		n := s.claims.Load()
		if n <= 0 {
			return false
		}
		if s.claims.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Close releases one claim; the release that reaches zero retires the tunnel.
// Streams already handed out by Open are owned by their callers and are not
// chased here.
func (s *StreamTunnel) Close() error {
	for {
		n := s.claims.Load()
		if n <= 0 {
			logger.Debugf("stream tunnel to %s: released with no claims held", s.target)
			return nil
		}
		if !s.claims.CompareAndSwap(n, n-1) {
			continue
		}
		if n > 1 {
			return nil
		}
		s.parent.dropStream(s)
		s.hardClose()
		return nil
	}
}

func (s *StreamTunnel) hardClose() {
	s.closeOnce.Do(func() {
		s.open.Store(false)
		logger.Debugf("stream tunnel to %s closed", s.target)
	})
}

func (c *Conn) dropStream(s *StreamTunnel) {
	key := s.target.String()
	c.tmu.Lock()
	if cur, ok := c.streams[key]; ok && cur == s {
		delete(c.streams, key)
	}
	c.tmu.Unlock()
	c.bcast.Remove(s)
}

// OnClosed implements Listener.
func (s *StreamTunnel) OnClosed(cause error) {
	if cause == nil {
		s.hardClose()
		return
	}
	logger.Debugf("stream tunnel to %s: transport lost, holding for reset", s.target)
}

// OnReset implements Listener.
func (s *StreamTunnel) OnReset() {
	logger.Debugf("stream tunnel to %s: transport reset", s.target)
}

// Target returns the remote endpoint this tunnel forwards to.
func (s *StreamTunnel) Target() endpoint.Endpoint { return s.target }

// Claims returns the number of outstanding holders.
func (s *StreamTunnel) Claims() int { return int(s.claims.Load()) }

func (s *StreamTunnel) isOpen() bool { return s.open.Load() }
