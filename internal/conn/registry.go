package conn

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/im7mortal/kmutex"

	"github.com/tetherproj/tether/internal/auth"
	"github.com/tetherproj/tether/internal/credential"
	"github.com/tetherproj/tether/internal/endpoint"
)

// Registry caches connections by endpoint: every caller asking for the same
// endpoint shares the same Conn instance. Construction and transport work are
// serialized per endpoint, so concurrent callers racing for a cold endpoint
// trigger exactly one dial and one handshake.
type Registry struct {
	conns  sync.Map // endpoint string -> *Conn
	locks  *kmutex.Kmutex
	engine *auth.Engine
}

// NewRegistry returns an empty registry with its own authentication success
// cache.
func NewRegistry() *Registry {
	return &Registry{
		locks:  kmutex.New(),
		engine: auth.NewEngine(),
	}
}

// GetOrCreate returns the cached connection for ep, creating it without any
// network I/O on first request. The credential binds on creation; callers
// arriving later share the instance and its credential.
func (r *Registry) GetOrCreate(ep endpoint.Endpoint, cred *credential.Credential) *Conn {
	key := ep.String()
	if c, ok := r.conns.Load(key); ok {
		if conn := c.(*Conn); !conn.IsClosed() {
			return conn
		}
	}

	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	if c, ok := r.conns.Load(key); ok {
		if conn := c.(*Conn); !conn.IsClosed() {
			return conn
		}
	}
	c := newConn(r, ep, cred)
	r.conns.Store(key, c)
	return c
}

// Connect returns the cached connection for ep with its raw transport
// dialed. No authentication is attempted.
func (r *Registry) Connect(ctx context.Context, ep endpoint.Endpoint, cred *credential.Credential) (*Conn, error) {
	key := ep.String()
	for {
		c := r.GetOrCreate(ep, cred)

		r.locks.Lock(key)
		if c.IsClosed() {
			// Lost a race with Close; the next lookup creates a fresh conn.
			r.locks.Unlock(key)
			continue
		}
		err := c.Connect(ctx)
		r.locks.Unlock(key)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ConnectAndAuthenticate returns the cached connection for ep in an open,
// authenticated state. A connection that is already open is returned as is;
// otherwise the transport is dialed and authenticated while the per-endpoint
// lock is held, so concurrent callers share a single handshake.
func (r *Registry) ConnectAndAuthenticate(ctx context.Context, ep endpoint.Endpoint, cred *credential.Credential) (*Conn, error) {
	key := ep.String()
	for {
		c := r.GetOrCreate(ep, cred)

		r.locks.Lock(key)
		if c.IsClosed() {
			// Lost a race with Close; the next lookup creates a fresh conn.
			r.locks.Unlock(key)
			continue
		}
		if c.IsOpen() {
			r.locks.Unlock(key)
			return c, nil
		}
		err := c.Connect(ctx)
		if err == nil {
			err = c.Reset(ctx)
		}
		r.locks.Unlock(key)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// dial opens the raw transport to ep, directly or through the credential's
// relay. A relay that names ep itself is ignored: routing an endpoint through
// its own per-endpoint lock would deadlock, so it is dialed directly.
func (r *Registry) dial(ctx context.Context, ep endpoint.Endpoint, cred *credential.Credential) (net.Conn, error) {
	if relay, ok := cred.Relay(); ok && relay != ep {
		rc, err := r.ConnectAndAuthenticate(ctx, relay, cred.WithoutRelay())
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", relay, err)
		}
		return rc.DialThrough(ctx, ep)
	}
	d := net.Dialer{Timeout: cred.ConnectTimeout()}
	return d.DialContext(ctx, "tcp", ep.String())
}

// Purge closes and removes the connection for ep, if one is cached.
func (r *Registry) Purge(ep endpoint.Endpoint) {
	if c, ok := r.conns.Load(ep.String()); ok {
		c.(*Conn).Close()
	}
}

// CloseAll closes every cached connection.
func (r *Registry) CloseAll() {
	r.conns.Range(func(_, v any) bool {
		v.(*Conn).Close()
		return true
	})
}

// Conns returns a snapshot of the cached connections.
func (r *Registry) Conns() []*Conn {
	var out []*Conn
	r.conns.Range(func(_, v any) bool {
		out = append(out, v.(*Conn))
		return true
	})
	return out
}

// remove drops c from the cache if it is still the registered instance for
// its endpoint.
func (r *Registry) remove(c *Conn) {
	r.conns.CompareAndDelete(c.ep.String(), c)
}
