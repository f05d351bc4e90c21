package rewrite

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tetherproj/tether/internal/conn"
)

// Lease bundles the tunnel claims behind one rewritten address. The lease
// holds exactly one claim per distinct target; Close releases them all.
// Closing twice is a no-op.
type Lease struct {
	once    sync.Once
	tunnels []*conn.Tunnel
}

func (l *Lease) add(t *conn.Tunnel) {
	l.tunnels = append(l.tunnels, t)
}

// Tunnels returns the tunnels backing the lease.
func (l *Lease) Tunnels() []*conn.Tunnel {
	return append([]*conn.Tunnel(nil), l.tunnels...)
}

// Close releases every claim held by the lease.
func (l *Lease) Close() error {
	var err error
	l.once.Do(func() {
		var g errgroup.Group
		for _, t := range l.tunnels {
			g.Go(t.Close)
		}
		err = g.Wait()
	})
	return err
}
