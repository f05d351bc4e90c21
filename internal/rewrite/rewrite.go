// Package rewrite rewrites host:port occurrences inside address strings so
// that traffic routes through claim-counted local tunnels instead of hitting
// unreachable hosts directly.
package rewrite

import (
	"context"
	"fmt"
	"regexp"

	"github.com/juju/collections/set"
	"github.com/juju/loggo/v2"

	"github.com/tetherproj/tether/internal/conn"
	"github.com/tetherproj/tether/internal/credential"
	"github.com/tetherproj/tether/internal/endpoint"
)

var logger = loggo.GetLogger("tether.rewrite")

// hostPortPattern finds host:port candidates in connection strings: a
// bracketed IPv6 literal or a hostname/IPv4 run followed by a numeric port.
// Candidates that do not parse as endpoints are left untouched.
var hostPortPattern = regexp.MustCompile(`(\[[0-9A-Fa-f:.]+\]|[A-Za-z0-9][A-Za-z0-9_.-]*):\d{1,5}`)

// Rewriter maps addresses onto tunnels held in a shared registry.
type Rewriter struct {
	reg *conn.Registry
}

// New returns a Rewriter acquiring its tunnels from reg.
func New(reg *conn.Registry) *Rewriter {
	return &Rewriter{reg: reg}
}

// Rewrite scans addr for host:port occurrences, opens one claim-counted
// tunnel per distinct target through the relay connection, and returns addr
// with every occurrence replaced by its tunnel's local bind. Surrounding text
// is preserved verbatim. The returned Lease owns one claim per tunnel;
// closing it releases them all. An addr with no host:port in it comes back
// unchanged with an empty lease.
func (r *Rewriter) Rewrite(ctx context.Context, addr string, relay endpoint.Endpoint, cred *credential.Credential) (string, *Lease, error) {
	targets := set.NewStrings(hostPortPattern.FindAllString(addr, -1)...)
	if targets.Size() == 0 {
		return addr, &Lease{}, nil
	}

	c, err := r.reg.ConnectAndAuthenticate(ctx, relay, cred)
	if err != nil {
		return "", nil, fmt.Errorf("relay %s: %w", relay, err)
	}

	lease := &Lease{}
	binds := make(map[string]string, targets.Size())
	for _, tgt := range targets.SortedValues() {
		ep, err := endpoint.Parse(tgt)
		if err != nil {
			logger.Debugf("leaving %q alone: %v", tgt, err)
			continue
		}
		tn, err := c.Tunnel(ep)
		if err != nil {
			lease.Close()
			return "", nil, fmt.Errorf("tunnel to %s via %s: %w", ep, relay, err)
		}
		lease.add(tn)
		binds[tgt] = tn.LocalAddr()
		logger.Debugf("rewrote %s as %s via %s", tgt, tn.LocalAddr(), relay)
	}

	out := hostPortPattern.ReplaceAllStringFunc(addr, func(m string) string {
		if bind, ok := binds[m]; ok {
			return bind
		}
		return m
	})
	return out, lease, nil
}
