// Package probe checks TCP reachability of endpoints with bounded
// concurrency.
package probe

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/loggo/v2"

	"github.com/tetherproj/tether/internal/endpoint"
)

var logger = loggo.GetLogger("tether.probe")

const (
	defaultConcurrency = 20
	defaultTimeout     = 2 * time.Second
)

// Target names one address to probe. The label is carried through to the
// result untouched, so callers can tag probes with whatever they route on.
type Target struct {
	Label    string
	Endpoint endpoint.Endpoint
}

// Result is the outcome of probing one target.
type Result struct {
	Target  Target
	Up      bool
	Latency time.Duration
	Err     error
}

// Prober dials targets over TCP and reports reachability and latency.
type Prober struct {
	// Concurrency bounds the number of parallel dials. If zero, defaults
	// to 20.
	Concurrency int

	// Timeout bounds each dial. If zero, defaults to 2 seconds.
	Timeout time.Duration
}

// Run probes all targets in parallel, bounded by the concurrency limit.
// Results are returned in the same order as the input targets slice.
func (p *Prober) Run(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))
	if len(targets) == 0 {
		return results
	}

	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, target := range targets {
		wg.Add(1)
		go func(idx int, tgt Target) {
			defer wg.Done()

			// Acquire semaphore, respecting context cancellation.
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = Result{Target: tgt, Err: ctx.Err()}
				return
			}

			results[idx] = p.probe(ctx, tgt)
		}(i, target)
	}

	wg.Wait()
	return results
}

func (p *Prober) probe(ctx context.Context, tgt Target) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", tgt.Endpoint.String())
	latency := time.Since(start)
	if err != nil {
		logger.Debugf("probe %s: %v", tgt.Endpoint, err)
		return Result{Target: tgt, Latency: latency, Err: err}
	}
	conn.Close()
	return Result{Target: tgt, Up: true, Latency: latency}
}
