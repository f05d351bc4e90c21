// Package keeper revives connections that lose their transport, retrying
// resets with doubling backoff.
package keeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/tetherproj/tether/internal/conn"
)

var logger = loggo.GetLogger("tether.keeper")

const (
	DefaultAttempts = 8
	DefaultDelay    = 500 * time.Millisecond
	DefaultMaxDelay = 30 * time.Second
)

var errClosedByUser = errors.New("connection closed by user")

// Keeper watches connections and resets them in the background after a
// transport loss. Retries stop on success, on user close, when the attempt
// budget runs out, or when the keeper itself is stopped.
type Keeper struct {
	clock    clock.Clock
	attempts int
	delay    time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
	watched map[*conn.Conn]*watcher
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithClock substitutes the clock that paces retry delays.
func WithClock(c clock.Clock) Option {
	return func(k *Keeper) { k.clock = c }
}

// WithAttempts caps reset attempts per transport loss.
func WithAttempts(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.attempts = n
		}
	}
}

// WithDelay sets the initial retry delay and the cap it doubles toward.
func WithDelay(initial, max time.Duration) Option {
	return func(k *Keeper) {
		if initial > 0 {
			k.delay = initial
		}
		if max > 0 {
			k.maxDelay = max
		}
	}
}

// New returns a Keeper with wall-clock pacing and default budgets.
func New(opts ...Option) *Keeper {
	k := &Keeper{
		clock:    clock.WallClock,
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
		maxDelay: DefaultMaxDelay,
		stop:     make(chan struct{}),
		watched:  make(map[*conn.Conn]*watcher),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Watch arms automatic reconnection for c. Watching the same connection
// twice is a no-op.
func (k *Keeper) Watch(c *conn.Conn) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	if _, ok := k.watched[c]; ok {
		return
	}
	w := &watcher{keeper: k, conn: c}
	k.watched[c] = w
	c.AddListener(w)
}

// Unwatch disarms reconnection for c.
func (k *Keeper) Unwatch(c *conn.Conn) {
	k.mu.Lock()
	w, ok := k.watched[c]
	if ok {
		delete(k.watched, c)
	}
	k.mu.Unlock()
	if ok {
		c.RemoveListener(w)
	}
}

// Stop abandons in-flight reconnect loops and stops watching everything.
// It blocks until the loops have exited.
func (k *Keeper) Stop() {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	k.stopped = true
	close(k.stop)
	watched := k.watched
	k.watched = make(map[*conn.Conn]*watcher)
	k.mu.Unlock()

	for c, w := range watched {
		c.RemoveListener(w)
	}
	k.wg.Wait()
}

// watcher is the listener registered on each watched connection.
type watcher struct {
	keeper *Keeper
	conn   *conn.Conn
}

func (w *watcher) OnClosed(cause error) {
	if cause == nil {
		// Deliberate close; nothing to revive.
		w.keeper.Unwatch(w.conn)
		return
	}
	w.keeper.spawn(w.conn)
}

func (w *watcher) OnReset() {}

func (k *Keeper) spawn(c *conn.Conn) {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	k.wg.Add(1)
	k.mu.Unlock()

	go func() {
		defer k.wg.Done()
		k.reconnect(c)
	}()
}

func (k *Keeper) reconnect(c *conn.Conn) {
	ep := c.Endpoint()
	logger.Infof("transport to %s lost, reconnecting", ep)

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if c.IsClosed() {
				return errClosedByUser
			}
			return c.Reset(context.Background())
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errClosedByUser)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("reconnect %s attempt %d: %v", ep, attempt, err)
		},
		Attempts:    k.attempts,
		Delay:       k.delay,
		MaxDelay:    k.maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       k.clock,
		Stop:        k.stop,
	})

	switch {
	case err == nil:
		logger.Infof("reconnected %s", ep)
	case errors.Is(err, errClosedByUser):
		logger.Debugf("reconnect %s abandoned: connection closed", ep)
	case retry.IsRetryStopped(err):
		logger.Debugf("reconnect %s abandoned: keeper stopped", ep)
	case retry.IsAttemptsExceeded(err):
		logger.Warningf("giving up on %s after %d attempts: %v", ep, k.attempts, retry.LastError(err))
	default:
		logger.Warningf("reconnect %s failed: %v", ep, err)
	}
}
