package conn

import "sync"

// Listener observes a connection's lifecycle. OnClosed fires exactly once per
// close: a nil cause is a clean user-initiated close, a non-nil cause is
// transport loss. OnReset fires after every successful in-place reconnect.
type Listener interface {
	OnClosed(cause error)
	OnReset()
}

// Broadcaster fans lifecycle events out to registered listeners. Notification
// is best effort: a panicking listener is logged and the fan-out continues.
type Broadcaster struct {
	mu        sync.Mutex
	listeners []Listener
	closed    bool
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Add registers a listener. Listeners may be added at any point in the
// owning connection's life; past events are not replayed.
func (b *Broadcaster) Add(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Remove unregisters a listener by identity.
func (b *Broadcaster) Remove(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, have := range b.listeners {
		if have == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// broadcastClosed notifies every listener of a close, once. Later calls are
// no-ops until rearm. Reports whether this call performed the notification.
func (b *Broadcaster) broadcastClosed(cause error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	ls := b.snapshot()
	b.mu.Unlock()

	for _, l := range ls {
		notifyClosed(l, cause)
	}
	return true
}

// broadcastReset notifies every listener's reset hook.
func (b *Broadcaster) broadcastReset() {
	b.mu.Lock()
	ls := b.snapshot()
	b.mu.Unlock()

	for _, l := range ls {
		notifyReset(l)
	}
}

// rearm makes the next close broadcastable again after a successful reset.
func (b *Broadcaster) rearm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
}

// snapshot copies the listener list. Caller holds b.mu.
func (b *Broadcaster) snapshot() []Listener {
	ls := make([]Listener, len(b.listeners))
	copy(ls, b.listeners)
	return ls
}

func notifyClosed(l Listener, cause error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warningf("close listener panicked: %v", r)
		}
	}()
	l.OnClosed(cause)
}

func notifyReset(l Listener) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warningf("reset listener panicked: %v", r)
		}
	}()
	l.OnReset()
}
