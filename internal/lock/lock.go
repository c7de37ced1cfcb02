// Package lock implements the single-permit interactive-prompt lock: the
// one resource genuinely shared across concurrently-running node pipelines.
// Any component that is about to own the user's real terminal (the PTY
// harness while in raw mode, anything reading stdin directly) must hold it;
// the status board consults its availability to decide whether it is safe
// to render without colliding with a live prompt.
package lock

// Lock is a single-permit counting semaphore modeled as a buffered channel
// of capacity 1, pre-filled with one token. This mirrors a real mutex but
// also lets Available() peek at occupancy without blocking, which a
// sync.Mutex cannot do.
type Lock struct {
	ch chan struct{}
}

// New returns a lock with its one permit available.
func New() *Lock {
	l := &Lock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Acquire blocks until the permit is available, then takes it.
func (l *Lock) Acquire() {
	<-l.ch
}

// Release returns the permit.
func (l *Lock) Release() {
	l.ch <- struct{}{}
}

// Available reports whether the permit is currently free, i.e. nobody holds
// the lock. This is what the status board checks before rendering above a
// live prompt.
func (l *Lock) Available() bool {
	return len(l.ch) == 1
}
