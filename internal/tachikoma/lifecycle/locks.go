package lifecycle

import "sync"

// identityLocks serializes lifecycle operations per agent identity. Records
// are single-writer; two operations against the same agent must queue, while
// operations against different agents proceed in parallel.
type identityLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the identity lock is held and returns the release
// function. Entries are reference-counted so the map does not grow with
// every identity ever seen.
func (l *identityLocks) Acquire(id string) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() { l.release(id, e) }
}

// TryAcquire attempts the identity lock without blocking. It returns the
// release function and true on success. The reconciler uses this so a
// committed operator action always wins over a drift correction.
func (l *identityLocks) TryAcquire(id string) (func(), bool) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	if !e.mu.TryLock() {
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
		return nil, false
	}
	return func() { l.release(id, e) }, true
}

func (l *identityLocks) release(id string, e *lockEntry) {
	e.mu.Unlock()
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
	l.mu.Unlock()
}
