package orchestrator

import "sync"

// sessionLocks serializes turns: one mutex per key, created on first use.
// Entries live for the process lifetime; the key space is bounded by the
// sessions a deployment actually serves.
type sessionLocks struct {
	locks sync.Map // key → *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (l *sessionLocks) Lock(key string) func() {
	entry, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := entry.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
