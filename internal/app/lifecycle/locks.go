package lifecycle

import "sync"

// orderLocks serializes transitions per order. Transitions on different
// orders run in parallel; two on the same order must not race the ledger.
type orderLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{entries: make(map[string]*lockEntry)}
}

func (l *orderLocks) lock(orderID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[orderID]
	if !ok {
		entry = &lockEntry{}
		l.entries[orderID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, orderID)
		}
		l.mu.Unlock()
	}
}
