// archive.go keeps a bounded in-memory history of observed liquidations
// for the UI's recent-events endpoint.
package hunter

import (
	"sync"

	"liqhunter/pkg/types"
)

const archiveCapacity = 1000

// Archive is a fixed-capacity ring of recent liquidation events.
type Archive struct {
	mu     sync.RWMutex
	events []types.LiquidationEvent
	head   int
	filled bool
}

// NewArchive creates an archive holding the last archiveCapacity events.
func NewArchive() *Archive {
	return &Archive{events: make([]types.LiquidationEvent, archiveCapacity)}
}

// Add records one event, overwriting the oldest when full.
func (a *Archive) Add(evt types.LiquidationEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[a.head] = evt
	a.head = (a.head + 1) % len(a.events)
	if a.head == 0 {
		a.filled = true
	}
}

// Recent returns up to limit events, newest first.
func (a *Archive) Recent(limit int) []types.LiquidationEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	size := a.head
	if a.filled {
		size = len(a.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]types.LiquidationEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.head - i + len(a.events)) % len(a.events)
		out = append(out, a.events[idx])
	}
	return out
}

// Len reports how many events are stored.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.filled {
		return len(a.events)
	}
	return a.head
}
