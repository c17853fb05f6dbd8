// Package mempool implements the deduplicated, order-preserving bag of
// pending events shared by the local API handlers and peer-gossip
// workers (spec §4.7, component C7). A single mutex keeps critical
// sections short, matching the discipline spec §5 requires of every
// shared resource in this system.
package mempool

import (
	"sync"

	"github.com/tos-network/smartdrive/chain"
)

// Mempool is a set of pending events keyed by uuid, with stable
// insertion order so a proposer's drain is reproducible.
type Mempool struct {
	mu     sync.Mutex
	order  []string
	byUUID map[string]chain.Event
}

// New returns an empty mempool.
func New() *Mempool {
	return &Mempool{byUUID: make(map[string]chain.Event)}
}

// Add inserts e if its uuid is not already present. Returns true if it
// was newly inserted (idempotent by uuid, spec §4.7/§8 law).
func (m *Mempool) Add(e chain.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byUUID[e.UUID]; exists {
		return false
	}
	m.byUUID[e.UUID] = e
	m.order = append(m.order, e.UUID)
	return true
}

// Len returns the current pending count.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Drain removes and returns up to n of the oldest pending events,
// preserving insertion order; this order becomes the block's event
// order (spec §4.10 step 3).
func (m *Mempool) Drain(n int) []chain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.order) {
		n = len(m.order)
	}
	out := make([]chain.Event, 0, n)
	for i := 0; i < n; i++ {
		uuid := m.order[i]
		out = append(out, m.byUUID[uuid])
		delete(m.byUUID, uuid)
	}
	m.order = m.order[n:]
	return out
}

// RemoveByUUIDs drops entries by uuid, used by the ingestor after a
// remote block has been applied (spec §4.10 ingest step 3).
func (m *Mempool) RemoveByUUIDs(uuids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(uuids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(uuids))
	for _, u := range uuids {
		drop[u] = struct{}{}
	}
	kept := m.order[:0:0]
	for _, u := range m.order {
		if _, ok := drop[u]; ok {
			delete(m.byUUID, u)
			continue
		}
		kept = append(kept, u)
	}
	m.order = kept
}
