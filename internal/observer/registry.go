// Package observer aggregates what a run produced: the compact identifier
// space for exit relays referenced from traces, and the end-of-run summary
// built from per-client records and the adversary's terminal state.
package observer

import (
	"sync"

	"github.com/anonmetrics/tornet-simulator/netdoc"
)

// ExitIDRegistry maps exit relay fingerprints to compact numeric identifiers
// for trace output. Identifiers are assigned in consensus order the first
// time a fingerprint is seen, start at 1, and are never reused or reassigned;
// identifier 0 means unknown.
//
// The scheduler feeds it each consensus after adversary mutation, so injected
// exits receive stable identifiers exactly like long-lived real exits.
// Lookups are safe under concurrent readers while an epoch runs.
type ExitIDRegistry struct {
	mu   sync.RWMutex
	ids  map[string]uint64
	next uint64
}

// NewExitIDRegistry constructs an empty registry.
func NewExitIDRegistry() *ExitIDRegistry {
	return &ExitIDRegistry{ids: make(map[string]uint64), next: 1}
}

// AddConsensus registers every exit-flagged relay the registry has not seen
// yet, in consensus order. It returns how many identifiers were newly
// assigned.
func (r *ExitIDRegistry) AddConsensus(c *netdoc.Consensus) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, relay := range c.Relays {
		if !relay.Flags.Has(netdoc.FlagExit) {
			continue
		}
		if _, known := r.ids[relay.Fingerprint]; known {
			continue
		}
		r.ids[relay.Fingerprint] = r.next
		r.next++
		added++
	}
	return added
}

// ID returns the identifier for fp, or 0 and false when fp was never
// registered.
func (r *ExitIDRegistry) ID(fp string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[fp]
	return id, ok
}

// Len returns how many exit identifiers have been assigned.
func (r *ExitIDRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}
