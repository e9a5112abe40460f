// Package circuit builds three-hop relay paths over one consensus, weighting
// each hop choice by consensus bandwidth the way production path selection
// does: exit first under the port constraint, then guard, then middle, with
// relay and family reuse forbidden inside a path.
package circuit

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/anonmetrics/tornet-simulator/netdoc"
)

var (
	// ErrNotEnoughRelays marks a consensus that cannot support any circuit
	// for the configured ports.
	ErrNotEnoughRelays = errors.New("not enough suitable relays")
	// ErrNoCandidate marks a single path construction that ran out of
	// candidates under the distinctness constraints.
	ErrNoCandidate = errors.New("no candidate relay satisfies path constraints")
)

// maxPickAttempts bounds rejection sampling per hop before giving up on the
// path. Dense consensuses resolve in one or two picks; the bound only matters
// for degenerate relay sets.
const maxPickAttempts = 32

// Circuit is one selected path and the destination port it was built for.
type Circuit struct {
	Guard  *netdoc.Relay
	Middle *netdoc.Relay
	Exit   *netdoc.Relay
	Port   uint16
}

// Generator selects circuits over a fixed consensus. It is read-only after
// construction; concurrent Build calls are safe as long as every caller owns
// its *rand.Rand.
type Generator struct {
	guards      weightedSet
	middles     weightedSet
	exitsByPort map[uint16]weightedSet
	ports       []uint16
	ds          *netdoc.DescriptorSet
}

// NewGenerator precomputes the weighted candidate sets for the given target
// ports. It fails when the consensus has no usable guards or no exit usable
// for any target port.
func NewGenerator(c *netdoc.Consensus, ds *netdoc.DescriptorSet, ports []uint16) (*Generator, error) {
	if c == nil || len(c.Relays) == 0 {
		return nil, fmt.Errorf("%w: empty consensus", ErrNotEnoughRelays)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no target ports", ErrNotEnoughRelays)
	}

	g := &Generator{
		exitsByPort: make(map[uint16]weightedSet, len(ports)),
		ports:       append([]uint16(nil), ports...),
		ds:          ds,
	}

	var guards, middles []*netdoc.Relay
	exitCandidates := make(map[uint16][]*netdoc.Relay, len(ports))
	for _, r := range c.Relays {
		if r.Bandwidth == 0 || !r.HasFlags(netdoc.FlagValid, netdoc.FlagRunning) {
			continue
		}
		middles = append(middles, r)
		if r.Flags.Has(netdoc.FlagGuard) {
			guards = append(guards, r)
		}
		if !r.Flags.Has(netdoc.FlagExit) || r.Flags.Has(netdoc.FlagBadExit) {
			continue
		}
		policy := exitPolicyFor(r, ds)
		for _, port := range ports {
			if policy.Allows(port) {
				exitCandidates[port] = append(exitCandidates[port], r)
			}
		}
	}

	g.guards = newWeightedSet(guards)
	g.middles = newWeightedSet(middles)
	anyExit := false
	for port, relays := range exitCandidates {
		set := newWeightedSet(relays)
		if !set.empty() {
			anyExit = true
		}
		g.exitsByPort[port] = set
	}

	if g.guards.empty() {
		return nil, fmt.Errorf("%w: no guard relays", ErrNotEnoughRelays)
	}
	if !anyExit {
		return nil, fmt.Errorf("%w: no exit relays for ports %v", ErrNotEnoughRelays, ports)
	}
	return g, nil
}

// Ports returns the target ports the generator was built for.
func (g *Generator) Ports() []uint16 { return g.ports }

// ExitCount returns how many exit candidates serve the given port.
func (g *Generator) ExitCount(port uint16) int { return g.exitsByPort[port].len() }

// Build selects one circuit for the destination port. The exit is chosen
// first, then a guard and a middle that are pairwise distinct and not in a
// shared declared family.
func (g *Generator) Build(rng *rand.Rand, port uint16) (*Circuit, error) {
	exits, ok := g.exitsByPort[port]
	if !ok || exits.empty() {
		return nil, fmt.Errorf("%w: no exit for port %d", ErrNoCandidate, port)
	}
	exit := exits.pick(rng)

	guard, err := g.pickDistinct(rng, g.guards, exit)
	if err != nil {
		return nil, fmt.Errorf("guard for port %d: %w", port, err)
	}
	middle, err := g.pickDistinct(rng, g.middles, exit, guard)
	if err != nil {
		return nil, fmt.Errorf("middle for port %d: %w", port, err)
	}

	return &Circuit{Guard: guard, Middle: middle, Exit: exit, Port: port}, nil
}

// pickDistinct draws from set until the pick differs from every relay in
// avoid and shares a family with none of them.
func (g *Generator) pickDistinct(rng *rand.Rand, set weightedSet, avoid ...*netdoc.Relay) (*netdoc.Relay, error) {
	if set.empty() {
		return nil, ErrNoCandidate
	}
pick:
	for attempt := 0; attempt < maxPickAttempts; attempt++ {
		cand := set.pick(rng)
		for _, a := range avoid {
			if cand.Fingerprint == a.Fingerprint || g.ds.SameFamily(cand.Fingerprint, a.Fingerprint) {
				continue pick
			}
		}
		return cand, nil
	}
	return nil, ErrNoCandidate
}

// exitPolicyFor prefers the full descriptor policy over the consensus port
// summary when the relay published one.
func exitPolicyFor(r *netdoc.Relay, ds *netdoc.DescriptorSet) netdoc.PortPolicy {
	if d := ds.Get(r.Fingerprint); d != nil && d.HasPolicy {
		return d.ExitPolicy
	}
	return r.ExitPolicy
}
