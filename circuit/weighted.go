package circuit

import (
	"math/rand"
	"sort"

	"github.com/anonmetrics/tornet-simulator/netdoc"
)

// weightedSet draws relays with probability proportional to their consensus
// weight. Zero-weight relays are excluded at construction.
type weightedSet struct {
	relays []*netdoc.Relay
	cum    []uint64 // cum[i] = sum of weights of relays[0..i]
	total  uint64
}

func newWeightedSet(relays []*netdoc.Relay) weightedSet {
	var s weightedSet
	for _, r := range relays {
		if r.Bandwidth == 0 {
			continue
		}
		s.total += r.Bandwidth
		s.relays = append(s.relays, r)
		s.cum = append(s.cum, s.total)
	}
	return s
}

func (s weightedSet) empty() bool { return len(s.relays) == 0 }

func (s weightedSet) len() int { return len(s.relays) }

// pick draws one relay. The caller guarantees the set is non-empty.
func (s weightedSet) pick(rng *rand.Rand) *netdoc.Relay {
	x := uint64(rng.Int63n(int64(s.total))) + 1
	i := sort.Search(len(s.cum), func(i int) bool { return s.cum[i] >= x })
	return s.relays[i]
}
