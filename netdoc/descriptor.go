package netdoc

import (
	"sync"
)

// Descriptor carries the per-relay detail a consensus entry omits: the family
// declaration and the full exit policy published by the relay itself.
type Descriptor struct {
	Nickname    string
	Fingerprint string
	Family      map[string]struct{} // fingerprints declared as same-operator
	ExitPolicy  PortPolicy
	HasPolicy   bool // false when the descriptor declared no policy lines
}

// SharesFamilyWith reports whether the descriptor declares fp as family.
func (d *Descriptor) SharesFamilyWith(fp string) bool {
	if d == nil {
		return false
	}
	_, ok := d.Family[fp]
	return ok
}

// DescriptorSet is a thread-safe descriptor store keyed by relay fingerprint.
type DescriptorSet struct {
	mu   sync.RWMutex
	byFP map[string]*Descriptor
}

// NewDescriptorSet constructs an empty set.
func NewDescriptorSet() *DescriptorSet {
	return &DescriptorSet{byFP: make(map[string]*Descriptor)}
}

// Put stores d, replacing any previous descriptor for the same fingerprint.
func (s *DescriptorSet) Put(d *Descriptor) {
	if s == nil || d == nil || d.Fingerprint == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byFP[d.Fingerprint] = d
}

// Get returns the descriptor for fp, or nil if unknown. A nil set is treated
// as empty.
func (s *DescriptorSet) Get(fp string) *Descriptor {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byFP[fp]
}

// Len returns the number of stored descriptors.
func (s *DescriptorSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byFP)
}

// SameFamily reports whether either relay declares the other as family.
// Family declarations are frequently one-sided, so a single direction counts.
func (s *DescriptorSet) SameFamily(fpA, fpB string) bool {
	if fpA == fpB {
		return true
	}
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.byFP[fpA].SharesFamilyWith(fpB) {
		return true
	}
	return s.byFP[fpB].SharesFamilyWith(fpA)
}
