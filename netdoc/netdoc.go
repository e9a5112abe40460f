// Package netdoc models the network-status documents a relay network
// publishes: hourly consensuses listing the running relays with their flags
// and weights, and the server descriptors that carry per-relay detail such as
// family declarations and full exit policies.
package netdoc

import (
	"errors"
	"time"
)

var (
	// ErrMissingValidAfter marks a consensus whose validity start is absent.
	ErrMissingValidAfter = errors.New("consensus missing valid-after timestamp")
	// ErrMalformedDocument marks unparseable document input.
	ErrMalformedDocument = errors.New("malformed network document")
)

// Flag is a router status flag assigned by the directory authorities.
type Flag string

const (
	FlagAuthority Flag = "Authority"
	FlagBadExit   Flag = "BadExit"
	FlagExit      Flag = "Exit"
	FlagFast      Flag = "Fast"
	FlagGuard     Flag = "Guard"
	FlagHSDir     Flag = "HSDir"
	FlagRunning   Flag = "Running"
	FlagStable    Flag = "Stable"
	FlagV2Dir     Flag = "V2Dir"
	FlagValid     Flag = "Valid"
)

// FlagSet holds the flags assigned to one relay.
type FlagSet map[Flag]struct{}

// NewFlagSet builds a set from the given flags.
func NewFlagSet(flags ...Flag) FlagSet {
	s := make(FlagSet, len(flags))
	for _, f := range flags {
		s[f] = struct{}{}
	}
	return s
}

// Has reports whether f is in the set.
func (s FlagSet) Has(f Flag) bool {
	_, ok := s[f]
	return ok
}

// HasAll reports whether every given flag is in the set.
func (s FlagSet) HasAll(flags ...Flag) bool {
	for _, f := range flags {
		if !s.Has(f) {
			return false
		}
	}
	return true
}

// Add inserts f into the set.
func (s FlagSet) Add(f Flag) { s[f] = struct{}{} }

// Relay is one router entry of a consensus.
type Relay struct {
	Nickname    string
	Fingerprint string // 40 uppercase hex characters identifying the relay
	Published   time.Time
	Address     string
	ORPort      uint16
	Flags       FlagSet
	Bandwidth   uint64     // consensus weight in kilobytes per second
	ExitPolicy  PortPolicy // port summary from the consensus entry
	Adversarial bool       // true only for relays injected into the consensus
}

// HasFlags reports whether the relay carries every given flag.
func (r *Relay) HasFlags(flags ...Flag) bool { return r.Flags.HasAll(flags...) }

// Consensus is one network-status document: the relay population the
// authorities agreed on for a validity window.
type Consensus struct {
	ValidAfter time.Time
	FreshUntil time.Time
	ValidUntil time.Time
	Relays     []*Relay
}

// CountWithFlags returns how many relays carry every given flag.
func (c *Consensus) CountWithFlags(flags ...Flag) int {
	n := 0
	for _, r := range c.Relays {
		if r.HasFlags(flags...) {
			n++
		}
	}
	return n
}
