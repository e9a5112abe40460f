// Package adversary injects attacker-controlled relays into each consensus
// before circuit construction runs over it. Injected relays are structurally
// complete consensus entries, so downstream selection treats them like any
// other relay; only the Adversarial marker distinguishes them in traces.
package adversary

import (
	"fmt"

	"github.com/anonmetrics/tornet-simulator/netdoc"
)

// defaultBandwidth is the consensus weight given to injected relays when the
// run configuration does not pin one. It is deliberately generous: a relay
// adversary buys weight.
const defaultBandwidth uint64 = 20_000

// Config sizes the injected relay population.
type Config struct {
	Guards         int
	Exits          int
	GuardBandwidth uint64
	ExitBandwidth  uint64
}

// Adversary holds the fixed relay identities injected into every epoch.
// Fingerprints are deterministic, so an injected relay keeps its identity
// across consensuses the same way a long-lived real relay would.
type Adversary struct {
	cfg      Config
	guards   []*netdoc.Relay
	exits    []*netdoc.Relay
	controls map[string]struct{}
}

// New builds the adversary for the given configuration. Zero counts produce
// an inert adversary whose Modify is a no-op.
func New(cfg Config) *Adversary {
	if cfg.GuardBandwidth == 0 {
		cfg.GuardBandwidth = defaultBandwidth
	}
	if cfg.ExitBandwidth == 0 {
		cfg.ExitBandwidth = defaultBandwidth
	}

	a := &Adversary{cfg: cfg, controls: make(map[string]struct{})}
	for i := 0; i < cfg.Guards; i++ {
		r := &netdoc.Relay{
			Nickname:    fmt.Sprintf("advguard%d", i),
			Fingerprint: fmt.Sprintf("AD%038X", i),
			Address:     fmt.Sprintf("203.0.113.%d", i%254+1),
			ORPort:      443,
			Flags: netdoc.NewFlagSet(
				netdoc.FlagGuard, netdoc.FlagFast, netdoc.FlagStable,
				netdoc.FlagValid, netdoc.FlagRunning,
			),
			Bandwidth:   cfg.GuardBandwidth,
			ExitPolicy:  netdoc.PortPolicy{}, // guards do not exit
			Adversarial: true,
		}
		a.guards = append(a.guards, r)
		a.controls[r.Fingerprint] = struct{}{}
	}
	for i := 0; i < cfg.Exits; i++ {
		r := &netdoc.Relay{
			Nickname:    fmt.Sprintf("advexit%d", i),
			Fingerprint: fmt.Sprintf("AE%038X", i),
			Address:     fmt.Sprintf("198.51.100.%d", i%254+1),
			ORPort:      443,
			Flags: netdoc.NewFlagSet(
				netdoc.FlagExit, netdoc.FlagFast, netdoc.FlagStable,
				netdoc.FlagValid, netdoc.FlagRunning,
			),
			Bandwidth:   cfg.ExitBandwidth,
			ExitPolicy:  netdoc.AcceptAllPolicy(),
			Adversarial: true,
		}
		a.exits = append(a.exits, r)
		a.controls[r.Fingerprint] = struct{}{}
	}
	return a
}

// Enabled reports whether the adversary injects anything.
func (a *Adversary) Enabled() bool { return len(a.guards)+len(a.exits) > 0 }

// Modify appends the adversary's relays to the consensus. Publication times
// are aligned to the consensus validity start so the entries look freshly
// served. The descriptor set is left untouched; injected exits advertise
// their policy through the consensus summary.
func (a *Adversary) Modify(c *netdoc.Consensus, ds *netdoc.DescriptorSet) {
	if !a.Enabled() {
		return
	}
	for _, r := range a.guards {
		r.Published = c.ValidAfter
		c.Relays = append(c.Relays, r)
	}
	for _, r := range a.exits {
		r.Published = c.ValidAfter
		c.Relays = append(c.Relays, r)
	}
}

// GuardCount returns how many guard relays the adversary runs.
func (a *Adversary) GuardCount() int { return len(a.guards) }

// ExitCount returns how many exit relays the adversary runs.
func (a *Adversary) ExitCount() int { return len(a.exits) }

// Controls reports whether the fingerprint belongs to an injected relay.
func (a *Adversary) Controls(fp string) bool {
	_, ok := a.controls[fp]
	return ok
}
