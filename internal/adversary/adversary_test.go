package adversary

import (
	"testing"
	"time"

	"github.com/anonmetrics/tornet-simulator/netdoc"
)

func baseConsensus() *netdoc.Consensus {
	return &netdoc.Consensus{
		ValidAfter: time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC),
		Relays: []*netdoc.Relay{
			{
				Nickname:    "honest",
				Fingerprint: "1111111111111111111111111111111111111111",
				Flags:       netdoc.NewFlagSet(netdoc.FlagGuard, netdoc.FlagValid, netdoc.FlagRunning),
				Bandwidth:   100,
			},
		},
	}
}

func TestModifyInjectsRelays(t *testing.T) {
	adv := New(Config{Guards: 2, Exits: 3})
	c := baseConsensus()
	adv.Modify(c, nil)

	if len(c.Relays) != 6 {
		t.Fatalf("consensus has %d relays after injection, want 6", len(c.Relays))
	}
	if got := c.CountWithFlags(netdoc.FlagGuard, netdoc.FlagValid, netdoc.FlagRunning); got != 3 {
		t.Fatalf("guard count = %d, want 3", got)
	}
	if got := c.CountWithFlags(netdoc.FlagExit, netdoc.FlagValid, netdoc.FlagRunning); got != 3 {
		t.Fatalf("exit count = %d, want 3", got)
	}

	for _, r := range c.Relays[1:] {
		if !r.Adversarial {
			t.Fatalf("injected relay %s not marked adversarial", r.Nickname)
		}
		if !adv.Controls(r.Fingerprint) {
			t.Fatalf("Controls(%s) = false for injected relay", r.Fingerprint)
		}
		if len(r.Fingerprint) != 40 {
			t.Fatalf("injected fingerprint %q has length %d", r.Fingerprint, len(r.Fingerprint))
		}
		if !r.Published.Equal(c.ValidAfter) {
			t.Fatalf("injected relay published %v, want consensus valid-after", r.Published)
		}
	}
	if adv.Controls("1111111111111111111111111111111111111111") {
		t.Fatalf("Controls reported an honest relay as injected")
	}
}

func TestInjectedIdentitiesStableAcrossEpochs(t *testing.T) {
	adv := New(Config{Guards: 1, Exits: 1})

	first := baseConsensus()
	adv.Modify(first, nil)
	second := baseConsensus()
	second.ValidAfter = second.ValidAfter.Add(time.Hour)
	adv.Modify(second, nil)

	fps := func(c *netdoc.Consensus) []string {
		var out []string
		for _, r := range c.Relays {
			if r.Adversarial {
				out = append(out, r.Fingerprint)
			}
		}
		return out
	}
	a, b := fps(first), fps(second)
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("injected %d and %d relays, want 2 and 2", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("fingerprint %d changed across epochs: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestInjectedExitPolicies(t *testing.T) {
	adv := New(Config{Guards: 1, Exits: 1})
	c := baseConsensus()
	adv.Modify(c, nil)

	var guard, exit *netdoc.Relay
	for _, r := range c.Relays {
		if !r.Adversarial {
			continue
		}
		if r.Flags.Has(netdoc.FlagExit) {
			exit = r
		} else {
			guard = r
		}
	}
	if exit == nil || guard == nil {
		t.Fatalf("missing injected guard or exit")
	}
	if !exit.ExitPolicy.Allows(443) || !exit.ExitPolicy.Allows(22) {
		t.Fatalf("injected exit should accept every port")
	}
	if guard.ExitPolicy.Allows(443) {
		t.Fatalf("injected guard should not exit")
	}
}

func TestInertAdversary(t *testing.T) {
	adv := New(Config{})
	if adv.Enabled() {
		t.Fatalf("zero-count adversary reports enabled")
	}
	c := baseConsensus()
	adv.Modify(c, nil)
	if len(c.Relays) != 1 {
		t.Fatalf("inert adversary changed the consensus")
	}
	if adv.GuardCount() != 0 || adv.ExitCount() != 0 {
		t.Fatalf("inert adversary reports nonzero relay counts")
	}
}

func TestBandwidthDefaults(t *testing.T) {
	adv := New(Config{Guards: 1, Exits: 1, GuardBandwidth: 0, ExitBandwidth: 5})
	c := baseConsensus()
	adv.Modify(c, nil)
	for _, r := range c.Relays {
		if !r.Adversarial {
			continue
		}
		if r.Flags.Has(netdoc.FlagGuard) && r.Bandwidth == 0 {
			t.Fatalf("guard bandwidth not defaulted")
		}
		if r.Flags.Has(netdoc.FlagExit) && r.Bandwidth != 5 {
			t.Fatalf("exit bandwidth = %d, want configured 5", r.Bandwidth)
		}
	}
}
