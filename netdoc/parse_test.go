package netdoc

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// Identities below are the unpadded base64 of 20 repeated bytes, so the
// expected hex fingerprints are forty 1s, 2s and 3s respectively.
const (
	fpAlpha = "1111111111111111111111111111111111111111"
	fpBeta  = "2222222222222222222222222222222222222222"
	fpGamma = "3333333333333333333333333333333333333333"
)

// sampleConsensus mirrors the line structure of an archived network-status
// document: header timestamps, three router entries with flag, weight and
// policy lines, and a footer.
const sampleConsensus = `network-status-version 3
vote-status consensus
consensus-method 28
valid-after 2023-04-01 00:00:00
fresh-until 2023-04-01 01:00:00
valid-until 2023-04-01 03:00:00
r alpha ERERERERERERERERERERERERERE 2023-03-31 20:43:32 198.51.100.10 9001 0
s Fast Guard Running Stable Valid
v Tor 0.4.7.13
w Bandwidth=5000
p reject 1-65535
r beta IiIiIiIiIiIiIiIiIiIiIiIiIiI 2023-03-31 18:02:10 198.51.100.11 443 80
s Exit Fast Running Valid
w Bandwidth=9000 Measured=9100
p accept 80,443
r gamma MzMzMzMzMzMzMzMzMzMzMzMzMzM 2023-03-31 11:15:00 198.51.100.12 9001 0
s Running Valid
w Bandwidth=700
p reject 1-65535
directory-footer
`

func TestParseConsensus(t *testing.T) {
	c, err := ParseConsensus(strings.NewReader(sampleConsensus))
	if err != nil {
		t.Fatalf("ParseConsensus error: %v", err)
	}

	wantValidAfter := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	if !c.ValidAfter.Equal(wantValidAfter) {
		t.Fatalf("ValidAfter = %v, want %v", c.ValidAfter, wantValidAfter)
	}
	wantValidUntil := time.Date(2023, 4, 1, 3, 0, 0, 0, time.UTC)
	if !c.ValidUntil.Equal(wantValidUntil) {
		t.Fatalf("ValidUntil = %v, want %v", c.ValidUntil, wantValidUntil)
	}
	if len(c.Relays) != 3 {
		t.Fatalf("parsed %d relays, want 3", len(c.Relays))
	}

	alpha := c.Relays[0]
	if alpha.Nickname != "alpha" {
		t.Fatalf("first relay nickname = %q, want alpha", alpha.Nickname)
	}
	if alpha.Fingerprint != fpAlpha {
		t.Fatalf("alpha fingerprint = %q, want %q", alpha.Fingerprint, fpAlpha)
	}
	if !alpha.HasFlags(FlagGuard, FlagRunning, FlagValid) {
		t.Fatalf("alpha flags = %v, want Guard/Running/Valid present", alpha.Flags)
	}
	if alpha.Bandwidth != 5000 {
		t.Fatalf("alpha bandwidth = %d, want 5000", alpha.Bandwidth)
	}
	if alpha.ExitPolicy.Allows(443) {
		t.Fatalf("alpha policy should reject all ports")
	}

	beta := c.Relays[1]
	if beta.Fingerprint != fpBeta {
		t.Fatalf("beta fingerprint = %q, want %q", beta.Fingerprint, fpBeta)
	}
	if !beta.HasFlags(FlagExit) {
		t.Fatalf("beta should carry the Exit flag")
	}
	if beta.Bandwidth != 9000 {
		t.Fatalf("beta bandwidth = %d, want 9000", beta.Bandwidth)
	}
	if !beta.ExitPolicy.Allows(443) || beta.ExitPolicy.Allows(22) {
		t.Fatalf("beta policy should allow 443 and reject 22")
	}
	if beta.ORPort != 443 {
		t.Fatalf("beta or-port = %d, want 443", beta.ORPort)
	}
}

func TestParseConsensusCountWithFlags(t *testing.T) {
	c, err := ParseConsensus(strings.NewReader(sampleConsensus))
	if err != nil {
		t.Fatalf("ParseConsensus error: %v", err)
	}
	if got := c.CountWithFlags(FlagGuard, FlagValid, FlagRunning); got != 1 {
		t.Fatalf("guard count = %d, want 1", got)
	}
	if got := c.CountWithFlags(FlagExit, FlagValid, FlagRunning); got != 1 {
		t.Fatalf("exit count = %d, want 1", got)
	}
	if got := c.CountWithFlags(FlagRunning); got != 3 {
		t.Fatalf("running count = %d, want 3", got)
	}
}

func TestParseConsensusMissingValidAfter(t *testing.T) {
	doc := strings.Join([]string{
		"network-status-version 3",
		"r alpha ERERERERERERERERERERERERERE 2023-03-31 20:43:32 198.51.100.10 9001 0",
		"s Running Valid",
		"w Bandwidth=100",
		"p reject 1-65535",
		"",
	}, "\n")
	c, err := ParseConsensus(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseConsensus error: %v", err)
	}
	if !c.ValidAfter.IsZero() {
		t.Fatalf("ValidAfter = %v, want zero time for absent header", c.ValidAfter)
	}
}

func TestParseConsensusNoRelays(t *testing.T) {
	doc := "network-status-version 3\nvalid-after 2023-04-01 00:00:00\n"
	if _, err := ParseConsensus(strings.NewReader(doc)); !errors.Is(err, ErrMalformedDocument) {
		t.Fatalf("error = %v, want ErrMalformedDocument", err)
	}
}

func TestParseConsensusBadRouterLine(t *testing.T) {
	doc := "valid-after 2023-04-01 00:00:00\nr alpha only-three-fields\n"
	if _, err := ParseConsensus(strings.NewReader(doc)); !errors.Is(err, ErrMalformedDocument) {
		t.Fatalf("error = %v, want ErrMalformedDocument", err)
	}
}

const sampleDescriptors = `router alpha 198.51.100.10 9001 0 0
platform Tor 0.4.7.13 on Linux
published 2023-03-31 20:43:32
fingerprint 1111 1111 1111 1111 1111 1111 1111 1111 1111 1111
family $2222222222222222222222222222222222222222 somenickname
reject *:*
router-signature
router beta 198.51.100.11 443 0 80
published 2023-03-31 18:02:10
opt fingerprint 2222 2222 2222 2222 2222 2222 2222 2222 2222 2222
accept *:80
accept *:443
reject *:*
router-signature
`

func TestParseDescriptors(t *testing.T) {
	set, err := ParseDescriptors(strings.NewReader(sampleDescriptors))
	if err != nil {
		t.Fatalf("ParseDescriptors error: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("parsed %d descriptors, want 2", set.Len())
	}

	alpha := set.Get(fpAlpha)
	if alpha == nil {
		t.Fatalf("alpha descriptor not found")
	}
	if !alpha.SharesFamilyWith(fpBeta) {
		t.Fatalf("alpha should declare beta as family")
	}
	if alpha.SharesFamilyWith("somenickname") {
		t.Fatalf("nickname-only family entries should be dropped")
	}
	if alpha.ExitPolicy.Allows(80) {
		t.Fatalf("alpha rejects all exits")
	}

	beta := set.Get(fpBeta)
	if beta == nil {
		t.Fatalf("beta descriptor not found (opt fingerprint)")
	}
	if !beta.ExitPolicy.Allows(443) || beta.ExitPolicy.Allows(22) {
		t.Fatalf("beta policy should allow 443 and reject 22")
	}
	if !beta.HasPolicy {
		t.Fatalf("beta should mark HasPolicy")
	}
}

func TestDescriptorSetSameFamily(t *testing.T) {
	set, err := ParseDescriptors(strings.NewReader(sampleDescriptors))
	if err != nil {
		t.Fatalf("ParseDescriptors error: %v", err)
	}

	// alpha declares beta; one-sided declarations count both ways.
	if !set.SameFamily(fpAlpha, fpBeta) || !set.SameFamily(fpBeta, fpAlpha) {
		t.Fatalf("family relation should hold in both directions")
	}
	if set.SameFamily(fpAlpha, fpGamma) {
		t.Fatalf("unrelated relays reported as family")
	}
	if !set.SameFamily(fpAlpha, fpAlpha) {
		t.Fatalf("a relay is trivially in its own family")
	}
}
