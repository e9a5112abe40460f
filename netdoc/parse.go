package netdoc

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// timeLayout is the timestamp format used throughout directory documents.
const timeLayout = "2006-01-02 15:04:05"

// scanBufferSize bounds single document lines; signature and digest lines in
// archived consensuses run long.
const scanBufferSize = 4 * 1024 * 1024

// ParseConsensus reads a network-status consensus document. Unknown keywords
// are skipped so documents from different consensus methods parse alike. The
// validity timestamps are kept as parsed; callers decide whether a missing
// valid-after is fatal.
func ParseConsensus(r io.Reader) (*Consensus, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), scanBufferSize)

	c := &Consensus{}
	var cur *Relay
	lineNo := 0
	for sc.Scan() {
		lineNo++
		keyword, rest, _ := strings.Cut(sc.Text(), " ")
		switch keyword {
		case "valid-after":
			c.ValidAfter = parseDocTime(rest)
		case "fresh-until":
			c.FreshUntil = parseDocTime(rest)
		case "valid-until":
			c.ValidUntil = parseDocTime(rest)
		case "r":
			relay, err := parseRouterStatus(rest)
			if err != nil {
				return nil, fmt.Errorf("consensus line %d: %w", lineNo, err)
			}
			c.Relays = append(c.Relays, relay)
			cur = relay
		case "s":
			if cur == nil {
				continue
			}
			for _, f := range strings.Fields(rest) {
				cur.Flags.Add(Flag(f))
			}
		case "w":
			if cur == nil {
				continue
			}
			cur.Bandwidth = parseBandwidthWeight(rest)
		case "p":
			if cur == nil {
				continue
			}
			pol, err := ParsePortSummary(rest)
			if err != nil {
				return nil, fmt.Errorf("consensus line %d: %w", lineNo, err)
			}
			cur.ExitPolicy = pol
		case "directory-footer":
			cur = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read consensus: %w", err)
	}
	if len(c.Relays) == 0 {
		return nil, fmt.Errorf("%w: no relay entries", ErrMalformedDocument)
	}
	return c, nil
}

// parseRouterStatus parses the remainder of an "r" line:
// nickname identity digest date time address or-port dir-port.
func parseRouterStatus(rest string) (*Relay, error) {
	fields := strings.Fields(rest)
	if len(fields) < 7 {
		return nil, fmt.Errorf("%w: router status %q", ErrMalformedDocument, rest)
	}

	fp, err := decodeIdentity(fields[1])
	if err != nil {
		return nil, err
	}
	published, err := time.Parse(timeLayout, fields[2]+" "+fields[3])
	if err != nil {
		return nil, fmt.Errorf("%w: publication time %q %q", ErrMalformedDocument, fields[2], fields[3])
	}
	orPort, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: or-port %q", ErrMalformedDocument, fields[5])
	}

	return &Relay{
		Nickname:    fields[0],
		Fingerprint: fp,
		Published:   published,
		Address:     fields[4],
		ORPort:      uint16(orPort),
		Flags:       make(FlagSet),
	}, nil
}

// decodeIdentity turns the base64 identity of an "r" line into the usual
// 40-character uppercase hex fingerprint.
func decodeIdentity(b64 string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("%w: identity %q", ErrMalformedDocument, b64)
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// parseDocTime parses "YYYY-MM-DD HH:MM:SS"; malformed input yields the zero
// time, which callers treat as absent.
func parseDocTime(s string) time.Time {
	t, err := time.Parse(timeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseBandwidthWeight extracts Bandwidth= from a "w" line; absent or
// malformed values count as zero weight.
func parseBandwidthWeight(rest string) uint64 {
	for _, f := range strings.Fields(rest) {
		if v, ok := strings.CutPrefix(f, "Bandwidth="); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

// ParseDescriptors reads a concatenated server-descriptor file and returns
// the descriptors keyed by fingerprint. Entries without a fingerprint line
// are dropped. "opt"-prefixed keywords from older archives are unwrapped.
func ParseDescriptors(r io.Reader) (*DescriptorSet, error) {
	set := NewDescriptorSet()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), scanBufferSize)

	var cur *Descriptor
	flush := func() {
		if cur != nil && cur.Fingerprint != "" {
			set.Put(cur)
		}
		cur = nil
	}
	for sc.Scan() {
		keyword, rest, _ := strings.Cut(sc.Text(), " ")
		if keyword == "opt" {
			keyword, rest, _ = strings.Cut(rest, " ")
		}
		switch keyword {
		case "router":
			flush()
			cur = &Descriptor{Family: make(map[string]struct{})}
			if f := strings.Fields(rest); len(f) > 0 {
				cur.Nickname = f[0]
			}
		case "fingerprint":
			if cur == nil {
				continue
			}
			cur.Fingerprint = strings.ToUpper(strings.ReplaceAll(rest, " ", ""))
		case "family":
			if cur == nil {
				continue
			}
			for _, member := range strings.Fields(rest) {
				if fp, ok := normalizeFamilyMember(member); ok {
					cur.Family[fp] = struct{}{}
				}
			}
		case "accept", "reject":
			if cur == nil {
				continue
			}
			if rule, ok := parseExitPattern(keyword == "accept", rest); ok {
				cur.ExitPolicy.AppendRule(rule)
				cur.HasPolicy = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read descriptors: %w", err)
	}
	flush()
	return set, nil
}

// normalizeFamilyMember canonicalizes one family entry. Entries naming the
// member by fingerprint ("$ABCD...", optionally "=nick" or "~nick" suffixed)
// become uppercase hex; nickname-only entries cannot be resolved without the
// full relay index and are dropped.
func normalizeFamilyMember(member string) (string, bool) {
	member = strings.TrimPrefix(member, "$")
	if i := strings.IndexAny(member, "=~"); i >= 0 {
		member = member[:i]
	}
	if len(member) != 40 {
		return "", false
	}
	if _, err := hex.DecodeString(member); err != nil {
		return "", false
	}
	return strings.ToUpper(member), true
}

// parseExitPattern reduces an exit policy line ("accept *:80",
// "reject 10.0.0.0/8:*") to its port range. Patterns with unparseable ports
// are skipped rather than failing the whole descriptor.
func parseExitPattern(accept bool, rest string) (PolicyRule, bool) {
	rest = strings.TrimSpace(rest)
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return PolicyRule{}, false
	}
	portPart := rest[i+1:]
	if portPart == "*" {
		return PolicyRule{Accept: accept, Low: 1, High: 65535}, true
	}
	low, high, err := parsePortRange(portPart)
	if err != nil {
		return PolicyRule{}, false
	}
	return PolicyRule{Accept: accept, Low: low, High: high}, true
}
