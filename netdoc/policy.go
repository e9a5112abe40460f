package netdoc

import (
	"fmt"
	"strconv"
	"strings"
)

// PolicyRule is one accept or reject entry of an exit policy, restricted to
// the port dimension. Address patterns from descriptor policies are not
// modelled; only the port ranges matter for exit selection.
type PolicyRule struct {
	Accept bool
	Low    uint16
	High   uint16
}

// Matches reports whether port falls inside the rule's range.
func (r PolicyRule) Matches(port uint16) bool { return port >= r.Low && port <= r.High }

// PortPolicy decides which destination ports a relay exits to. Rules are
// evaluated in order and the first match wins; DefaultAccept is the verdict
// when no rule matches. The zero value rejects every port.
type PortPolicy struct {
	Rules         []PolicyRule
	DefaultAccept bool
}

// AcceptPolicy builds a policy that accepts exactly the given ranges.
func AcceptPolicy(ranges ...PolicyRule) PortPolicy {
	for i := range ranges {
		ranges[i].Accept = true
	}
	return PortPolicy{Rules: ranges}
}

// RejectPolicy builds a policy that rejects the given ranges and accepts the
// rest.
func RejectPolicy(ranges ...PolicyRule) PortPolicy {
	for i := range ranges {
		ranges[i].Accept = false
	}
	return PortPolicy{Rules: ranges, DefaultAccept: true}
}

// AcceptAllPolicy returns a policy admitting every port.
func AcceptAllPolicy() PortPolicy {
	return PortPolicy{Rules: []PolicyRule{{Accept: true, Low: 1, High: 65535}}}
}

// Allows reports whether the policy admits connections to port.
func (p PortPolicy) Allows(port uint16) bool {
	for _, r := range p.Rules {
		if r.Matches(port) {
			return r.Accept
		}
	}
	return p.DefaultAccept
}

// AllowsAny reports whether the policy admits at least one of the ports.
func (p PortPolicy) AllowsAny(ports []uint16) bool {
	for _, port := range ports {
		if p.Allows(port) {
			return true
		}
	}
	return false
}

// AppendRule adds one rule after the existing ones.
func (p *PortPolicy) AppendRule(r PolicyRule) { p.Rules = append(p.Rules, r) }

// ParsePortSummary parses a consensus policy summary of the form
// "accept 80,443,8000-8999" or "reject 25,119".
func ParsePortSummary(s string) (PortPolicy, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return PortPolicy{}, fmt.Errorf("%w: port summary %q", ErrMalformedDocument, s)
	}
	accept := false
	switch fields[0] {
	case "accept":
		accept = true
	case "reject":
	default:
		return PortPolicy{}, fmt.Errorf("%w: port summary verb %q", ErrMalformedDocument, fields[0])
	}

	ranges, err := parsePortList(fields[1])
	if err != nil {
		return PortPolicy{}, err
	}
	if accept {
		return AcceptPolicy(ranges...), nil
	}
	return RejectPolicy(ranges...), nil
}

func parsePortList(list string) ([]PolicyRule, error) {
	var rules []PolicyRule
	for _, part := range strings.Split(list, ",") {
		low, high, err := parsePortRange(part)
		if err != nil {
			return nil, err
		}
		rules = append(rules, PolicyRule{Low: low, High: high})
	}
	return rules, nil
}

func parsePortRange(s string) (uint16, uint16, error) {
	if s == "*" {
		return 1, 65535, nil
	}
	lowStr, highStr, isRange := strings.Cut(s, "-")
	low, err := parsePort(lowStr)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return low, low, nil
	}
	high, err := parsePort(highStr)
	if err != nil {
		return 0, 0, err
	}
	if high < low {
		return 0, 0, fmt.Errorf("%w: inverted port range %q", ErrMalformedDocument, s)
	}
	return low, high, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: port %q", ErrMalformedDocument, s)
	}
	return uint16(n), nil
}
