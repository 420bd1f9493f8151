package manager

import (
	"fmt"
	"strings"
)

type InboundPolicy string

const (
	InboundOpen      InboundPolicy = "open"
	InboundAllowlist InboundPolicy = "allowlist"
	InboundDisabled  InboundPolicy = "disabled"
)

func ParseInboundPolicy(s string) (InboundPolicy, error) {
	switch p := InboundPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case InboundOpen, InboundAllowlist, InboundDisabled:
		return p, nil
	case "":
		return InboundDisabled, nil
	default:
		return "", fmt.Errorf("unknown inbound policy %q", s)
	}
}

// normalizeNumber keeps only digits so "+1 (555) 000-0099" and
// "+15550000099" compare equal.
func normalizeNumber(n string) string {
	var b strings.Builder
	for _, r := range n {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// admits reports whether an inbound call from the number passes policy, and
// the reason when it does not.
func (m *Manager) admits(from string) (bool, string) {
	switch m.cfg.InboundPolicy {
	case InboundOpen:
		return true, ""
	case InboundAllowlist:
		caller := normalizeNumber(from)
		if caller == "" {
			return false, "caller number missing"
		}
		for _, allowed := range m.cfg.AllowFrom {
			if normalizeNumber(allowed) == caller {
				return true, ""
			}
		}
		return false, "caller not in allow list"
	default:
		return false, "inbound calls disabled"
	}
}
