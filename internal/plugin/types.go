package plugin

import (
	"fmt"
	"strings"
)

// Availability is the registry's verdict for a plugin.
type Availability int

const (
	Available Availability = iota
	Degraded
	Unavailable
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Degraded:
		return "degraded"
	default:
		return "unavailable"
	}
}

func (a Availability) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Availability) UnmarshalText(b []byte) error {
	switch string(b) {
	case "available":
		*a = Available
	case "degraded":
		*a = Degraded
	case "unavailable":
		*a = Unavailable
	default:
		return fmt.Errorf("unknown availability %q", b)
	}
	return nil
}

// Tier is the customer tier a request runs under. Fields declare the lowest
// tier allowed to see them.
type Tier int

const (
	TierFree Tier = iota
	TierStandard
	TierForensic
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierStandard:
		return "standard"
	default:
		return "forensic"
	}
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier accepts the names produced by Tier.String.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "free":
		return TierFree, nil
	case "standard", "pro":
		return TierStandard, nil
	case "forensic":
		return TierForensic, nil
	}
	return TierFree, fmt.Errorf("unknown tier %q", s)
}
