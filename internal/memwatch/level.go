package memwatch

import (
	"fmt"
	"strings"
)

// Level is a coarse classification of memory pressure.
type Level int

const (
	Normal Level = iota
	Elevated
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Elevated:
		return "elevated"
	case High:
		return "high"
	default:
		return "critical"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// ParseLevel accepts the names produced by Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "elevated":
		return Elevated, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return Normal, fmt.Errorf("unknown pressure level %q", s)
}

// Thresholds are system memory used percentages at which each level starts.
type Thresholds struct {
	Elevated float64 `json:"elevated" yaml:"elevated"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// DefaultThresholds returns 60/80/90.
func DefaultThresholds() Thresholds {
	return Thresholds{Elevated: 60, High: 80, Critical: 90}
}

// Validate requires strictly ascending thresholds within (0, 100].
func (t Thresholds) Validate() error {
	if t.Elevated <= 0 || t.Critical > 100 {
		return fmt.Errorf("thresholds must lie in (0,100]: %+v", t)
	}
	if !(t.Elevated < t.High && t.High < t.Critical) {
		return fmt.Errorf("thresholds must be ascending: %+v", t)
	}
	return nil
}

// Classify maps a used percentage to a level.
func (t Thresholds) Classify(usedPercent float64) Level {
	switch {
	case usedPercent >= t.Critical:
		return Critical
	case usedPercent >= t.High:
		return High
	case usedPercent >= t.Elevated:
		return Elevated
	default:
		return Normal
	}
}
