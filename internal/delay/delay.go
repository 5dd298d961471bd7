// Package delay maps the delay tiers accepted by the API to dispatch instants.
package delay

import (
	"fmt"
	"time"
)

// Tier is a named dispatch offset. The integer values are the ones clients
// send over the wire.
type Tier int

const (
	Immediate Tier = 0
	OneHour   Tier = 1
	OneDay    Tier = 2
)

var offsets = map[Tier]time.Duration{
	Immediate: 0,
	OneHour:   time.Hour,
	OneDay:    24 * time.Hour,
}

func (t Tier) String() string {
	switch t {
	case Immediate:
		return "immediate"
	case OneHour:
		return "one-hour"
	case OneDay:
		return "one-day"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := offsets[t]
	return ok
}

// ParseTier converts a wire value into a Tier.
func ParseTier(v int) (Tier, error) {
	t := Tier(v)
	if !t.Valid() {
		return Immediate, fmt.Errorf("unknown delay tier: %d", v)
	}
	return t, nil
}

// Resolve returns the instant a notification with the given tier should be
// dispatched. Unknown tiers resolve to now.
func Resolve(t Tier, now time.Time) time.Time {
	return now.Add(offsets[t])
}
