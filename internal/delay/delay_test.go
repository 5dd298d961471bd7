package delay

import (
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		tier Tier
		want time.Time
	}{
		{"immediate", Immediate, now},
		{"one_hour", OneHour, now.Add(time.Hour)},
		{"one_day", OneDay, now.Add(24 * time.Hour)},
		{"unknown_positive", Tier(7), now},
		{"unknown_negative", Tier(-1), now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.tier, now); !got.Equal(tt.want) {
				t.Errorf("Resolve(%s) = %v, want %v", tt.tier, got, tt.want)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	for _, v := range []int{0, 1, 2} {
		tier, err := ParseTier(v)
		if err != nil {
			t.Fatalf("ParseTier(%d) unexpected error: %v", v, err)
		}
		if int(tier) != v {
			t.Errorf("ParseTier(%d) = %d", v, tier)
		}
	}

	if _, err := ParseTier(3); err == nil {
		t.Error("expected error for tier 3")
	}
}

func TestTierString(t *testing.T) {
	if OneHour.String() != "one-hour" {
		t.Errorf("got %s", OneHour.String())
	}
	if Tier(9).String() != "tier(9)" {
		t.Errorf("got %s", Tier(9).String())
	}
}
