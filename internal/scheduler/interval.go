// Package scheduler decides when each tracked instrument is refreshed.
package scheduler

import (
	"time"

	"fno-scanner/internal/models"
	"fno-scanner/pkg/utils"
)

// Phase is a segment of the exchange trading day.
type Phase string

const (
	PhasePreMarket Phase = "pre_market"
	PhaseOpening   Phase = "opening"
	PhaseMidday    Phase = "midday"
	PhaseClosing   Phase = "closing"
	PhaseEOD       Phase = "eod"
)

// Phases lists every phase in session order.
var Phases = []Phase{PhasePreMarket, PhaseOpening, PhaseMidday, PhaseClosing, PhaseEOD}

const (
	// MinInterval is the floor applied after every multiplier.
	MinInterval = 30 * time.Second
	// FallbackInterval is used for (phase, tier) pairs missing from the table.
	FallbackInterval = 180 * time.Second
)

// Table holds base intervals per phase and tier.
type Table map[Phase]map[models.ScanTier]time.Duration

// DefaultTable returns the built-in cadence table.
func DefaultTable() Table {
	return Table{
		PhasePreMarket: {models.TierPriority: 120 * time.Second, models.TierStandard: 300 * time.Second},
		PhaseOpening:   {models.TierPriority: 45 * time.Second, models.TierStandard: 120 * time.Second},
		PhaseMidday:    {models.TierPriority: 60 * time.Second, models.TierStandard: 180 * time.Second},
		PhaseClosing:   {models.TierPriority: 30 * time.Second, models.TierStandard: 90 * time.Second},
		PhaseEOD:       {models.TierPriority: 3600 * time.Second, models.TierStandard: 3600 * time.Second},
	}
}

// PhaseAt derives the market phase from IST wall-clock time.
func PhaseAt(t time.Time) Phase {
	m := utils.MinutesSinceMidnight(t)
	switch {
	case m < 9*60+10:
		return PhasePreMarket
	case m < 9*60+30:
		return PhaseOpening
	case m < 14*60+45:
		return PhaseMidday
	case m < 15*60+30:
		return PhaseClosing
	default:
		return PhaseEOD
	}
}

// IntervalFor returns the refresh interval for a tier in a phase, shortened near expiry.
func (t Table) IntervalFor(tier models.ScanTier, phase Phase, daysToExpiry int) time.Duration {
	base := FallbackInterval
	if byTier, ok := t[phase]; ok {
		if d, ok := byTier[tier]; ok {
			base = d
		}
	}

	interval := base
	switch {
	case daysToExpiry <= 1:
		interval = base / 2
	case daysToExpiry <= 2:
		interval = base * 3 / 4
	}

	if interval < MinInterval {
		interval = MinInterval
	}
	return interval
}

// IntervalFor evaluates the default table.
func IntervalFor(tier models.ScanTier, phase Phase, daysToExpiry int) time.Duration {
	return DefaultTable().IntervalFor(tier, phase, daysToExpiry)
}
