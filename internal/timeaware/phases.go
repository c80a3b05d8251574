// Package timeaware implements intraday phase-based execution: pending
// executions are worked across the trading day by a periodic tick that
// grades urgency and escalates pricing pegs as the close approaches.
package timeaware

import (
	"time"

	"rebalancer/internal/core"

	"github.com/shopspring/decimal"
)

// PhasePolicy constrains what the engine may do during one intraday window
type PhasePolicy struct {
	Phase core.ExecPhase
	// Window bounds in minutes since midnight, exchange local time
	StartMinute int
	EndMinute   int
	// AllowedPegs ordered from most passive to most aggressive
	AllowedPegs          []core.PegType
	MaxParticipationRate decimal.Decimal
	MaxOrderSizeFraction decimal.Decimal
	MinOrderSize         decimal.Decimal
	AllowSpreadCrossing  bool
	AllowMarketOrders    bool
}

// Schedule maps wall-clock time to a phase policy
type Schedule struct {
	policies     []PhasePolicy
	sessionStart int // minutes since midnight
	sessionEnd   int
	location     *time.Location
}

// DefaultSchedule returns the standard US equity session schedule
func DefaultSchedule(loc *time.Location) *Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return &Schedule{
		sessionStart: 9*60 + 30,
		sessionEnd:   16 * 60,
		location:     loc,
		policies: []PhasePolicy{
			{
				Phase:                core.PhaseOpenAvoidance,
				StartMinute:          9*60 + 30,
				EndMinute:            10*60 + 30,
				AllowedPegs:          []core.PegType{core.PegFarTouch},
				MaxParticipationRate: decimal.NewFromFloat(0.02),
				MaxOrderSizeFraction: decimal.NewFromFloat(0.10),
				MinOrderSize:         decimal.NewFromInt(1),
			},
			{
				Phase:                core.PhasePassiveAccumulation,
				StartMinute:          10*60 + 30,
				EndMinute:            14*60 + 30,
				AllowedPegs:          []core.PegType{core.PegFarTouch, core.PegMid},
				MaxParticipationRate: decimal.NewFromFloat(0.10),
				MaxOrderSizeFraction: decimal.NewFromFloat(0.25),
				MinOrderSize:         decimal.NewFromInt(1),
			},
			{
				Phase:                core.PhaseUrgencyRamp,
				StartMinute:          14*60 + 30,
				EndMinute:            15*60 + 30,
				AllowedPegs:          []core.PegType{core.PegFarTouch, core.PegMid, core.PegNearTouch},
				MaxParticipationRate: decimal.NewFromFloat(0.25),
				MaxOrderSizeFraction: decimal.NewFromFloat(0.50),
				MinOrderSize:         decimal.NewFromInt(1),
			},
			{
				Phase:       core.PhaseDeadlineClose,
				StartMinute: 15*60 + 30,
				EndMinute:   16 * 60,
				AllowedPegs: []core.PegType{
					core.PegInside75, core.PegNearTouch, core.PegCross, core.PegMarket,
				},
				MaxParticipationRate: decimal.NewFromInt(1),
				MaxOrderSizeFraction: decimal.NewFromInt(1),
				MinOrderSize:         decimal.NewFromInt(1),
				AllowSpreadCrossing:  true,
				AllowMarketOrders:    true,
			},
		},
	}
}

func minuteOfDay(t time.Time, loc *time.Location) int {
	lt := t.In(loc)
	return lt.Hour()*60 + lt.Minute()
}

// PhaseAt returns the policy in effect at t. Outside the session the phase
// is MARKET_CLOSED and the policy is nil.
func (s *Schedule) PhaseAt(t time.Time) (core.ExecPhase, *PhasePolicy) {
	m := minuteOfDay(t, s.location)
	for i := range s.policies {
		p := &s.policies[i]
		if m >= p.StartMinute && m < p.EndMinute {
			return p.Phase, p
		}
	}
	return core.PhaseMarketClosed, nil
}

// SessionProgress returns how far through the trading session t is, in [0,1]
func (s *Schedule) SessionProgress(t time.Time) float64 {
	m := minuteOfDay(t, s.location)
	if m <= s.sessionStart {
		return 0
	}
	if m >= s.sessionEnd {
		return 1
	}
	return float64(m-s.sessionStart) / float64(s.sessionEnd-s.sessionStart)
}

// PastCutoff reports whether t is at or past the given HH:MM cutoff
func (s *Schedule) PastCutoff(t time.Time, cutoff string) bool {
	ct, err := time.Parse("15:04", cutoff)
	if err != nil {
		return false
	}
	return minuteOfDay(t, s.location) >= ct.Hour()*60+ct.Minute()
}
