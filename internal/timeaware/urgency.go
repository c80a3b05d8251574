package timeaware

import (
	"math"

	"rebalancer/internal/core"
)

// Weights combine the urgency components into the final score
type Weights struct {
	Time  float64
	Fill  float64
	Phase float64
}

// DefaultWeights is the production weighting
var DefaultWeights = Weights{Time: 0.5, Fill: 0.3, Phase: 0.2}

// TimeUrgency grows linearly to 0.5 over the first 80% of the session, then
// accelerates sharply into the close.
func TimeUrgency(progress float64) float64 {
	p := clamp01(progress)
	if p <= 0.8 {
		return 0.5 * p / 0.8
	}
	return 0.5 + 0.5*math.Pow((p-0.8)/0.2, 2.5)
}

// FillUrgency measures how far fills lag the linear schedule. Being ahead of
// schedule contributes nothing.
func FillUrgency(timeProgress, fillRatio float64) float64 {
	return clamp01(math.Max(0, timeProgress-fillRatio) * 2)
}

// PhaseUrgency is the baseline urgency of each intraday phase
func PhaseUrgency(phase core.ExecPhase) float64 {
	switch phase {
	case core.PhaseOpenAvoidance:
		return 0.0
	case core.PhasePassiveAccumulation:
		return 0.2
	case core.PhaseUrgencyRamp:
		return 0.5
	case core.PhaseDeadlineClose:
		return 0.9
	default:
		return 0
	}
}

// Score combines the components under the given weights, clamped to [0,1]
func (w Weights) Score(timeProgress, fillRatio float64, phase core.ExecPhase) float64 {
	return clamp01(w.Time*TimeUrgency(timeProgress) +
		w.Fill*FillUrgency(timeProgress, fillRatio) +
		w.Phase*PhaseUrgency(phase))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
