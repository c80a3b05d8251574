package timeaware

import (
	"math"

	"rebalancer/internal/core"

	"github.com/shopspring/decimal"
)

// pegRatio is the spread fraction each peg prices at, measured from the
// passive side (bid for BUY, ask for SELL).
var pegRatio = map[core.PegType]decimal.Decimal{
	core.PegFarTouch:  decimal.Zero,
	core.PegMid:       decimal.NewFromFloat(0.50),
	core.PegInside75:  decimal.NewFromFloat(0.75),
	core.PegNearTouch: decimal.NewFromInt(1),
	core.PegCross:     decimal.NewFromInt(1),
}

// pegAggression orders pegs from most passive to most aggressive across all
// phases, used when deciding whether a working child is now too passive.
var pegAggression = map[core.PegType]int{
	core.PegFarTouch:  0,
	core.PegMid:       1,
	core.PegInside75:  2,
	core.PegNearTouch: 3,
	core.PegCross:     4,
	core.PegMarket:    5,
}

var minPegPrice = decimal.NewFromFloat(0.01)

// PegPrice computes the limit price for a peg. isMarket is true for the
// MARKET peg, where no price applies.
func PegPrice(peg core.PegType, side core.OrderSide, q *core.Quote) (price decimal.Decimal, isMarket bool) {
	if peg == core.PegMarket {
		return decimal.Zero, true
	}
	r := pegRatio[peg]
	spread := q.Spread()
	if side == core.SideBuy {
		price = q.BidPrice.Add(spread.Mul(r)).RoundBank(2)
	} else {
		price = q.AskPrice.Sub(spread.Mul(r)).RoundBank(2)
	}
	if price.LessThan(minPegPrice) {
		price = minPegPrice
	}
	return price, false
}

// SelectPeg picks the peg warranted by the urgency score from the phase's
// allowed list: rank floor(urgency * (n-1)) into the passive-to-aggressive
// ordering.
func SelectPeg(urgency float64, allowed []core.PegType) core.PegType {
	if len(allowed) == 0 {
		return core.PegFarTouch
	}
	rank := int(math.Floor(clamp01(urgency) * float64(len(allowed)-1)))
	return allowed[rank]
}

// MorePassive reports whether peg a is strictly more passive than b
func MorePassive(a, b core.PegType) bool {
	return pegAggression[a] < pegAggression[b]
}
