// Package proposal is the proposal generation pipeline: symbols ×
// strategies × expirations → a single scored, filtered candidate persisted
// per tick. The near-identical per-strategy builders are collapsed into one
// descriptor table plus one parametric builder rather than a
// near-duplicate function per strategy.
package proposal

import (
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/types"
)

// strategyDescriptor is one row of the strategy table: everything the
// parametric builder needs to turn a chain + underlying quote into a
// RawCandidate for one strategy shape.
type strategyDescriptor struct {
	strategy types.Strategy
	optType  types.OptionType

	// widthSign determines long = short + widthSign*width.
	widthSign int

	// shortBelowSpot is true when the short leg must be OTM below spot
	// (puts sold under the market); false when it must be OTM above spot.
	shortBelowSpot bool

	// deltaLow/deltaHigh bound |delta| of the leg the strategy gates on:
	// the short leg for credit spreads, the long leg for debit spreads.
	deltaLow, deltaHigh decimal.Decimal

	// toleratedRegimes lists the regimes this strategy may be proposed in.
	toleratedRegimes []types.Regime
}

var descriptors = []strategyDescriptor{
	{
		strategy:       types.BullPutCredit,
		optType:        types.Put,
		widthSign:      -1,
		shortBelowSpot: true,
		deltaLow:       decimal.NewFromFloat(0.20),
		deltaHigh:      decimal.NewFromFloat(0.35),
		toleratedRegimes: []types.Regime{types.Bullish, types.Neutral},
	},
	{
		strategy:       types.BearCallCredit,
		optType:        types.Call,
		widthSign:      1,
		shortBelowSpot: false,
		deltaLow:       decimal.NewFromFloat(0.20),
		deltaHigh:      decimal.NewFromFloat(0.35),
		toleratedRegimes: []types.Regime{types.Bearish, types.Neutral},
	},
	{
		strategy:       types.BullCallDebit,
		optType:        types.Call,
		widthSign:      -1,
		shortBelowSpot: false,
		deltaLow:       decimal.NewFromFloat(0.40),
		deltaHigh:      decimal.NewFromFloat(0.55),
		toleratedRegimes: []types.Regime{types.Bullish},
	},
	{
		strategy:       types.BearPutDebit,
		optType:        types.Put,
		widthSign:      1,
		shortBelowSpot: true,
		deltaLow:       decimal.NewFromFloat(0.40),
		deltaHigh:      decimal.NewFromFloat(0.55),
		toleratedRegimes: []types.Regime{types.Bearish},
	},
}

func (d strategyDescriptor) isCredit() bool {
	return d.strategy.IsCredit()
}

func (d strategyDescriptor) tolerates(regime types.Regime) bool {
	for _, r := range d.toleratedRegimes {
		if r == regime {
			return true
		}
	}
	return false
}

// enabledDescriptors filters the full table by a strategy whitelist; an
// empty whitelist enables every strategy.
func enabledDescriptors(whitelist []types.Strategy) []strategyDescriptor {
	if len(whitelist) == 0 {
		return descriptors
	}
	allowed := make(map[types.Strategy]bool, len(whitelist))
	for _, s := range whitelist {
		allowed[s] = true
	}
	var out []strategyDescriptor
	for _, d := range descriptors {
		if allowed[d.strategy] {
			out = append(out, d)
		}
	}
	return out
}
