package proposal

import (
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/types"
)

// classifyRegime compares spot to a simple moving average and buckets the
// result into BULLISH/NEUTRAL/BEARISH. neutralBand is the fractional
// distance from the SMA that still counts as NEUTRAL.
func classifyRegime(spot, sma decimal.Decimal, neutralBand decimal.Decimal) types.Regime {
	if sma.IsZero() {
		return types.Neutral
	}
	pctFromSMA := spot.Sub(sma).Div(sma)
	switch {
	case pctFromSMA.GreaterThan(neutralBand):
		return types.Bullish
	case pctFromSMA.LessThan(neutralBand.Neg()):
		return types.Bearish
	default:
		return types.Neutral
	}
}

// directionalScore is the short-term trend-strength helper used for
// directional gating: the same spot-vs-SMA distance used for regime
// classification, expressed as a signed fraction so a caller can compare it
// to a per-mode threshold.
func directionalScore(spot, sma decimal.Decimal) decimal.Decimal {
	if sma.IsZero() {
		return decimal.Zero
	}
	return spot.Sub(sma).Div(sma)
}

// passesDirectionalGate: a credit-put (bullish-biased) or debit-call
// (bullish) strategy needs a trend score at or above the threshold; their
// bearish counterparts need one at or below minus the threshold.
// sandboxRelax halves the threshold, moving it toward zero for a softer gate
// in SANDBOX_PAPER mode.
func passesDirectionalGate(strategy types.Strategy, trendScore decimal.Decimal, threshold decimal.Decimal, sandboxRelax bool) bool {
	gate := threshold
	if sandboxRelax {
		gate = gate.Div(decimal.NewFromInt(2))
	}
	bullishBiased := strategy == types.BullPutCredit || strategy == types.BullCallDebit
	if bullishBiased {
		return trendScore.GreaterThanOrEqual(gate)
	}
	return trendScore.LessThanOrEqual(gate.Neg())
}
