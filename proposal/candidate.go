package proposal

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/types"
)

// RawCandidate is the un-scored output of a strategy builder.
type RawCandidate struct {
	Symbol      string
	Expiration  string
	Strategy    types.Strategy
	ShortStrike decimal.Decimal
	LongStrike  decimal.Decimal
	Width       int
	Credit      decimal.Decimal // signed: positive for credit spreads, negative for debit

	Short broker.OptionContract
	Long  broker.OptionContract
}

// filterReason is a categorical rejection bucket for observability; never
// an error.
type filterReason string

const (
	reasonMissingLegs       filterReason = "MISSING_OPTION_LEGS"
	reasonInvalidQuotes     filterReason = "INVALID_QUOTES"
	reasonLiquiditySpread   filterReason = "LIQUIDITY_SPREAD_TOO_WIDE"
	reasonMissingIV         filterReason = "MISSING_IV"
	reasonVerticalSkew      filterReason = "VERTICAL_SKEW_OUT_OF_RANGE"
	reasonCreditBelowMin    filterReason = "CREDIT_BELOW_MINIMUM"
	reasonDebitBelowMin     filterReason = "DEBIT_BELOW_MINIMUM"
	reasonDebitAboveMax     filterReason = "DEBIT_ABOVE_MAXIMUM"
	reasonDirectionalGate   filterReason = "DIRECTIONAL_GATE"
	reasonDeltaOutOfBand    filterReason = "DELTA_OUT_OF_BAND"
	reasonPopOutOfBand      filterReason = "POP_OUT_OF_BAND"
)

// buildCandidates runs the parametric builder for descriptor d against one
// (symbol, expiration) chain, producing a RawCandidate per eligible
// short-strike in the chain.
func buildCandidates(symbol, expiration string, d strategyDescriptor, chain []broker.OptionContract, spreadWidth int) []RawCandidate {
	byStrike := map[string]broker.OptionContract{}
	var strikes []decimal.Decimal
	for _, c := range chain {
		if c.OptionType != string(d.optType) {
			continue
		}
		key := c.Strike.StringFixed(4)
		byStrike[key] = c
		strikes = append(strikes, c.Strike)
	}

	var candidates []RawCandidate
	for _, shortStrike := range strikes {
		short, ok := byStrike[shortStrike.StringFixed(4)]
		if !ok {
			continue
		}
		longStrike := shortStrike.Add(decimal.NewFromInt(int64(d.widthSign * spreadWidth)))
		long, ok := byStrike[longStrike.StringFixed(4)]
		if !ok {
			continue
		}

		gated := short
		if !d.isCredit() {
			gated = long
		}
		absDelta := gated.Delta.Abs()
		if absDelta.LessThan(d.deltaLow) || absDelta.GreaterThan(d.deltaHigh) {
			continue
		}

		credit := netCredit(d, short, long)

		candidates = append(candidates, RawCandidate{
			Symbol:      symbol,
			Expiration:  expiration,
			Strategy:    d.strategy,
			ShortStrike: shortStrike,
			LongStrike:  longStrike,
			Width:       spreadWidth,
			Credit:      credit,
			Short:       short,
			Long:        long,
		})
	}
	return candidates
}

// netCredit computes the signed premium: positive credit received for
// credit spreads, negative (a debit paid) for debit spreads, using mid
// prices for both legs.
func netCredit(d strategyDescriptor, short, long broker.OptionContract) decimal.Decimal {
	shortMid := mid(short)
	longMid := mid(long)
	if d.isCredit() {
		return shortMid.Sub(longMid)
	}
	return longMid.Sub(shortMid).Neg()
}

func mid(c broker.OptionContract) decimal.Decimal {
	return c.Bid.Add(c.Ask).Div(decimal.NewFromInt(2))
}

// hardFilter applies the pre-scoring checks, returning a reason string
// ("" if the candidate passes).
func hardFilter(rc RawCandidate, d strategyDescriptor, minCreditFraction decimal.Decimal, debitMin, debitMax decimal.Decimal, liquidityCap decimal.Decimal, skewCap decimal.Decimal, relaxed bool) filterReason {
	if rc.Short.Symbol == "" || rc.Long.Symbol == "" {
		return reasonMissingLegs
	}
	for _, leg := range []struct {
		bid, ask decimal.Decimal
	}{{rc.Short.Bid, rc.Short.Ask}, {rc.Long.Bid, rc.Long.Ask}} {
		if !leg.bid.IsPositive() || !leg.ask.IsPositive() || leg.bid.GreaterThanOrEqual(leg.ask) {
			return reasonInvalidQuotes
		}
	}
	for _, leg := range []broker.OptionContract{rc.Short, rc.Long} {
		spread := leg.Ask.Sub(leg.Bid)
		cap := liquidityCap
		if relaxed {
			pctOfMid := mid(leg).Mul(decimal.NewFromFloat(0.15))
			if pctOfMid.GreaterThan(cap) {
				cap = pctOfMid
			}
		}
		if spread.GreaterThan(cap) {
			return reasonLiquiditySpread
		}
	}
	if rc.Short.IV.IsZero() || rc.Long.IV.IsZero() {
		return reasonMissingIV
	}
	skew := rc.Long.IV.Sub(rc.Short.IV).Abs()
	if skew.GreaterThan(skewCap) && !relaxed {
		return reasonVerticalSkew
	}

	width := decimal.NewFromInt(int64(rc.Width))
	if d.isCredit() {
		if rc.Credit.LessThan(width.Mul(minCreditFraction)) {
			return reasonCreditBelowMin
		}
	} else {
		debit := rc.Credit.Neg()
		if debit.LessThan(debitMin) {
			return reasonDebitBelowMin
		}
		if debit.GreaterThan(debitMax) {
			return reasonDebitAboveMax
		}
	}
	return ""
}

func (r filterReason) String() string {
	return fmt.Sprintf("HARD_FILTER:%s", string(r))
}
