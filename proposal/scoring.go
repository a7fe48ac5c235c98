package proposal

import (
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/types"
)

// IVRSource supplies implied-volatility rank for a symbol. Modeling it as
// an interface makes it a pluggable input with a documented contract
// instead of a bare constant.
type IVRSource interface {
	IVR(symbol string) decimal.Decimal
}

// DefaultIVRSource returns the documented 0.5 placeholder for every symbol
// until a real IVR feed is wired in.
type DefaultIVRSource struct{}

func (DefaultIVRSource) IVR(string) decimal.Decimal {
	return decimal.NewFromFloat(0.5)
}

// scoreWeights are the weighted-sum coefficients for the composite score;
// they sum to 1 so the composite stays in [0,1] given normalized
// sub-scores.
var scoreWeights = struct {
	ivr, verticalSkew, termStructure, deltaFitness, ev decimal.Decimal
}{
	ivr:           decimal.NewFromFloat(0.20),
	verticalSkew:  decimal.NewFromFloat(0.15),
	termStructure: decimal.NewFromFloat(0.15),
	deltaFitness:  decimal.NewFromFloat(0.25),
	ev:            decimal.NewFromFloat(0.25),
}

// ScoredCandidate adds the computed metrics and composite score to a
// RawCandidate.
type ScoredCandidate struct {
	RawCandidate
	POP           decimal.Decimal
	EV            decimal.Decimal
	VerticalSkew  decimal.Decimal
	TermStructure decimal.Decimal
	Scores        types.ComponentScores
	Composite     float64
}

// score computes POP, EV, vertical skew, a term-structure placeholder, and
// the weighted composite. Returns ok=false with a
// filterReason if POP falls outside (0, 1) — these are bucketed as
// scoringRejections, distinct from the pre-scoring hard filters. The delta
// band itself is not checked here; buildCandidates applies it.
func score(rc RawCandidate, d strategyDescriptor, ivr IVRSource) (ScoredCandidate, filterReason, bool) {
	absDelta := rc.Short.Delta.Abs()
	pop := decimal.NewFromInt(1).Sub(absDelta)
	if pop.LessThanOrEqual(decimal.Zero) || pop.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ScoredCandidate{}, reasonPopOutOfBand, false
	}

	width := decimal.NewFromInt(int64(rc.Width))
	var ev decimal.Decimal
	if d.isCredit() {
		loss := width.Sub(rc.Credit)
		ev = pop.Mul(rc.Credit).Sub(decimal.NewFromInt(1).Sub(pop).Mul(loss))
	} else {
		debit := rc.Credit.Neg()
		gain := width.Sub(debit)
		ev = pop.Mul(gain).Sub(decimal.NewFromInt(1).Sub(pop).Mul(debit))
	}

	skew := rc.Long.IV.Sub(rc.Short.IV).Abs()
	ivrVal := ivr.IVR(rc.Symbol)

	gatedDelta := absDelta
	if !d.isCredit() {
		gatedDelta = rc.Long.Delta.Abs()
	}
	deltaBandMid := d.deltaLow.Add(d.deltaHigh).Div(decimal.NewFromInt(2))
	deltaFitness := decimal.NewFromInt(1).Sub(gatedDelta.Sub(deltaBandMid).Abs().Div(d.deltaHigh.Sub(d.deltaLow)))
	if deltaFitness.IsNegative() {
		deltaFitness = decimal.Zero
	}

	// Term structure has no dedicated data source here; the normalized
	// skew serves as its placeholder sub-score until one is wired in.
	termStructure := clampUnit(decimal.NewFromInt(1).Sub(skew.Mul(decimal.NewFromInt(4))))
	verticalSkewScore := clampUnit(decimal.NewFromInt(1).Sub(skew.Mul(decimal.NewFromInt(4))))
	evScoreNorm := clampUnit(clampRange(ev.Div(width), decimal.NewFromFloat(-1), decimal.NewFromInt(1)).Add(decimal.NewFromInt(1)).Div(decimal.NewFromInt(2)))

	composite := scoreWeights.ivr.Mul(ivrVal).
		Add(scoreWeights.verticalSkew.Mul(verticalSkewScore)).
		Add(scoreWeights.termStructure.Mul(termStructure)).
		Add(scoreWeights.deltaFitness.Mul(deltaFitness)).
		Add(scoreWeights.ev.Mul(evScoreNorm))

	compositeFloat, _ := composite.Float64()

	sc := ScoredCandidate{
		RawCandidate:  rc,
		POP:           pop,
		EV:            ev,
		VerticalSkew:  skew,
		TermStructure: termStructure,
		Scores: types.ComponentScores{
			IVR:           mustFloat(ivrVal),
			VerticalSkew:  mustFloat(verticalSkewScore),
			TermStructure: mustFloat(termStructure),
			DeltaFitness:  mustFloat(deltaFitness),
			EV:            mustFloat(evScoreNorm),
		},
		Composite: compositeFloat,
	}
	return sc, "", true
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// clampUnit bounds d to [0, 1].
func clampUnit(d decimal.Decimal) decimal.Decimal {
	return clampRange(d, decimal.Zero, decimal.NewFromInt(1))
}

// clampRange bounds d to [lo, hi].
func clampRange(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// normalizeScoreThreshold accepts both a 0..1 and a 0..100 minScore form,
// normalizing the latter by dividing by 100.
func normalizeScoreThreshold(raw float64) float64 {
	if raw > 1 {
		return raw / 100
	}
	return raw
}
