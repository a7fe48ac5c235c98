package proposal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/clock"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

// BrokerClient is the subset of broker.Client the pipeline consumes.
type BrokerClient interface {
	GetUnderlyingQuote(ctx context.Context, symbol string) (*broker.Quote, error)
	GetOptionChain(ctx context.Context, symbol, expiration string) ([]broker.OptionContract, error)
}

// Store is the subset of storage.Store the pipeline consumes.
type Store interface {
	SaveProposal(p *storage.Proposal) error
	GetOpenTrades() ([]storage.Trade, error)
}

// Params resolves every threshold the pipeline needs for one run; callers
// build this from config.Settings plus any store-level overrides.
type Params struct {
	Mode types.TradingMode

	MinScore          float64 // accepted in 0..1 or 0..100 form, normalized at use
	MinCreditFraction decimal.Decimal
	DebitMin          decimal.Decimal
	DebitMax          decimal.Decimal
	MinDTE            int
	MaxDTE            int

	EligibleSymbols    []string
	UnderlyingWhitelist []string
	StrategyWhitelist  []types.Strategy

	SpreadWidth            int
	LiquiditySpreadCap      decimal.Decimal
	VerticalSkewCap         decimal.Decimal
	DirectionalGateThreshold decimal.Decimal
	NeutralBand             decimal.Decimal
	MaxExpirationsPerSymbol int

	RVIVBandLow, RVIVBandHigh decimal.Decimal
	RVIV                      decimal.Decimal // realized/implied ratio input for the current run

	Quantity int // contracts per new trade, from config.Settings.DefaultTradeQuantity
}

// Generator runs the proposal pipeline.
type Generator struct {
	broker BrokerClient
	store  Store
	ivr    IVRSource
	smas   map[string]*clock.TickBuffer // symbol -> SMA20 source
}

// NewGenerator builds a Generator. smaSource maps symbol to the tick buffer
// used for its SMA20 regime read; a symbol absent from the map is treated
// as NEUTRAL regime (no SMA data yet).
func NewGenerator(brokerClient BrokerClient, store Store, ivr IVRSource, smaSource map[string]*clock.TickBuffer) *Generator {
	if ivr == nil {
		ivr = DefaultIVRSource{}
	}
	return &Generator{broker: brokerClient, store: store, ivr: ivr, smas: smaSource}
}

// Result is the pipeline's return value: at most one proposal, or a summary
// explaining why none was emitted.
type Result struct {
	Proposal *storage.Proposal
	Summary  Summary
}

// GenerateProposal runs all thirteen stages and persists at most one
// Proposal.
func (g *Generator) GenerateProposal(ctx context.Context, now time.Time, p Params) Result {
	summary := newSummary(now)

	minScore := normalizeScoreThreshold(p.MinScore)
	relaxed := p.Mode == types.ModeSandboxPaper

	if !relaxed {
		if p.RVIV.LessThan(p.RVIVBandLow) || p.RVIV.GreaterThan(p.RVIVBandHigh) {
			summary.Reason = "RV/IV ratio outside accepted band"
			log.Warn().Str("rviv", p.RVIV.String()).Msg("proposal run aborted: RV/IV integrity check failed")
			return Result{Summary: summary}
		}
	}

	symbols := intersect(p.EligibleSymbols, p.UnderlyingWhitelist)
	activeDescriptors := g.resolveStrategies(p, symbols)

	var passing []ScoredCandidate

	for _, symbol := range symbols {
		cands, err := g.candidatesForSymbol(ctx, symbol, p, activeDescriptors, relaxed, &summary)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("proposal: symbol run failed, continuing")
			continue
		}
		passing = append(passing, cands...)
	}

	summary.CandidateCount = len(passing)

	trades, err := g.store.GetOpenTrades()
	if err != nil {
		summary.Reason = fmt.Sprintf("store error: %v", err)
		log.Error().Err(err).Msg("proposal: failed to load open trades for net-credit guard")
		return Result{Summary: summary}
	}
	portfolioPremium := netPortfolioPremium(trades)

	var admitted []ScoredCandidate
	for _, c := range passing {
		contribution := c.Credit
		if portfolioPremium.Add(contribution).IsNegative() {
			continue
		}
		if c.Composite < minScore {
			continue
		}
		admitted = append(admitted, c)
	}
	summary.PassingCount = len(admitted)

	if len(admitted) == 0 {
		if summary.Reason == "" {
			summary.Reason = "no candidate passed scoring and portfolio guard"
		}
		log.Info().Interface("summary", summary).Msg("proposal run: no candidate selected")
		return Result{Summary: summary}
	}

	sort.Slice(admitted, func(i, j int) bool {
		if admitted[i].Composite != admitted[j].Composite {
			return admitted[i].Composite > admitted[j].Composite
		}
		if !admitted[i].EV.Equal(admitted[j].EV) {
			return admitted[i].EV.GreaterThan(admitted[j].EV)
		}
		return admitted[i].Credit.GreaterThan(admitted[j].Credit)
	})

	best := admitted[0]
	summary.BestScore = best.Composite
	summary.ChosenExpiration = best.Expiration
	summary.ChosenScore = best.Composite

	quantity := p.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	proposal := &storage.Proposal{
		ID:                 uuid.NewString(),
		Symbol:             best.Symbol,
		Expiration:         best.Expiration,
		ShortStrike:        best.ShortStrike,
		LongStrike:         best.LongStrike,
		Width:              best.Width,
		Quantity:           quantity,
		Strategy:           best.Strategy,
		CreditTarget:       best.Credit,
		Score:              best.Composite,
		ScoreIVR:           best.Scores.IVR,
		ScoreVerticalSkew:  best.Scores.VerticalSkew,
		ScoreTermStructure: best.Scores.TermStructure,
		ScoreDeltaFitness:  best.Scores.DeltaFitness,
		ScoreEV:            best.Scores.EV,
		Status:             types.ProposalReady,
		Kind:               types.ProposalEntry,
		CreatedAt:          now,
	}

	if err := g.store.SaveProposal(proposal); err != nil {
		summary.Reason = fmt.Sprintf("store error saving proposal: %v", err)
		log.Error().Err(err).Msg("proposal: failed to persist chosen proposal")
		return Result{Summary: summary}
	}

	log.Info().Str("proposalId", proposal.ID).Str("symbol", proposal.Symbol).
		Str("strategy", string(proposal.Strategy)).Float64("score", proposal.Score).
		Msg("proposal generated")
	log.Info().Interface("summary", summary).Msg("proposal run summary")

	return Result{Proposal: proposal, Summary: summary}
}

// resolveStrategies applies stage 3: strategy whitelist plus regime gating
// of the first eligible symbol (used as the run's primary symbol).
func (g *Generator) resolveStrategies(p Params, symbols []string) []strategyDescriptor {
	enabled := enabledDescriptors(p.StrategyWhitelist)
	if len(symbols) == 0 {
		return enabled
	}
	regime := g.regimeFor(symbols[0], p.NeutralBand)

	var gated []strategyDescriptor
	for _, d := range enabled {
		if d.tolerates(regime) {
			gated = append(gated, d)
		}
	}
	return gated
}

func (g *Generator) regimeFor(symbol string, neutralBand decimal.Decimal) types.Regime {
	buf, ok := g.smas[symbol]
	if !ok {
		return types.Neutral
	}
	spot, spotOK := buf.Latest()
	sma, smaOK := buf.Average()
	if !spotOK || !smaOK {
		return types.Neutral
	}
	return classifyRegime(spot, sma, neutralBand)
}

// candidatesForSymbol runs stages 5-11 for one symbol.
func (g *Generator) candidatesForSymbol(ctx context.Context, symbol string, p Params, descs []strategyDescriptor, relaxed bool, summary *Summary) ([]ScoredCandidate, error) {
	quote, err := g.broker.GetUnderlyingQuote(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get underlying quote: %w", err)
	}
	if !quote.Bid.IsPositive() || !quote.Ask.IsPositive() || !quote.Last.IsPositive() {
		return nil, fmt.Errorf("invalid underlying quote for %s", symbol)
	}

	expirations := g.eligibleExpirations(ctx, symbol, p)
	if len(expirations) > p.MaxExpirationsPerSymbol && p.MaxExpirationsPerSymbol > 0 {
		expirations = expirations[:p.MaxExpirationsPerSymbol]
	}

	var out []ScoredCandidate
	trendScore := directionalScore(quote.Last, g.smaOrSpot(symbol, quote.Last))

	for _, expiration := range expirations {
		chain, err := g.broker.GetOptionChain(ctx, symbol, expiration)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Str("expiration", expiration).Msg("proposal: chain fetch failed")
			continue
		}
		if len(chain) == 0 {
			continue
		}

		for _, d := range descs {
			raw := buildCandidates(symbol, expiration, d, chain, p.SpreadWidth)
			for _, rc := range raw {
				if !passesDirectionalGate(d.strategy, trendScore, p.DirectionalGateThreshold, relaxed) {
					summary.bumpFilter(reasonDirectionalGate)
					continue
				}
				if reason := hardFilter(rc, d, p.MinCreditFraction, p.DebitMin, p.DebitMax, p.LiquiditySpreadCap, p.VerticalSkewCap, relaxed); reason != "" {
					summary.bumpFilter(reason)
					continue
				}
				sc, reason, ok := score(rc, d, g.ivr)
				if !ok {
					summary.bumpScoringRejection(reason)
					continue
				}
				summary.ScoredCount++
				summary.bumpHistogram(sc.Composite)
				out = append(out, sc)
			}
		}
	}
	return out, nil
}

func (g *Generator) smaOrSpot(symbol string, spot decimal.Decimal) decimal.Decimal {
	buf, ok := g.smas[symbol]
	if !ok {
		return spot
	}
	sma, ok := buf.Average()
	if !ok {
		return spot
	}
	return sma
}

// eligibleExpirations steps forward through Fridays within [minDte, maxDte].
func (g *Generator) eligibleExpirations(_ context.Context, _ string, p Params) []string {
	now := clock.Now()
	var out []string
	for d := 0; d <= p.MaxDTE+7; d++ {
		candidate := now.AddDate(0, 0, d)
		if candidate.Weekday() != time.Friday {
			continue
		}
		dte := clock.DaysToExpiration(now, candidate)
		if dte < p.MinDTE || dte > p.MaxDTE {
			continue
		}
		out = append(out, candidate.Format("2006-01-02"))
	}
	return out
}

// netPortfolioPremium sums existing premium across open trades for the
// portfolio net-credit guard: credit spreads add entryPrice×qty×100, debit
// spreads subtract.
func netPortfolioPremium(trades []storage.Trade) decimal.Decimal {
	total := decimal.Zero
	hundred := decimal.NewFromInt(100)
	for _, t := range trades {
		contribution := t.EntryPrice.Mul(decimal.NewFromInt(int64(t.Quantity))).Mul(hundred)
		if t.Strategy.IsCredit() {
			total = total.Add(contribution)
		} else {
			total = total.Sub(contribution)
		}
	}
	return total
}

// intersect returns elements of base also present in whitelist; an empty
// whitelist means "no restriction".
func intersect(base, whitelist []string) []string {
	if len(whitelist) == 0 {
		return base
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, s := range whitelist {
		allowed[s] = true
	}
	var out []string
	for _, s := range base {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
