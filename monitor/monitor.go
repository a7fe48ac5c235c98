package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/clock"
	"github.com/optrader/spreadctl/config"
	"github.com/optrader/spreadctl/risk"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

// BrokerClient is the subset of broker.Client the evaluator consumes.
type BrokerClient interface {
	GetOptionChain(ctx context.Context, symbol, expiration string) ([]broker.OptionContract, error)
}

// Store is the subset of storage.Store the evaluator consumes.
type Store interface {
	SaveTrade(t *storage.Trade) error
	GetPositionsForSymbol(symbol, expiration string) ([]storage.PortfolioPosition, error)
	GetOrdersForTrade(tradeID string) ([]storage.Order, error)
}

// TickSource supplies the recent underlying-price history used for the
// 15-second spike check; satisfied by clock.TickBuffer.
type TickSource interface {
	ChangeSince(d time.Duration) (decimal.Decimal, bool)
}

// Evaluator runs the structural pre-check and ordered close rules for one
// open trade at a time.
type Evaluator struct {
	broker BrokerClient
	store  Store
	ticks  map[string]TickSource
}

// NewEvaluator builds an Evaluator. ticks maps underlying symbol to its tick
// buffer; a symbol absent from the map simply never trips the spike rule.
func NewEvaluator(brokerClient BrokerClient, store Store, ticks map[string]TickSource) *Evaluator {
	return &Evaluator{broker: brokerClient, store: store, ticks: ticks}
}

// Outcome is EvaluateOpenTrade's return value.
type Outcome struct {
	Trigger    types.CloseTrigger
	Metrics    Metrics
	ExitReason string
}

// EvaluateOpenTrade runs the structural pre-check, computes metrics, then
// the nine ordered close rules, first match wins. A transient broker/network
// error yields
// TriggerNone (retry next tick) rather than a Go error; a structural break
// is folded into the EMERGENCY trigger, never returned as an error.
func (e *Evaluator) EvaluateOpenTrade(ctx context.Context, trade storage.Trade, now time.Time, cfg config.Settings) Outcome {
	chain, err := e.broker.GetOptionChain(ctx, trade.Symbol, trade.Expiration)
	if err != nil {
		if risk.IsStructuralError(err.Error()) {
			return Outcome{Trigger: types.TriggerEmergency, ExitReason: "STRUCTURAL_BREAK: " + err.Error()}
		}
		log.Warn().Err(err).Str("tradeId", trade.ID).Msg("monitor: chain fetch failed, transient, retrying next cycle")
		return Outcome{Trigger: types.TriggerNone}
	}

	positions, err := e.store.GetPositionsForSymbol(trade.Symbol, trade.Expiration)
	if err != nil {
		log.Warn().Err(err).Str("tradeId", trade.ID).Msg("monitor: position lookup failed, transient")
		return Outcome{Trigger: types.TriggerNone}
	}
	orders, err := e.store.GetOrdersForTrade(trade.ID)
	if err != nil {
		log.Warn().Err(err).Str("tradeId", trade.ID).Msg("monitor: order lookup failed, transient")
		return Outcome{Trigger: types.TriggerNone}
	}

	if res := checkStructure(trade, chain, positions, orders, now, cfg.SettlingWindow); !res.OK {
		log.Error().Str("tradeId", trade.ID).Str("reason", res.Reason).Msg("monitor: structural break")
		return Outcome{Trigger: types.TriggerEmergency, ExitReason: "STRUCTURAL_BREAK: " + res.Reason}
	}

	short, long, _ := legsForTrade(trade, chain)
	m := computeMetrics(trade, short, long, now, cfg.LiquiditySpreadThreshold)

	if trigger, reason, ok := e.rule1Emergency(trade, m, cfg); ok {
		return Outcome{Trigger: trigger, Metrics: m, ExitReason: reason}
	}

	if trade.EntryPrice.IsZero() {
		// A trade with no recorded entry price can't compute a profit/loss
		// fraction, so only TIME_EXIT and the structural rules apply.
		if e.timeExit(m, cfg, now) {
			return Outcome{Trigger: types.TriggerTimeExit, Metrics: m, ExitReason: "TIME_EXIT"}
		}
		return Outcome{Trigger: types.TriggerNone, Metrics: m}
	}

	peakIncreased := e.updatePeak(&trade, m)
	if peakIncreased {
		if err := e.store.SaveTrade(&trade); err != nil {
			log.Warn().Err(err).Str("tradeId", trade.ID).Msg("monitor: failed to persist trailing peak")
		}
	}

	if trade.MaxSeenProfitFraction.GreaterThanOrEqual(cfg.TrailArmFraction) &&
		trade.MaxSeenProfitFraction.Sub(m.ProfitFraction).GreaterThanOrEqual(cfg.TrailGiveBackFraction) {
		return Outcome{Trigger: types.TriggerTrailProfit, Metrics: m, ExitReason: "TRAIL_PROFIT"}
	}

	profitTarget := cfg.ProfitTargetFractionDebit
	stopLoss := cfg.StopLossFractionDebit
	if trade.Strategy.IsCredit() {
		profitTarget = cfg.ProfitTargetFractionCredit
		stopLoss = cfg.StopLossFractionCredit
	}
	if stopLoss.IsNegative() {
		// A negative stored threshold is a stale/legacy value; fall back to
		// the default rather than letting a negative fraction always trip.
		if trade.Strategy.IsCredit() {
			stopLoss = decimal.NewFromFloat(0.10)
		} else {
			stopLoss = decimal.NewFromFloat(0.50)
		}
	}

	if m.ProfitFraction.GreaterThanOrEqual(profitTarget) {
		return Outcome{Trigger: types.TriggerProfitTarget, Metrics: m, ExitReason: "PROFIT_TARGET"}
	}
	if m.LossFraction.GreaterThanOrEqual(stopLoss) {
		return Outcome{Trigger: types.TriggerStopLoss, Metrics: m, ExitReason: "STOP_LOSS"}
	}

	if trade.Strategy.IsCredit() && trade.IVEntry != nil && !short.IV.IsZero() {
		crushLevel := trade.IVEntry.Mul(cfg.IVCrushRatio)
		if short.IV.LessThanOrEqual(crushLevel) && m.ProfitFraction.GreaterThanOrEqual(cfg.IVCrushMinPnLFraction) {
			return Outcome{Trigger: types.TriggerIVCrush, Metrics: m, ExitReason: "IV_CRUSH_EXIT"}
		}
	}

	if e.timeExit(m, cfg, now) {
		return Outcome{Trigger: types.TriggerTimeExit, Metrics: m, ExitReason: "TIME_EXIT"}
	}

	if trade.Strategy.IsCredit() && m.CurrentMark.LessThanOrEqual(cfg.LowValueThreshold) {
		return Outcome{Trigger: types.TriggerLowValue, Metrics: m, ExitReason: "LOW_VALUE_CLOSE"}
	}

	if m.CurrentMark.LessThanOrEqual(decimal.Zero) {
		return Outcome{Trigger: types.TriggerEmergency, Metrics: m, ExitReason: "STRUCTURE_INVALID"}
	}

	return Outcome{Trigger: types.TriggerNone, Metrics: m}
}

// rule1Emergency fires on bad liquidity, bad quote integrity, or an
// underlying spike beyond the configured window/threshold.
func (e *Evaluator) rule1Emergency(trade storage.Trade, m Metrics, cfg config.Settings) (types.CloseTrigger, string, bool) {
	if !m.LiquidityOK {
		return types.TriggerEmergency, "EMERGENCY: per-leg spread exceeds liquidity threshold", true
	}
	if !m.QuoteIntegrityOK {
		return types.TriggerEmergency, "EMERGENCY: quote integrity check failed", true
	}
	if ticks, ok := e.ticks[trade.Symbol]; ok {
		if change, ok := ticks.ChangeSince(cfg.UnderlyingSpikeWindow); ok {
			if change.Abs().GreaterThanOrEqual(cfg.UnderlyingSpikeThreshold) {
				return types.TriggerEmergency, "EMERGENCY: underlying spike exceeded threshold", true
			}
		}
	}
	return types.TriggerNone, "", false
}

// updatePeak applies peak := max(stored peak, max(0, profitFraction));
// returns true if the stored value increased.
func (e *Evaluator) updatePeak(trade *storage.Trade, m Metrics) bool {
	floor := decimal.Zero
	candidate := m.ProfitFraction
	if candidate.LessThan(floor) {
		candidate = floor
	}
	if candidate.GreaterThan(trade.MaxSeenProfitFraction) {
		trade.MaxSeenProfitFraction = candidate
		return true
	}
	return false
}

// timeExit fires once DTE <= threshold AND ET wall-clock >= cutoff.
func (e *Evaluator) timeExit(m Metrics, cfg config.Settings, now time.Time) bool {
	if m.DTE > cfg.TimeExitDTE {
		return false
	}
	cutoff, err := parseETCutoff(cfg.TimeExitCutoffET)
	if err != nil {
		return false
	}
	et := now.In(clock.Eastern)
	sinceMidnight := time.Duration(et.Hour())*time.Hour + time.Duration(et.Minute())*time.Minute + time.Duration(et.Second())*time.Second
	return sinceMidnight >= cutoff
}

func parseETCutoff(hhmm string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
