// Package cycle is the scheduler: the tick loop that wires every other
// component together and drives one iteration of the trading sequence —
// snapshot sync, close-rule evaluation, exit submission, entry gating,
// proposal generation, entry submission. A single exported Scheduler type
// wraps a mutex-guarded "tick in flight" flag plus Setting-row heartbeat
// writes.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/clock"
	"github.com/optrader/spreadctl/config"
	"github.com/optrader/spreadctl/execution"
	"github.com/optrader/spreadctl/monitor"
	"github.com/optrader/spreadctl/proposal"
	"github.com/optrader/spreadctl/risk"
	"github.com/optrader/spreadctl/snapshot"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

// Notifier is the subset of notify.Bot the scheduler consumes.
type Notifier interface {
	NotifyProposalReady(ctx context.Context, p storage.Proposal)
	NotifyTradeOpened(ctx context.Context, t storage.Trade)
	NotifyTradeClosed(ctx context.Context, t storage.Trade)
	NotifyHardStop(ctx context.Context, reason string)
	NotifyEmergencyExit(ctx context.Context, t storage.Trade, reason string)
}

// BrokerClient is the subset of broker.Client the scheduler consumes
// directly (beyond what it hands to the sub-components).
type BrokerClient interface {
	GetOptionChain(ctx context.Context, symbol, expiration string) ([]broker.OptionContract, error)
}

// Store is the subset of storage.Store the scheduler consumes directly.
type Store interface {
	GetOpenTrades() ([]storage.Trade, error)
	GetPositionsForSymbol(symbol, expiration string) ([]storage.PortfolioPosition, error)
	CountOpenTrades() (int, error)
	SaveTrade(t *storage.Trade) error
	TryAcquireCycleLock(holder string, staleAfter time.Duration) bool
	SetSetting(key, value string) error
}

// Scheduler drives the trade-management tick loop.
type Scheduler struct {
	store      Store
	brokerAPI  BrokerClient
	risk       *risk.Manager
	resolver   *config.Resolver
	generator  *proposal.Generator
	evaluator  *monitor.Evaluator
	executor   *execution.Executor
	reconciler *execution.Reconciler
	syncer     *snapshot.Syncer
	notifier   Notifier

	holderID string

	mu        sync.Mutex
	ticking   bool
	lastError string
}

// NewScheduler builds a Scheduler from its already-constructed dependencies.
func NewScheduler(
	store Store,
	brokerAPI BrokerClient,
	riskManager *risk.Manager,
	resolver *config.Resolver,
	generator *proposal.Generator,
	evaluator *monitor.Evaluator,
	executor *execution.Executor,
	reconciler *execution.Reconciler,
	syncer *snapshot.Syncer,
	notifier Notifier,
	holderID string,
) *Scheduler {
	return &Scheduler{
		store:      store,
		brokerAPI:  brokerAPI,
		risk:       riskManager,
		resolver:   resolver,
		generator:  generator,
		evaluator:  evaluator,
		executor:   executor,
		reconciler: reconciler,
		syncer:     syncer,
		notifier:   notifier,
		holderID:   holderID,
	}
}

// Run blocks, firing Tick every cfg.CycleInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	cfg := config.Load(s.resolver)
	ticker := time.NewTicker(cfg.CycleInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", cfg.CycleInterval).Msg("cycle: scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cycle: scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full cycle. Non-reentrant: a tick already in flight causes a
// new call to return immediately, and the store-level advisory lock blocks a
// second process from overlapping this one.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		log.Warn().Msg("cycle: tick already in flight, skipping")
		return
	}
	s.ticking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	cfg := config.Load(s.resolver)
	if !s.store.TryAcquireCycleLock(s.holderID, cfg.CycleLockStaleAfter) {
		log.Warn().Msg("cycle: advisory lock held by another process, skipping tick")
		return
	}

	now := clock.Now()
	if err := s.runTick(ctx, now, cfg); err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		_ = s.store.SetSetting("CYCLE_LAST_ERROR", err.Error())
		log.Error().Err(err).Msg("cycle: tick failed")
		return
	}
	_ = s.store.SetSetting("CYCLE_LAST_HEARTBEAT", now.Format(time.RFC3339))
}

func (s *Scheduler) runTick(ctx context.Context, now time.Time, cfg config.Settings) error {
	if _, err := s.syncer.SyncSnapshot(ctx); err != nil {
		log.Warn().Err(err).Msg("cycle: snapshot sync failed, continuing with stale local state")
	}

	if err := s.manageOpenTrades(ctx, now, cfg); err != nil {
		return fmt.Errorf("manage open trades: %w", err)
	}

	if err := s.tryOpenNewTrade(ctx, now, cfg); err != nil {
		return fmt.Errorf("open new trade: %w", err)
	}

	return nil
}

// manageOpenTrades implements the monitor half of the tick: evaluate every
// open trade's close rules and submit an exit for anything that tripped.
func (s *Scheduler) manageOpenTrades(ctx context.Context, now time.Time, cfg config.Settings) error {
	trades, err := s.store.GetOpenTrades()
	if err != nil {
		return err
	}

	for _, trade := range trades {
		outcome := s.evaluator.EvaluateOpenTrade(ctx, trade, now, cfg)
		if outcome.Trigger == types.TriggerNone {
			continue
		}

		log.Info().Str("tradeId", trade.ID).Str("trigger", string(outcome.Trigger)).Str("reason", outcome.ExitReason).
			Msg("cycle: close trigger fired, submitting exit")

		legs, err := s.remainingLegs(trade)
		if err != nil {
			log.Warn().Err(err).Str("tradeId", trade.ID).Msg("cycle: could not resolve remaining legs for exit")
			continue
		}

		trade.ExitReason = outcome.ExitReason
		trade.Status = types.TradeClosingPending
		if err := s.store.SaveTrade(&trade); err != nil {
			log.Warn().Err(err).Str("tradeId", trade.ID).Msg("cycle: failed to mark trade closing-pending")
		}

		if _, err := s.executor.PlaceExit(ctx, trade, legs, outcome.ExitReason); err != nil {
			log.Error().Err(err).Str("tradeId", trade.ID).Msg("cycle: exit placement failed")
			continue
		}

		if outcome.Trigger == types.TriggerEmergency && s.notifier != nil {
			s.notifier.NotifyEmergencyExit(ctx, trade, outcome.ExitReason)
		}
	}

	return nil
}

// remainingLegs converts a trade's currently-held broker positions into the
// executor's ExitLeg shape.
func (s *Scheduler) remainingLegs(trade storage.Trade) ([]execution.ExitLeg, error) {
	positions, err := s.store.GetPositionsForSymbol(trade.Symbol, trade.Expiration)
	if err != nil {
		return nil, err
	}

	shortKey := storage.PositionKey(trade.Symbol, trade.Expiration, trade.Strategy.OptionType(), trade.ShortStrike, types.Short)
	longKey := storage.PositionKey(trade.Symbol, trade.Expiration, trade.Strategy.OptionType(), trade.LongStrike, types.Long)

	exp, err := clock.ParseExpiration(trade.Expiration)
	if err != nil {
		return nil, err
	}

	var legs []execution.ExitLeg
	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		switch p.Key {
		case shortKey:
			legs = append(legs, execution.ExitLeg{
				Symbol:   broker.EncodeOCC(trade.Symbol, exp, trade.Strategy.OptionType(), trade.ShortStrike),
				Side:     types.Short,
				Quantity: p.Quantity,
			})
		case longKey:
			legs = append(legs, execution.ExitLeg{
				Symbol:   broker.EncodeOCC(trade.Symbol, exp, trade.Strategy.OptionType(), trade.LongStrike),
				Side:     types.Long,
				Quantity: p.Quantity,
			})
		}
	}
	return legs, nil
}

// tryOpenNewTrade implements the proposal half of the tick: gate on risk
// state, run the proposal pipeline, and place the entry order for whatever
// it selects.
func (s *Scheduler) tryOpenNewTrade(ctx context.Context, now time.Time, cfg config.Settings) error {
	openCount, err := s.store.CountOpenTrades()
	if err != nil {
		return err
	}

	decision := s.risk.CanOpenNewTrade(risk.OpenRequest{Now: now, OpenTradeCount: openCount})
	if !decision.Approved {
		log.Debug().Str("reason", decision.RejectReason).Msg("cycle: entry gate closed")
		return nil
	}

	result := s.generator.GenerateProposal(ctx, now, s.proposalParams(cfg))
	if result.Proposal == nil {
		log.Debug().Interface("summary", result.Summary).Msg("cycle: no proposal generated this tick")
		return nil
	}

	if s.notifier != nil {
		s.notifier.NotifyProposalReady(ctx, *result.Proposal)
	}

	exp, err := clock.ParseExpiration(result.Proposal.Expiration)
	if err != nil {
		return fmt.Errorf("parse proposal expiration: %w", err)
	}
	optType := result.Proposal.Strategy.OptionType()
	shortSymbol := broker.EncodeOCC(result.Proposal.Symbol, exp, optType, result.Proposal.ShortStrike)
	longSymbol := broker.EncodeOCC(result.Proposal.Symbol, exp, optType, result.Proposal.LongStrike)

	if _, err := s.executor.PlaceEntry(ctx, *result.Proposal, shortSymbol, longSymbol); err != nil {
		return fmt.Errorf("place entry: %w", err)
	}
	return nil
}

func (s *Scheduler) proposalParams(cfg config.Settings) proposal.Params {
	return proposal.Params{
		Mode:                     cfg.TradingMode,
		MinScore:                 cfg.MinScore,
		MinCreditFraction:        cfg.MinCreditFraction,
		DebitMin:                 cfg.DebitMin,
		DebitMax:                 cfg.DebitMax,
		MinDTE:                   cfg.MinDTE,
		MaxDTE:                   cfg.MaxDTE,
		EligibleSymbols:          cfg.EligibleSymbols,
		UnderlyingWhitelist:      cfg.UnderlyingWhitelist,
		StrategyWhitelist:        cfg.StrategyWhitelist,
		SpreadWidth:              cfg.SpreadWidth,
		LiquiditySpreadCap:       cfg.LiquiditySpreadCap,
		VerticalSkewCap:          cfg.VerticalSkewCap,
		DirectionalGateThreshold: cfg.DirectionalGateThreshold,
		NeutralBand:              cfg.NeutralBand,
		MaxExpirationsPerSymbol:  cfg.MaxExpirationsPerSymbol,
		RVIVBandLow:              cfg.RVIVBandLow,
		RVIVBandHigh:             cfg.RVIVBandHigh,
		// No realized-vol estimator is wired up yet; 1.0 sits at the center
		// of the default band so the integrity gate passes until one exists.
		RVIV:     decimal.NewFromFloat(1.0),
		Quantity: cfg.DefaultTradeQuantity,
	}
}

// SetSystemMode exposes the risk manager's mode switch as a plain, idempotent
// method an external admin surface can call directly; no HTTP layer is
// implemented here.
func (s *Scheduler) SetSystemMode(ctx context.Context, mode types.SystemMode, reason string) error {
	return s.risk.SetSystemMode(ctx, mode, reason)
}

// ResetRiskState clears the HALTED risk state back to NORMAL.
func (s *Scheduler) ResetRiskState(ctx context.Context) error {
	return s.risk.ResetRiskState(ctx)
}

// RepairPortfolio runs the portfolio-repair sweep on demand.
func (s *Scheduler) RepairPortfolio(ctx context.Context, cfg config.Settings) (monitor.RepairResult, error) {
	return s.evaluator.RepairPortfolio(ctx, clock.Now(), cfg.SettlingWindow)
}

// RunProposalOnce runs the proposal pipeline a single time, outside the
// regular tick cadence, for manual/admin invocation.
func (s *Scheduler) RunProposalOnce(ctx context.Context) proposal.Result {
	cfg := config.Load(s.resolver)
	return s.generator.GenerateProposal(ctx, clock.Now(), s.proposalParams(cfg))
}

// LastError returns the most recent tick failure, if any.
func (s *Scheduler) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
