// Package execution is the order executor and reconciler: it turns a
// Proposal into broker order placements and turns broker order state back
// into local Order/Trade rows. Every placement follows the same shape:
// generate a client order id, persist a PENDING row, call the broker, log
// the event.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/eventlog"
	"github.com/optrader/spreadctl/risk"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

// BrokerClient is the subset of broker.Client the executor consumes.
type BrokerClient interface {
	PlaceSpreadOrder(ctx context.Context, req broker.PlaceSpreadOrderRequest) (*broker.PlaceOrderResult, error)
	PlaceSingleLegCloseOrder(ctx context.Context, clientOrderID, optionSymbol, side string, quantity int, limitPrice decimal.Decimal) (*broker.PlaceOrderResult, error)
}

// Store is the subset of storage.Store the executor consumes.
type Store interface {
	CreateOrder(o *storage.Order) error
	SaveOrder(o *storage.Order) error
	SaveTrade(t *storage.Trade) error
	SaveProposal(p *storage.Proposal) error
}

// EventRecorder is the subset of eventlog.Log the executor consumes.
type EventRecorder interface {
	RecordBrokerEvent(ctx context.Context, e eventlog.BrokerEvent) error
}

// Executor places entry and exit orders and records the resulting broker
// interaction, leaving reconciliation of fill status to the Reconciler.
type Executor struct {
	broker     BrokerClient
	store      Store
	events     EventRecorder
	rejections *risk.RejectionTracker
	mode       types.TradingMode
}

// NewExecutor builds an Executor. rejections may be nil, in which case
// broker rejections are logged but never trip a HARD_STOP. mode is stamped
// onto every recorded broker event so the audit trail survives a later
// mode change.
func NewExecutor(brokerClient BrokerClient, store Store, events EventRecorder, rejections *risk.RejectionTracker, mode types.TradingMode) *Executor {
	return &Executor{broker: brokerClient, store: store, events: events, rejections: rejections, mode: mode}
}

// observeRejection feeds a broker placement outcome to the rejection
// tracker, a no-op if none is wired.
func (e *Executor) observeRejection(ctx context.Context, err error) {
	if e.rejections == nil {
		return
	}
	if err != nil {
		e.rejections.Observe(ctx, err.Error())
		return
	}
	e.rejections.ObserveSuccess()
}

// statusCodeOf pulls the broker HTTP status code off whichever of result/err
// actually carries one: the result on success, the wrapped HTTPStatusError
// on a non-2xx rejection, or 0 for a transport failure/dry-run.
func statusCodeOf(result *broker.PlaceOrderResult, err error) int {
	if result != nil {
		return result.StatusCode
	}
	return broker.StatusCodeFromError(err)
}

func newClientOrderID() string {
	return "co_" + uuid.NewString()
}

// sidesForEntry returns the broker leg action opening a strategy's short and
// long legs: every strategy sells the short leg and buys the long leg; credit
// and debit spreads differ only in which leg sits at the higher premium.
func sidesForEntry(strategy types.Strategy) (shortSide, longSide string) {
	return "sell_to_open", "buy_to_open"
}

// sidesForExit is the closing mirror of sidesForEntry: the short leg is
// bought back and the long leg sold.
func sidesForExit(strategy types.Strategy) (shortSide, longSide string) {
	return "buy_to_close", "sell_to_close"
}

// PlaceEntry builds the OCC symbols for both legs, persists a PENDING Order
// row under a fresh clientOrderId, then submits a single multi-leg limit
// order at the proposal's credit/debit target. The broker ack (not a fill)
// advances the Order to PLACED; fill state converges later through the
// Reconciler.
func (e *Executor) PlaceEntry(ctx context.Context, p storage.Proposal, shortSymbol, longSymbol string) (*storage.Order, error) {
	clientOrderID := newClientOrderID()
	order := &storage.Order{
		ID:            uuid.NewString(),
		ProposalID:    p.ID,
		Side:          types.OrderEntry,
		ClientOrderID: clientOrderID,
		Status:        types.OrderPending,
	}
	if err := e.store.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("execution: persist entry order: %w", err)
	}

	shortSide, longSide := sidesForEntry(p.Strategy)
	limitPrice := p.CreditTarget.Abs()
	if !p.Strategy.IsCredit() {
		limitPrice = limitPrice.Neg()
	}

	req := broker.PlaceSpreadOrderRequest{
		ClientOrderID: clientOrderID,
		Legs: []broker.SpreadLeg{
			{OptionSymbol: shortSymbol, Side: shortSide, Quantity: p.Quantity},
			{OptionSymbol: longSymbol, Side: longSide, Quantity: p.Quantity},
		},
		LimitPrice: limitPrice,
		Duration:   "day",
	}

	start := time.Now()
	result, err := e.broker.PlaceSpreadOrder(ctx, req)
	e.recordEvent(ctx, "", order.ID, "ENTRY_PLACE", p.Symbol, p.Expiration, p.Strategy, statusCodeOf(result, err), start, err, req)
	e.observeRejection(ctx, err)
	if err != nil {
		order.Status = types.OrderRejected
		_ = e.store.SaveOrder(order)
		return order, fmt.Errorf("execution: place entry order: %w", err)
	}

	order.BrokerOrderID = &result.BrokerOrderID
	order.Status = types.OrderPlaced
	if err := e.store.SaveOrder(order); err != nil {
		log.Warn().Err(err).Str("orderId", order.ID).Msg("execution: failed to persist placed entry order")
	}

	log.Info().
		Str("clientOrderId", clientOrderID).
		Str("brokerOrderId", result.BrokerOrderID).
		Str("symbol", p.Symbol).
		Str("strategy", string(p.Strategy)).
		Msg("entry order placed")

	return order, nil
}

// PlaceExit handles the four exit cases (single leg, matching-root multi-leg,
// heterogeneous legs, and a rejected multi-leg order falling back to
// per-leg market closes). legs describes what is actually held (per-symbol
// broker quantity), which may no longer match the trade's original two-leg
// shape if a prior partial close already happened.
type ExitLeg struct {
	Symbol   string
	Side     types.PositionSide
	Quantity int
}

// PlaceExit closes a trade's remaining legs. strategy/width are used only to
// choose the multileg limit price when all remaining legs still share one
// symbol root and expiration; the fallback paths need no strategy knowledge
// at all, since they submit plain closing market orders per leg.
//
// One EXIT Proposal is created per call, READY until the reconciler resolves
// every order it spawned to CONSUMED (a fill) or INVALIDATED (cancel or
// rejection) — the same READY/CONSUMED/INVALIDATED lifecycle an entry
// Proposal goes through, just triggered by the monitor's close decision
// instead of the proposal pipeline.
func (e *Executor) PlaceExit(ctx context.Context, trade storage.Trade, legs []ExitLeg, reason string) ([]*storage.Order, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("execution: no legs to close for trade %s", trade.ID)
	}

	proposalID, err := e.createExitProposal(trade, legs)
	if err != nil {
		return nil, err
	}

	if len(legs) == 1 {
		order, err := e.placeSingleLegExit(ctx, trade, proposalID, legs[0])
		return []*storage.Order{order}, err
	}

	if sameExpirationRoot(legs) {
		order, err := e.placeMultilegExit(ctx, trade, proposalID, legs)
		if err == nil {
			return []*storage.Order{order}, nil
		}
		log.Warn().Err(err).Str("tradeId", trade.ID).Msg("execution: multileg exit rejected, falling back to per-leg market closes")
	}

	var orders []*storage.Order
	for _, leg := range legs {
		order, err := e.placeSingleLegExit(ctx, trade, proposalID, leg)
		if err != nil {
			return orders, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// createExitProposal persists the READY EXIT Proposal backing one PlaceExit
// call; every order it spawns carries this id so the reconciler can resolve
// it independently of the trade's original entry Proposal.
func (e *Executor) createExitProposal(trade storage.Trade, legs []ExitLeg) (string, error) {
	qty := 0
	for _, l := range legs {
		qty += l.Quantity
	}
	proposal := &storage.Proposal{
		ID:            uuid.NewString(),
		Symbol:        trade.Symbol,
		Expiration:    trade.Expiration,
		ShortStrike:   trade.ShortStrike,
		LongStrike:    trade.LongStrike,
		Width:         trade.Width,
		Quantity:      qty,
		Strategy:      trade.Strategy,
		Status:        types.ProposalReady,
		Kind:          types.ProposalExit,
		LinkedTradeID: &trade.ID,
		CreatedAt:     time.Now(),
	}
	if err := e.store.SaveProposal(proposal); err != nil {
		return "", fmt.Errorf("execution: persist exit proposal for trade %s: %w", trade.ID, err)
	}
	return proposal.ID, nil
}

func sameExpirationRoot(legs []ExitLeg) bool {
	if len(legs) < 2 {
		return true
	}
	root0, exp0, _, _, err0 := broker.DecodeOCC(legs[0].Symbol)
	if err0 != nil {
		return false
	}
	for _, l := range legs[1:] {
		root, exp, _, _, err := broker.DecodeOCC(l.Symbol)
		if err != nil || root != root0 || !exp.Equal(exp0) {
			return false
		}
	}
	return true
}

// placeMultilegExit submits one limit order closing every remaining leg at
// once: width for a credit-spread exit (buying it back near intrinsic
// value), a penny for a debit-spread exit (selling out near zero).
func (e *Executor) placeMultilegExit(ctx context.Context, trade storage.Trade, proposalID string, legs []ExitLeg) (*storage.Order, error) {
	clientOrderID := newClientOrderID()
	order := &storage.Order{
		ID:            uuid.NewString(),
		ProposalID:    proposalID,
		TradeID:       &trade.ID,
		Side:          types.OrderExit,
		ClientOrderID: clientOrderID,
		Status:        types.OrderPending,
	}
	if err := e.store.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("execution: persist exit order: %w", err)
	}

	shortSide, longSide := sidesForExit(trade.Strategy)
	spreadLegs := make([]broker.SpreadLeg, 0, len(legs))
	for _, l := range legs {
		side := longSide
		if l.Side == types.Short {
			side = shortSide
		}
		spreadLegs = append(spreadLegs, broker.SpreadLeg{OptionSymbol: l.Symbol, Side: side, Quantity: l.Quantity})
	}

	limitPrice := decimal.NewFromFloat(0.01)
	if trade.Strategy.IsCredit() {
		limitPrice = decimal.NewFromInt(int64(trade.Width)).Neg()
	}

	req := broker.PlaceSpreadOrderRequest{
		ClientOrderID: clientOrderID,
		Legs:          spreadLegs,
		LimitPrice:    limitPrice,
		Duration:      "day",
	}

	start := time.Now()
	result, err := e.broker.PlaceSpreadOrder(ctx, req)
	e.recordEvent(ctx, trade.ID, order.ID, "EXIT_PLACE_MULTILEG", trade.Symbol, trade.Expiration, trade.Strategy, statusCodeOf(result, err), start, err, req)
	e.observeRejection(ctx, err)
	if err != nil {
		order.Status = types.OrderRejected
		_ = e.store.SaveOrder(order)
		return order, err
	}

	order.BrokerOrderID = &result.BrokerOrderID
	order.Status = types.OrderPlaced
	if err := e.store.SaveOrder(order); err != nil {
		log.Warn().Err(err).Str("orderId", order.ID).Msg("execution: failed to persist placed exit order")
	}
	return order, nil
}

// placeSingleLegExit closes one leg with its own market-ish limit order and
// its own clientOrderId — used both when only one leg remains and as the
// per-leg fallback when a multileg exit is rejected.
func (e *Executor) placeSingleLegExit(ctx context.Context, trade storage.Trade, proposalID string, leg ExitLeg) (*storage.Order, error) {
	clientOrderID := newClientOrderID()
	order := &storage.Order{
		ID:            uuid.NewString(),
		ProposalID:    proposalID,
		TradeID:       &trade.ID,
		Side:          types.OrderExit,
		ClientOrderID: clientOrderID,
		Status:        types.OrderPending,
	}
	if err := e.store.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("execution: persist exit order: %w", err)
	}

	shortSide, longSide := sidesForExit(trade.Strategy)
	side := longSide
	if leg.Side == types.Short {
		side = shortSide
	}

	// A marketable limit: a penny on the favorable side of zero so the
	// order crosses the spread instead of resting.
	limitPrice := decimal.NewFromFloat(0.01)

	start := time.Now()
	result, err := e.broker.PlaceSingleLegCloseOrder(ctx, clientOrderID, leg.Symbol, side, leg.Quantity, limitPrice)
	e.recordEvent(ctx, trade.ID, order.ID, "EXIT_PLACE_SINGLE_LEG", trade.Symbol, trade.Expiration, trade.Strategy, statusCodeOf(result, err), start, err, leg)
	e.observeRejection(ctx, err)
	if err != nil {
		order.Status = types.OrderRejected
		_ = e.store.SaveOrder(order)
		return order, fmt.Errorf("execution: place single-leg close for %s: %w", leg.Symbol, err)
	}

	order.BrokerOrderID = &result.BrokerOrderID
	order.Status = types.OrderPlaced
	if err := e.store.SaveOrder(order); err != nil {
		log.Warn().Err(err).Str("orderId", order.ID).Msg("execution: failed to persist placed single-leg exit order")
	}
	return order, nil
}

// recordEvent persists one broker placement outcome. symbol/expiration/
// strategy describe what was being traded; statusCode is the broker's HTTP
// response code for the placement call (0 for dry-run or a transport
// failure that never reached the broker).
func (e *Executor) recordEvent(ctx context.Context, tradeID, orderID, eventType, symbol, expiration string, strategy types.Strategy, statusCode int, start time.Time, callErr error, payload any) {
	if e.events == nil {
		return
	}
	evt := eventlog.BrokerEvent{
		TradeID:    tradeID,
		OrderID:    orderID,
		EventType:  eventType,
		Symbol:     symbol,
		Expiration: expiration,
		Mode:       string(e.mode),
		Strategy:   string(strategy),
		StatusCode: statusCode,
		Ok:         callErr == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Payload:    payload,
	}
	if callErr != nil {
		evt.ErrorMessage = callErr.Error()
	}
	if err := e.events.RecordBrokerEvent(ctx, evt); err != nil {
		log.Warn().Err(err).Str("eventType", eventType).Msg("execution: failed to record broker event")
	}
}
