package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

// RiskManager is the subset of risk.Manager the reconciler consumes.
type RiskManager interface {
	RecordTradeClose(ctx context.Context, today string, pnl decimal.Decimal) error
}

// Notifier is the subset of notify.Bot the reconciler consumes. Optional:
// a Reconciler with no notifier attached just skips the alert.
type Notifier interface {
	NotifyTradeOpened(ctx context.Context, t storage.Trade)
	NotifyTradeClosed(ctx context.Context, t storage.Trade)
}

// ReconcilerStore is the subset of storage.Store the reconciler consumes.
type ReconcilerStore interface {
	GetOrderByClientID(clientOrderID string) (*storage.Order, error)
	GetOrderByBrokerID(brokerOrderID string) (*storage.Order, error)
	SaveOrder(o *storage.Order) error
	GetProposal(id string) (*storage.Proposal, error)
	SaveProposal(p *storage.Proposal) error
	GetTradeByProposalID(proposalID string) (*storage.Trade, error)
	GetTrade(id string) (*storage.Trade, error)
	SaveTrade(t *storage.Trade) error
}

// Reconciler is the order-status-to-trade reconciler: it maps raw broker
// order reports onto the local Order/Trade/Proposal state machines,
// idempotently, so the same broker report can be replayed any number of
// times without double-creating or double-closing a trade.
type Reconciler struct {
	store    ReconcilerStore
	risk     RiskManager
	notifier Notifier
}

// NewReconciler builds a Reconciler.
func NewReconciler(store ReconcilerStore, risk RiskManager) *Reconciler {
	return &Reconciler{store: store, risk: risk}
}

// SetNotifier attaches the alert surface after construction, avoiding an
// import cycle between execution and the notify package (notify depends on
// storage only, but wiring it through NewReconciler would force every caller
// to thread a possibly-nil Notifier through the constructor).
func (r *Reconciler) SetNotifier(n Notifier) {
	r.notifier = n
}

// normalizeStatus maps a raw broker status string onto the local
// types.OrderStatus vocabulary.
func normalizeStatus(raw string) types.OrderStatus {
	switch strings.ToLower(raw) {
	case "filled":
		return types.OrderFilled
	case "partially_filled", "partial":
		return types.OrderPartial
	case "cancelled", "canceled":
		return types.OrderCancelled
	case "rejected":
		return types.OrderRejected
	case "open", "pending", "new":
		return types.OrderPlaced
	default:
		return types.OrderPending
	}
}

// ReconcileOrder applies one broker order report to local state: find the
// matching local Order by clientOrderId (the primary key), falling back to
// brokerOrderId; update its status/fill fields only if they changed; and,
// if the order belongs to a trade, propagate the change onward via
// reconcileWithTrade. Unmatched orders are logged and skipped, not treated
// as an error — a stray broker order (placed manually, or by another
// process sharing the account) is expected, not exceptional.
func (r *Reconciler) ReconcileOrder(ctx context.Context, bo broker.BrokerOrder) error {
	order, err := r.store.GetOrderByClientID(bo.ClientOrderID)
	if err != nil {
		order, err = r.store.GetOrderByBrokerID(fmt.Sprint(bo.ID))
		if err != nil {
			log.Debug().Str("brokerOrderId", fmt.Sprint(bo.ID)).Str("clientOrderId", bo.ClientOrderID).
				Msg("reconciler: no local order matches broker report, skipping")
			return nil
		}
	}

	newStatus := normalizeStatus(bo.Status)
	brokerIDStr := fmt.Sprint(bo.ID)
	intOr0 := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	changed := order.Status != newStatus ||
		order.BrokerOrderID == nil || *order.BrokerOrderID != brokerIDStr ||
		(!bo.AvgFillPrice.IsZero() && (order.AvgFillPrice == nil || !order.AvgFillPrice.Equal(bo.AvgFillPrice))) ||
		intOr0(order.FilledQuantity) != bo.FilledQuantity ||
		intOr0(order.RemainingQuantity) != bo.RemainingQuantity

	if !order.Status.CanAdvanceTo(newStatus) && order.Status != newStatus {
		log.Warn().Str("orderId", order.ID).Str("from", string(order.Status)).Str("to", string(newStatus)).
			Msg("reconciler: broker status would move order backwards, ignoring")
		return nil
	}

	if changed {
		order.Status = newStatus
		order.BrokerOrderID = &brokerIDStr
		if !bo.AvgFillPrice.IsZero() {
			price := bo.AvgFillPrice
			order.AvgFillPrice = &price
		}
		filled := bo.FilledQuantity
		order.FilledQuantity = &filled
		remaining := bo.RemainingQuantity
		order.RemainingQuantity = &remaining
		if err := r.store.SaveOrder(order); err != nil {
			return fmt.Errorf("reconciler: save order %s: %w", order.ID, err)
		}
	}

	if !changed {
		return nil
	}
	return r.reconcileWithTrade(ctx, *order)
}

// reconcileWithTrade applies the entry/exit reconciliation table: an ENTRY
// order's terminal status creates or invalidates a Trade; an EXIT order's
// terminal status closes or leaves open the Trade it belongs to.
func (r *Reconciler) reconcileWithTrade(ctx context.Context, order storage.Order) error {
	if !order.Status.IsTerminal() && order.Status != types.OrderPartial {
		return nil
	}

	if order.Side == types.OrderEntry {
		return r.reconcileEntry(ctx, order)
	}
	return r.reconcileExit(ctx, order)
}

func (r *Reconciler) reconcileEntry(ctx context.Context, order storage.Order) error {
	proposal, err := r.store.GetProposal(order.ProposalID)
	if err != nil {
		return fmt.Errorf("reconciler: load proposal %s: %w", order.ProposalID, err)
	}

	switch order.Status {
	case types.OrderFilled:
		trade, err := r.store.GetTradeByProposalID(proposal.ID)
		if err != nil {
			trade = &storage.Trade{
				ID:          uuid.NewString(),
				ProposalID:  proposal.ID,
				Symbol:      proposal.Symbol,
				Expiration:  proposal.Expiration,
				Strategy:    proposal.Strategy,
				ShortStrike: proposal.ShortStrike,
				LongStrike:  proposal.LongStrike,
				Width:       proposal.Width,
				Quantity:    proposal.Quantity,
			}
		}
		if order.AvgFillPrice != nil {
			trade.EntryPrice = *order.AvgFillPrice
		}
		if order.BrokerOrderID != nil {
			trade.BrokerOrderIDOpen = *order.BrokerOrderID
		}
		trade.Status = types.TradeOpen
		now := time.Now()
		trade.OpenedAt = &now
		if err := r.store.SaveTrade(trade); err != nil {
			return fmt.Errorf("reconciler: save trade %s: %w", trade.ID, err)
		}

		proposal.Status = types.ProposalConsumed
		linkedID := trade.ID
		proposal.LinkedTradeID = &linkedID
		if err := r.store.SaveProposal(proposal); err != nil {
			return err
		}
		if r.notifier != nil {
			r.notifier.NotifyTradeOpened(ctx, *trade)
		}
		return nil

	case types.OrderCancelled, types.OrderRejected:
		proposal.Status = types.ProposalInvalidated
		return r.store.SaveProposal(proposal)
	}

	return nil
}

func (r *Reconciler) reconcileExit(ctx context.Context, order storage.Order) error {
	if order.TradeID == nil {
		return nil
	}
	trade, err := r.store.GetTrade(*order.TradeID)
	if err != nil {
		return fmt.Errorf("reconciler: load trade %s: %w", *order.TradeID, err)
	}

	fullyFilled := order.Status == types.OrderFilled
	if order.FilledQuantity != nil && order.RemainingQuantity != nil {
		fullyFilled = fullyFilled || (*order.FilledQuantity > 0 && *order.RemainingQuantity == 0)
	}

	switch {
	case fullyFilled:
		if order.AvgFillPrice != nil {
			price := *order.AvgFillPrice
			trade.ExitPrice = &price
		}
		if order.BrokerOrderID != nil {
			trade.BrokerOrderIDClose = *order.BrokerOrderID
		}
		trade.Status = types.TradeClosed
		now := time.Now()
		trade.ClosedAt = &now

		realized := realizedPnL(*trade)
		trade.RealizedPnL = &realized

		if err := r.store.SaveTrade(trade); err != nil {
			return fmt.Errorf("reconciler: save closed trade %s: %w", trade.ID, err)
		}

		if order.ProposalID != "" {
			if proposal, err := r.store.GetProposal(order.ProposalID); err == nil {
				proposal.Status = types.ProposalConsumed
				if err := r.store.SaveProposal(proposal); err != nil {
					log.Warn().Err(err).Str("proposalId", order.ProposalID).Msg("reconciler: failed to mark exit proposal consumed")
				}
			}
		}

		if r.risk != nil {
			if err := r.risk.RecordTradeClose(ctx, now.Format("2006-01-02"), realized); err != nil {
				log.Warn().Err(err).Str("tradeId", trade.ID).Msg("reconciler: failed to record trade close against risk state")
			}
		}
		if r.notifier != nil {
			r.notifier.NotifyTradeClosed(ctx, *trade)
		}
		return nil

	case order.Status == types.OrderCancelled || order.Status == types.OrderRejected:
		// Trade stays OPEN — the exit attempt failed, the monitor will try
		// again next cycle. The EXIT proposal backing this attempt is done
		// either way, so it is invalidated rather than left READY forever.
		if order.ProposalID != "" {
			if proposal, err := r.store.GetProposal(order.ProposalID); err == nil {
				proposal.Status = types.ProposalInvalidated
				if err := r.store.SaveProposal(proposal); err != nil {
					log.Warn().Err(err).Str("proposalId", order.ProposalID).Msg("reconciler: failed to invalidate exit proposal")
				}
			}
		}
		return nil
	}

	return nil
}

// realizedPnL computes the closed trade's P&L from entry/exit marks: a
// credit spread's P&L is the credit collected minus the debit paid to
// close; a debit spread's is the reverse.
func realizedPnL(t storage.Trade) decimal.Decimal {
	if t.ExitPrice == nil {
		return decimal.Zero
	}
	qty := decimal.NewFromInt(int64(t.Quantity)).Mul(decimal.NewFromInt(100))
	if t.Strategy.IsCredit() {
		return t.EntryPrice.Sub(*t.ExitPrice).Mul(qty)
	}
	return t.ExitPrice.Sub(t.EntryPrice).Mul(qty)
}
