// Package snapshot is the coherent account-state sync: one tagged,
// point-in-time fetch of balances, positions, and orders, fanned out in
// parallel with golang.org/x/sync/errgroup, then reconciled into the durable
// store under a single snapshot id.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

// BrokerClient is the subset of broker.Client the syncer consumes.
type BrokerClient interface {
	GetBalances(ctx context.Context) (*broker.Balances, error)
	GetPositions(ctx context.Context) ([]broker.BrokerPosition, error)
	GetAllOrders(ctx context.Context) ([]broker.BrokerOrder, error)
}

// Store is the subset of storage.Store the syncer consumes.
type Store interface {
	SaveSnapshot(snap *storage.Snapshot) error
	UpsertPosition(p *storage.PortfolioPosition) error
	DeletePositionsNotIn(keys []string) (int64, error)
	GetOrderByClientID(clientOrderID string) (*storage.Order, error)
	GetOrderByBrokerID(brokerOrderID string) (*storage.Order, error)
	StampOrdersWithSnapshot(clientOrderIDs []string, snapshotID string) error
}

// OrderReconciler is the subset of execution.Reconciler the syncer consumes,
// invoked once per broker order so every snapshot sync also drives order
// reconciliation without the cycle scheduler needing two passes.
type OrderReconciler interface {
	ReconcileOrder(ctx context.Context, bo broker.BrokerOrder) error
}

// Result summarizes one sync pass.
type Result struct {
	SnapshotID     string
	AsOf           time.Time
	PositionCount  int
	OrderCount     int
	Errors         []string
	Warnings       []string
}

// Syncer runs SyncSnapshot against one account.
type Syncer struct {
	broker     BrokerClient
	store      Store
	reconciler OrderReconciler
	accountID  string
}

// NewSyncer builds a Syncer for accountID.
func NewSyncer(brokerClient BrokerClient, store Store, reconciler OrderReconciler, accountID string) *Syncer {
	return &Syncer{broker: brokerClient, store: store, reconciler: reconciler, accountID: accountID}
}

// SyncSnapshot fetches balances, positions, and orders in parallel, stamps
// them all with one snapshot id, and reconciles local state against them:
// positions absent from the new fetch are deleted (the position closed
// since the last sync), and every returned order is run through the
// reconciler so Trade/Proposal state stays current.
func (s *Syncer) SyncSnapshot(ctx context.Context) (Result, error) {
	asOf := time.Now()
	snapshotID := uuid.NewString()

	var balances *broker.Balances
	var positions []broker.BrokerPosition
	var orders []broker.BrokerOrder

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.broker.GetBalances(gctx)
		if err != nil {
			return fmt.Errorf("balances: %w", err)
		}
		balances = b
		return nil
	})
	g.Go(func() error {
		p, err := s.broker.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("positions: %w", err)
		}
		positions = p
		return nil
	})
	g.Go(func() error {
		o, err := s.broker.GetAllOrders(gctx)
		if err != nil {
			return fmt.Errorf("orders: %w", err)
		}
		orders = o
		return nil
	})

	result := Result{SnapshotID: snapshotID, AsOf: asOf}
	if err := g.Wait(); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	snap := &storage.Snapshot{
		ID:            snapshotID,
		AccountID:     s.accountID,
		AsOf:          asOf,
		PositionCount: len(positions),
		OrderCount:    len(orders),
	}
	if balances != nil {
		snap.Cash = balances.Cash
		snap.BuyingPower = balances.BuyingPower
		snap.Equity = balances.Equity
		snap.MarginRequirement = balances.MarginRequirement
	}
	if err := s.store.SaveSnapshot(snap); err != nil {
		return result, fmt.Errorf("snapshot: save snapshot row: %w", err)
	}

	keys := s.upsertPositions(positions, snapshotID, &result)
	if deleted, err := s.store.DeletePositionsNotIn(keys); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("delete stale positions: %v", err))
	} else if deleted > 0 {
		log.Info().Int64("count", deleted).Msg("snapshot: closed positions removed")
	}

	s.reconcileOrders(ctx, orders, snapshotID, &result)

	result.PositionCount = len(positions)
	result.OrderCount = len(orders)
	return result, nil
}

func (s *Syncer) upsertPositions(positions []broker.BrokerPosition, snapshotID string, result *Result) []string {
	keys := make([]string, 0, len(positions))
	for _, bp := range positions {
		root, expiration, optType, strike, err := broker.DecodeOCC(bp.Symbol)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unparseable position symbol %s: %v", bp.Symbol, err))
			continue
		}
		side := types.Long
		quantity := bp.Quantity
		if quantity < 0 {
			side = types.Short
			quantity = -quantity
		}

		expStr := expiration.Format("2006-01-02")
		key := storage.PositionKey(root, expStr, optType, strike, side)
		costBasis := bp.CostBasis
		pos := &storage.PortfolioPosition{
			Key:                  key,
			Symbol:               root,
			Expiration:           expStr,
			OptionType:           optType,
			Strike:               strike,
			Side:                 side,
			Quantity:             quantity,
			CostBasisPerContract: &costBasis,
			SnapshotID:           snapshotID,
		}
		if err := s.store.UpsertPosition(pos); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("upsert position %s: %v", key, err))
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (s *Syncer) reconcileOrders(ctx context.Context, orders []broker.BrokerOrder, snapshotID string, result *Result) {
	clientOrderIDs := make([]string, 0, len(orders))
	for _, bo := range orders {
		if bo.ClientOrderID != "" {
			clientOrderIDs = append(clientOrderIDs, bo.ClientOrderID)
		}

		if s.reconciler != nil {
			if err := s.reconciler.ReconcileOrder(ctx, bo); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("reconcile order %d: %v", bo.ID, err))
			}
		}

		if _, err := s.store.GetOrderByClientID(bo.ClientOrderID); err != nil {
			if _, err2 := s.store.GetOrderByBrokerID(fmt.Sprint(bo.ID)); err2 != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("broker order %d (tag %q) not tracked locally", bo.ID, bo.ClientOrderID))
			}
		}
	}

	if err := s.store.StampOrdersWithSnapshot(clientOrderIDs, snapshotID); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("stamp orders with snapshot: %v", err))
	}
}
