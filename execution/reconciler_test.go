package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

type fakeReconcilerStore struct {
	ordersByClientID map[string]*storage.Order
	ordersByBrokerID map[string]*storage.Order
	proposals        map[string]*storage.Proposal
	tradesByProposal map[string]*storage.Trade
	trades           map[string]*storage.Trade
	savedOrders      []storage.Order
	savedTrades      []storage.Trade
	savedProposals   []storage.Proposal
}

func newFakeReconcilerStore() *fakeReconcilerStore {
	return &fakeReconcilerStore{
		ordersByClientID: map[string]*storage.Order{},
		ordersByBrokerID: map[string]*storage.Order{},
		proposals:        map[string]*storage.Proposal{},
		tradesByProposal: map[string]*storage.Trade{},
		trades:           map[string]*storage.Trade{},
	}
}

func (f *fakeReconcilerStore) GetOrderByClientID(clientOrderID string) (*storage.Order, error) {
	o, ok := f.ordersByClientID[clientOrderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeReconcilerStore) GetOrderByBrokerID(brokerOrderID string) (*storage.Order, error) {
	o, ok := f.ordersByBrokerID[brokerOrderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeReconcilerStore) SaveOrder(o *storage.Order) error {
	f.savedOrders = append(f.savedOrders, *o)
	f.ordersByClientID[o.ClientOrderID] = o
	if o.BrokerOrderID != nil {
		f.ordersByBrokerID[*o.BrokerOrderID] = o
	}
	return nil
}

func (f *fakeReconcilerStore) GetProposal(id string) (*storage.Proposal, error) {
	p, ok := f.proposals[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeReconcilerStore) SaveProposal(p *storage.Proposal) error {
	f.savedProposals = append(f.savedProposals, *p)
	f.proposals[p.ID] = p
	return nil
}

func (f *fakeReconcilerStore) GetTradeByProposalID(proposalID string) (*storage.Trade, error) {
	t, ok := f.tradesByProposal[proposalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeReconcilerStore) GetTrade(id string) (*storage.Trade, error) {
	t, ok := f.trades[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeReconcilerStore) SaveTrade(t *storage.Trade) error {
	f.savedTrades = append(f.savedTrades, *t)
	f.trades[t.ID] = t
	f.tradesByProposal[t.ProposalID] = t
	return nil
}

type fakeRiskManager struct {
	closes []decimal.Decimal
}

func (f *fakeRiskManager) RecordTradeClose(ctx context.Context, today string, pnl decimal.Decimal) error {
	f.closes = append(f.closes, pnl)
	return nil
}

type fakeReconcilerNotifier struct {
	opened []storage.Trade
	closed []storage.Trade
}

func (f *fakeReconcilerNotifier) NotifyTradeOpened(ctx context.Context, t storage.Trade) {
	f.opened = append(f.opened, t)
}

func (f *fakeReconcilerNotifier) NotifyTradeClosed(ctx context.Context, t storage.Trade) {
	f.closed = append(f.closed, t)
}

func TestReconcileOrderEntryFillCreatesTradeAndNotifies(t *testing.T) {
	store := newFakeReconcilerStore()
	store.ordersByClientID["co_1"] = &storage.Order{
		ID: "order-1", ProposalID: "prop-1", Side: types.OrderEntry,
		ClientOrderID: "co_1", Status: types.OrderPlaced,
	}
	store.proposals["prop-1"] = &storage.Proposal{
		ID: "prop-1", Symbol: "SPY", Strategy: types.BullPutCredit,
		ShortStrike: decimal.NewFromInt(100), LongStrike: decimal.NewFromInt(95),
		Width: 5, Quantity: 1,
	}

	notifier := &fakeReconcilerNotifier{}
	r := NewReconciler(store, &fakeRiskManager{})
	r.SetNotifier(notifier)

	price := decimal.NewFromFloat(1.00)
	bo := broker.BrokerOrder{ID: 555, ClientOrderID: "co_1", Status: "filled", AvgFillPrice: price, FilledQuantity: 1, RemainingQuantity: 0}
	if err := r.ReconcileOrder(context.Background(), bo); err != nil {
		t.Fatalf("ReconcileOrder: %v", err)
	}

	if len(store.savedTrades) != 1 {
		t.Fatalf("expected one trade saved, got %d", len(store.savedTrades))
	}
	trade := store.savedTrades[0]
	if trade.Status != types.TradeOpen {
		t.Errorf("trade.Status = %s, want OPEN", trade.Status)
	}
	if !trade.EntryPrice.Equal(price) {
		t.Errorf("trade.EntryPrice = %s, want %s", trade.EntryPrice, price)
	}
	if len(notifier.opened) != 1 {
		t.Error("expected NotifyTradeOpened to fire on entry fill")
	}
	if store.proposals["prop-1"].Status != types.ProposalConsumed {
		t.Errorf("proposal status = %s, want CONSUMED", store.proposals["prop-1"].Status)
	}
}

func TestReconcileOrderEntryRejectionInvalidatesProposal(t *testing.T) {
	store := newFakeReconcilerStore()
	store.ordersByClientID["co_2"] = &storage.Order{
		ID: "order-2", ProposalID: "prop-2", Side: types.OrderEntry,
		ClientOrderID: "co_2", Status: types.OrderPlaced,
	}
	store.proposals["prop-2"] = &storage.Proposal{ID: "prop-2", Status: types.ProposalReady}

	r := NewReconciler(store, &fakeRiskManager{})
	bo := broker.BrokerOrder{ID: 1, ClientOrderID: "co_2", Status: "rejected"}
	if err := r.ReconcileOrder(context.Background(), bo); err != nil {
		t.Fatalf("ReconcileOrder: %v", err)
	}
	if store.proposals["prop-2"].Status != types.ProposalInvalidated {
		t.Errorf("proposal status = %s, want INVALIDATED", store.proposals["prop-2"].Status)
	}
}

func TestReconcileOrderExitFillClosesTradeAndRecordsRisk(t *testing.T) {
	store := newFakeReconcilerStore()
	tradeID := "trade-1"
	store.trades[tradeID] = &storage.Trade{
		ID: tradeID, ProposalID: "prop-3", Strategy: types.BullPutCredit,
		Quantity: 1, EntryPrice: decimal.NewFromFloat(1.00), Status: types.TradeOpen,
	}
	store.ordersByClientID["co_3"] = &storage.Order{
		ID: "order-3", TradeID: &tradeID, Side: types.OrderExit,
		ClientOrderID: "co_3", Status: types.OrderPlaced,
	}

	risk := &fakeRiskManager{}
	notifier := &fakeReconcilerNotifier{}
	r := NewReconciler(store, risk)
	r.SetNotifier(notifier)

	exitPrice := decimal.NewFromFloat(0.20)
	bo := broker.BrokerOrder{ID: 99, ClientOrderID: "co_3", Status: "filled", AvgFillPrice: exitPrice, FilledQuantity: 1, RemainingQuantity: 0}
	if err := r.ReconcileOrder(context.Background(), bo); err != nil {
		t.Fatalf("ReconcileOrder: %v", err)
	}

	if len(store.savedTrades) != 1 {
		t.Fatalf("expected one trade saved, got %d", len(store.savedTrades))
	}
	trade := store.savedTrades[0]
	if trade.Status != types.TradeClosed {
		t.Errorf("trade.Status = %s, want CLOSED", trade.Status)
	}
	// credit spread P&L = (entry - exit) * qty * 100 = (1.00-0.20)*100 = 80.
	if trade.RealizedPnL == nil || !trade.RealizedPnL.Equal(decimal.NewFromFloat(80)) {
		t.Errorf("RealizedPnL = %v, want 80", trade.RealizedPnL)
	}
	if len(risk.closes) != 1 || !risk.closes[0].Equal(decimal.NewFromFloat(80)) {
		t.Errorf("expected RecordTradeClose called with 80, got %v", risk.closes)
	}
	if len(notifier.closed) != 1 {
		t.Error("expected NotifyTradeClosed to fire on exit fill")
	}
}

func TestReconcileOrderExitFillConsumesExitProposal(t *testing.T) {
	store := newFakeReconcilerStore()
	tradeID := "trade-6"
	store.trades[tradeID] = &storage.Trade{
		ID: tradeID, ProposalID: "prop-entry-6", Strategy: types.BullPutCredit,
		Quantity: 1, EntryPrice: decimal.NewFromFloat(1.00), Status: types.TradeOpen,
	}
	store.proposals["prop-entry-6"] = &storage.Proposal{ID: "prop-entry-6", Status: types.ProposalConsumed}
	store.proposals["prop-exit-6"] = &storage.Proposal{ID: "prop-exit-6", Kind: types.ProposalExit, Status: types.ProposalReady}
	store.ordersByClientID["co_6"] = &storage.Order{
		ID: "order-6", ProposalID: "prop-exit-6", TradeID: &tradeID, Side: types.OrderExit,
		ClientOrderID: "co_6", Status: types.OrderPlaced,
	}

	r := NewReconciler(store, &fakeRiskManager{})
	exitPrice := decimal.NewFromFloat(0.20)
	bo := broker.BrokerOrder{ID: 101, ClientOrderID: "co_6", Status: "filled", AvgFillPrice: exitPrice, FilledQuantity: 1, RemainingQuantity: 0}
	if err := r.ReconcileOrder(context.Background(), bo); err != nil {
		t.Fatalf("ReconcileOrder: %v", err)
	}

	if store.proposals["prop-exit-6"].Status != types.ProposalConsumed {
		t.Errorf("exit proposal status = %s, want CONSUMED", store.proposals["prop-exit-6"].Status)
	}
	if store.proposals["prop-entry-6"].Status != types.ProposalConsumed {
		t.Errorf("entry proposal status = %s, want still CONSUMED (unchanged)", store.proposals["prop-entry-6"].Status)
	}
}

func TestReconcileOrderExitRejectionInvalidatesExitProposal(t *testing.T) {
	store := newFakeReconcilerStore()
	tradeID := "trade-7"
	store.trades[tradeID] = &storage.Trade{
		ID: tradeID, ProposalID: "prop-entry-7", Strategy: types.BullPutCredit,
		Quantity: 1, EntryPrice: decimal.NewFromFloat(1.00), Status: types.TradeOpen,
	}
	store.proposals["prop-exit-7"] = &storage.Proposal{ID: "prop-exit-7", Kind: types.ProposalExit, Status: types.ProposalReady}
	store.ordersByClientID["co_7"] = &storage.Order{
		ID: "order-7", ProposalID: "prop-exit-7", TradeID: &tradeID, Side: types.OrderExit,
		ClientOrderID: "co_7", Status: types.OrderPlaced,
	}

	r := NewReconciler(store, &fakeRiskManager{})
	bo := broker.BrokerOrder{ID: 102, ClientOrderID: "co_7", Status: "rejected"}
	if err := r.ReconcileOrder(context.Background(), bo); err != nil {
		t.Fatalf("ReconcileOrder: %v", err)
	}

	if store.proposals["prop-exit-7"].Status != types.ProposalInvalidated {
		t.Errorf("exit proposal status = %s, want INVALIDATED", store.proposals["prop-exit-7"].Status)
	}
	if store.trades[tradeID].Status != types.TradeOpen {
		t.Errorf("trade.Status = %s, want unchanged OPEN after a rejected exit attempt", store.trades[tradeID].Status)
	}
}

func TestReconcileOrderIgnoresUnmatchedOrder(t *testing.T) {
	store := newFakeReconcilerStore()
	r := NewReconciler(store, &fakeRiskManager{})
	bo := broker.BrokerOrder{ID: 1, ClientOrderID: "no-such-client-order", Status: "filled"}
	if err := r.ReconcileOrder(context.Background(), bo); err != nil {
		t.Errorf("ReconcileOrder on an unmatched broker order should not error, got %v", err)
	}
	if len(store.savedOrders) != 0 {
		t.Error("expected no order saved for an unmatched broker report")
	}
}

func TestReconcileOrderRejectsBackwardTransition(t *testing.T) {
	store := newFakeReconcilerStore()
	store.ordersByClientID["co_4"] = &storage.Order{
		ID: "order-4", ProposalID: "prop-4", Side: types.OrderEntry,
		ClientOrderID: "co_4", Status: types.OrderFilled,
	}
	r := NewReconciler(store, &fakeRiskManager{})

	// A stale "placed" report arriving after the order already recorded as
	// filled must not regress the local state.
	bo := broker.BrokerOrder{ID: 1, ClientOrderID: "co_4", Status: "open"}
	if err := r.ReconcileOrder(context.Background(), bo); err != nil {
		t.Fatalf("ReconcileOrder: %v", err)
	}
	if len(store.savedOrders) != 0 {
		t.Error("expected no save when the broker report would move status backwards")
	}
}

func TestReconcileOrderSameStatusReplayIsNoop(t *testing.T) {
	store := newFakeReconcilerStore()
	brokerID := "1"
	store.ordersByClientID["co_5"] = &storage.Order{
		ID: "order-5", ProposalID: "prop-5", Side: types.OrderEntry,
		ClientOrderID: "co_5", Status: types.OrderFilled, BrokerOrderID: &brokerID,
	}
	store.proposals["prop-5"] = &storage.Proposal{ID: "prop-5"}
	store.tradesByProposal["prop-5"] = &storage.Trade{ID: "trade-5", ProposalID: "prop-5", Status: types.TradeOpen}

	r := NewReconciler(store, &fakeRiskManager{})
	bo := broker.BrokerOrder{ID: 1, ClientOrderID: "co_5", Status: "filled"}
	if err := r.ReconcileOrder(context.Background(), bo); err != nil {
		t.Fatalf("ReconcileOrder: %v", err)
	}
	if len(store.savedOrders) != 0 {
		t.Error("replaying the same terminal status should not trigger another SaveOrder")
	}
}

func TestRealizedPnLCreditVsDebitSignConvention(t *testing.T) {
	exit := decimal.NewFromFloat(0.30)
	credit := storage.Trade{Strategy: types.BullPutCredit, Quantity: 1, EntryPrice: decimal.NewFromFloat(1.00), ExitPrice: &exit}
	// credit: entry - exit = 1.00 - 0.30 = 0.70, *100 = 70 profit.
	if pnl := realizedPnL(credit); !pnl.Equal(decimal.NewFromFloat(70)) {
		t.Errorf("credit realizedPnL = %s, want 70", pnl)
	}

	debit := storage.Trade{Strategy: types.BullCallDebit, Quantity: 1, EntryPrice: decimal.NewFromFloat(1.00), ExitPrice: &exit}
	// debit: exit - entry = 0.30 - 1.00 = -0.70, *100 = -70 loss.
	if pnl := realizedPnL(debit); !pnl.Equal(decimal.NewFromFloat(-70)) {
		t.Errorf("debit realizedPnL = %s, want -70", pnl)
	}
}

func TestRealizedPnLWithoutExitPriceIsZero(t *testing.T) {
	trade := storage.Trade{Strategy: types.BullPutCredit, Quantity: 1, EntryPrice: decimal.NewFromFloat(1.00)}
	if pnl := realizedPnL(trade); !pnl.IsZero() {
		t.Errorf("realizedPnL with no exit price = %s, want 0", pnl)
	}
}
