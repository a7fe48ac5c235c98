package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/eventlog"
	"github.com/optrader/spreadctl/risk"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

// fakeRiskStateStore is a minimal risk.StateStore backed by a map, local to
// this package since risk's own test fake is unexported.
type fakeRiskStateStore map[string]string

func (f fakeRiskStateStore) GetRiskValue(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

func (f fakeRiskStateStore) SetRiskValue(key, value string) error {
	f[key] = value
	return nil
}

type fakeExecBroker struct {
	placeSpreadErr     error
	placeSpreadResult  *broker.PlaceOrderResult
	singleLegErr       error
	singleLegResult    *broker.PlaceOrderResult
	spreadRequests     []broker.PlaceSpreadOrderRequest
	singleLegSymbols   []string
}

func (f *fakeExecBroker) PlaceSpreadOrder(ctx context.Context, req broker.PlaceSpreadOrderRequest) (*broker.PlaceOrderResult, error) {
	f.spreadRequests = append(f.spreadRequests, req)
	if f.placeSpreadErr != nil {
		return nil, f.placeSpreadErr
	}
	if f.placeSpreadResult != nil {
		return f.placeSpreadResult, nil
	}
	return &broker.PlaceOrderResult{BrokerOrderID: "bo-1", Status: "open"}, nil
}

func (f *fakeExecBroker) PlaceSingleLegCloseOrder(ctx context.Context, clientOrderID, optionSymbol, side string, quantity int, limitPrice decimal.Decimal) (*broker.PlaceOrderResult, error) {
	f.singleLegSymbols = append(f.singleLegSymbols, optionSymbol)
	if f.singleLegErr != nil {
		return nil, f.singleLegErr
	}
	if f.singleLegResult != nil {
		return f.singleLegResult, nil
	}
	return &broker.PlaceOrderResult{BrokerOrderID: "bo-leg-" + optionSymbol, Status: "open"}, nil
}

type fakeExecStore struct {
	created   []storage.Order
	saved     []storage.Order
	proposals []storage.Proposal
}

func (f *fakeExecStore) CreateOrder(o *storage.Order) error {
	f.created = append(f.created, *o)
	return nil
}

func (f *fakeExecStore) SaveOrder(o *storage.Order) error {
	f.saved = append(f.saved, *o)
	return nil
}

func (f *fakeExecStore) SaveTrade(t *storage.Trade) error {
	return nil
}

func (f *fakeExecStore) SaveProposal(p *storage.Proposal) error {
	f.proposals = append(f.proposals, *p)
	return nil
}

type fakeExecEvents struct {
	events []eventlog.BrokerEvent
}

func (f *fakeExecEvents) RecordBrokerEvent(ctx context.Context, e eventlog.BrokerEvent) error {
	f.events = append(f.events, e)
	return nil
}

func TestPlaceEntryCreditSpreadUsesPositiveLimitPrice(t *testing.T) {
	fb := &fakeExecBroker{}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, nil, types.ModeDryRun)

	p := storage.Proposal{ID: "prop-1", Symbol: "SPY", Strategy: types.BullPutCredit, Quantity: 1, CreditTarget: decimal.NewFromFloat(1.00)}
	order, err := e.PlaceEntry(context.Background(), p, "SPY_SHORT", "SPY_LONG")
	if err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if order.Status != types.OrderPlaced {
		t.Errorf("Status = %s, want PLACED", order.Status)
	}
	if order.ClientOrderID == "" {
		t.Error("expected a generated client order id")
	}
	if len(fs.created) != 1 || fs.created[0].Status != types.OrderPending {
		t.Fatal("expected a PENDING order persisted before the broker call")
	}
	if !fb.spreadRequests[0].LimitPrice.Equal(decimal.NewFromFloat(1.00)) {
		t.Errorf("LimitPrice = %s, want +1.00 for a credit spread", fb.spreadRequests[0].LimitPrice)
	}
}

func TestPlaceEntryDebitSpreadNegatesLimitPrice(t *testing.T) {
	fb := &fakeExecBroker{}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, nil, types.ModeDryRun)

	p := storage.Proposal{ID: "prop-2", Symbol: "SPY", Strategy: types.BullCallDebit, Quantity: 1, CreditTarget: decimal.NewFromFloat(1.50)}
	_, err := e.PlaceEntry(context.Background(), p, "SPY_SHORT", "SPY_LONG")
	if err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if !fb.spreadRequests[0].LimitPrice.Equal(decimal.NewFromFloat(-1.50)) {
		t.Errorf("LimitPrice = %s, want -1.50 for a debit spread", fb.spreadRequests[0].LimitPrice)
	}
}

func TestPlaceEntryRejectionMarksOrderRejected(t *testing.T) {
	fb := &fakeExecBroker{placeSpreadErr: errors.New("insufficient buying power")}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, nil, types.ModeDryRun)

	p := storage.Proposal{ID: "prop-3", Strategy: types.BullPutCredit, Quantity: 1, CreditTarget: decimal.NewFromFloat(1.00)}
	order, err := e.PlaceEntry(context.Background(), p, "S", "L")
	if err == nil {
		t.Fatal("expected an error from PlaceEntry on broker rejection")
	}
	if order.Status != types.OrderRejected {
		t.Errorf("Status = %s, want REJECTED", order.Status)
	}
}

func TestPlaceExitSingleLeg(t *testing.T) {
	fb := &fakeExecBroker{}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, nil, types.ModeDryRun)

	trade := storage.Trade{ID: "trade-1", Strategy: types.BullPutCredit}
	orders, err := e.PlaceExit(context.Background(), trade, []ExitLeg{{Symbol: "SPY_SHORT", Side: types.Short, Quantity: 1}}, "PROFIT_TARGET")
	if err != nil {
		t.Fatalf("PlaceExit: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1", len(orders))
	}
	if len(fb.singleLegSymbols) != 1 {
		t.Fatal("expected exactly one single-leg close call")
	}
}

func TestPlaceExitMultilegSameRoot(t *testing.T) {
	fb := &fakeExecBroker{}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, nil, types.ModeDryRun)

	exp := "SPY   260821P00100000"
	legs := []ExitLeg{
		{Symbol: exp, Side: types.Short, Quantity: 1},
		{Symbol: "SPY   260821P00095000", Side: types.Long, Quantity: 1},
	}
	trade := storage.Trade{ID: "trade-2", Strategy: types.BullPutCredit, Width: 5}
	orders, err := e.PlaceExit(context.Background(), trade, legs, "STOP_LOSS")
	if err != nil {
		t.Fatalf("PlaceExit: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1 (single multileg order)", len(orders))
	}
	if len(fb.spreadRequests) != 1 || len(fb.spreadRequests[0].Legs) != 2 {
		t.Fatal("expected one multileg spread request covering both legs")
	}
}

func TestPlaceExitMultilegRejectionFallsBackToPerLegCloses(t *testing.T) {
	fb := &fakeExecBroker{placeSpreadErr: errors.New("order rejected by exchange")}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, nil, types.ModeDryRun)

	legs := []ExitLeg{
		{Symbol: "SPY   260821P00100000", Side: types.Short, Quantity: 1},
		{Symbol: "SPY   260821P00095000", Side: types.Long, Quantity: 1},
	}
	trade := storage.Trade{ID: "trade-3", Strategy: types.BullPutCredit, Width: 5}
	orders, err := e.PlaceExit(context.Background(), trade, legs, "EMERGENCY")
	if err != nil {
		t.Fatalf("PlaceExit: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2 (fell back to per-leg closes)", len(orders))
	}
	if len(fb.singleLegSymbols) != 2 {
		t.Errorf("expected 2 single-leg close calls after multileg rejection, got %d", len(fb.singleLegSymbols))
	}
}

func TestPlaceExitHeterogeneousLegsSkipsMultileg(t *testing.T) {
	fb := &fakeExecBroker{}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, nil, types.ModeDryRun)

	legs := []ExitLeg{
		{Symbol: "SPY   260821P00100000", Side: types.Short, Quantity: 1},
		{Symbol: "QQQ   260821P00095000", Side: types.Long, Quantity: 1},
	}
	trade := storage.Trade{ID: "trade-4", Strategy: types.BullPutCredit, Width: 5}
	orders, err := e.PlaceExit(context.Background(), trade, legs, "STRUCTURAL_BREAK")
	if err != nil {
		t.Fatalf("PlaceExit: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2 (different roots go per-leg)", len(orders))
	}
	if len(fb.spreadRequests) != 0 {
		t.Error("expected no multileg attempt for legs with different OCC roots")
	}
}

func TestPlaceEntryRejectionStreakTripsHardStop(t *testing.T) {
	store := fakeRiskStateStore{}
	manager := risk.NewManager(store, nil, decimal.NewFromInt(1000), 10)
	tracker := risk.NewRejectionTracker(manager, 3)

	fb := &fakeExecBroker{placeSpreadErr: errors.New("order rejected by exchange")}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, tracker, types.ModeDryRun)

	p := storage.Proposal{ID: "prop-streak", Strategy: types.BullPutCredit, Quantity: 1, CreditTarget: decimal.NewFromFloat(1.00)}
	for i := 0; i < 3; i++ {
		if _, err := e.PlaceEntry(context.Background(), p, "S", "L"); err == nil {
			t.Fatal("expected an error from PlaceEntry on broker rejection")
		}
	}

	if manager.Mode() != types.ModeHardStop {
		t.Errorf("Mode() = %s, want HARD_STOP after %d consecutive non-benign rejections", manager.Mode(), 3)
	}
}

func TestPlaceEntryBenignRejectionsDoNotTripHardStop(t *testing.T) {
	store := fakeRiskStateStore{}
	manager := risk.NewManager(store, nil, decimal.NewFromInt(1000), 10)
	tracker := risk.NewRejectionTracker(manager, 3)

	fb := &fakeExecBroker{placeSpreadErr: errors.New("market is closed")}
	fs := &fakeExecStore{}
	e := NewExecutor(fb, fs, &fakeExecEvents{}, tracker, types.ModeDryRun)

	p := storage.Proposal{ID: "prop-benign", Strategy: types.BullPutCredit, Quantity: 1, CreditTarget: decimal.NewFromFloat(1.00)}
	for i := 0; i < 5; i++ {
		if _, err := e.PlaceEntry(context.Background(), p, "S", "L"); err == nil {
			t.Fatal("expected an error from PlaceEntry on broker rejection")
		}
	}

	if manager.Mode() == types.ModeHardStop {
		t.Error("benign rejections should not trip HARD_STOP")
	}
}

func TestPlaceExitNoLegsIsAnError(t *testing.T) {
	e := NewExecutor(&fakeExecBroker{}, &fakeExecStore{}, &fakeExecEvents{}, nil, types.ModeDryRun)
	if _, err := e.PlaceExit(context.Background(), storage.Trade{ID: "trade-5"}, nil, "PROFIT_TARGET"); err == nil {
		t.Error("expected an error when there are no legs to close")
	}
}
