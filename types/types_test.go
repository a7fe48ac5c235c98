package types

import "testing"

func TestStrategyIsCredit(t *testing.T) {
	cases := map[Strategy]bool{
		BullPutCredit:  true,
		BearCallCredit: true,
		BullCallDebit:  false,
		BearPutDebit:   false,
	}
	for strategy, want := range cases {
		if got := strategy.IsCredit(); got != want {
			t.Errorf("%s.IsCredit() = %v, want %v", strategy, got, want)
		}
	}
}

func TestStrategyOptionType(t *testing.T) {
	cases := map[Strategy]OptionType{
		BullPutCredit:  Put,
		BearPutDebit:   Put,
		BearCallCredit: Call,
		BullCallDebit:  Call,
	}
	for strategy, want := range cases {
		if got := strategy.OptionType(); got != want {
			t.Errorf("%s.OptionType() = %s, want %s", strategy, got, want)
		}
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderFilled, OrderCancelled, OrderRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	nonTerminal := []OrderStatus{OrderPending, OrderPlaced, OrderPartial}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestOrderStatusCanAdvanceTo(t *testing.T) {
	if !OrderPending.CanAdvanceTo(OrderPlaced) {
		t.Error("PENDING -> PLACED should be a legal advance")
	}
	if !OrderPlaced.CanAdvanceTo(OrderFilled) {
		t.Error("PLACED -> FILLED should be a legal advance")
	}
	if OrderFilled.CanAdvanceTo(OrderPlaced) {
		t.Error("FILLED -> PLACED should be rejected, FILLED is terminal")
	}
	if OrderPartial.CanAdvanceTo(OrderPending) {
		t.Error("PARTIAL -> PENDING should be rejected, it regresses rank")
	}
	if !OrderPlaced.CanAdvanceTo(OrderPlaced) {
		t.Error("a non-terminal status should be able to 'advance' to itself (idempotent replay)")
	}
	if OrderCancelled.CanAdvanceTo(OrderCancelled) {
		t.Error("CanAdvanceTo always rejects once terminal, even replaying the same status — callers compare against the prior status directly to treat that as a no-op")
	}
}
