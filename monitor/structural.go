package monitor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/storage"
	"github.com/optrader/spreadctl/types"
)

// geometryTolerance is the $0.01 slack allowed when checking strike
// geometry against the strategy's expected shape.
var geometryTolerance = decimal.NewFromFloat(0.01)

// expectedLongStrike returns the long strike a strategy requires, given its
// short strike and width — the same geometry table candidate construction
// uses, reused here to detect drift.
func expectedLongStrike(strategy types.Strategy, shortStrike decimal.Decimal, width int) decimal.Decimal {
	w := decimal.NewFromInt(int64(width))
	switch strategy {
	case types.BullPutCredit, types.BullCallDebit:
		return shortStrike.Sub(w)
	case types.BearCallCredit, types.BearPutDebit:
		return shortStrike.Add(w)
	default:
		return shortStrike
	}
}

// legsForTrade locates the trade's short and long contracts in a freshly
// fetched chain, matching by strike and the option type the strategy trades.
func legsForTrade(trade storage.Trade, chain []broker.OptionContract) (short, long broker.OptionContract, ok bool) {
	optType := string(trade.Strategy.OptionType())
	var foundShort, foundLong bool
	for _, c := range chain {
		if c.OptionType != optType {
			continue
		}
		if c.Strike.Equal(trade.ShortStrike) {
			short, foundShort = c, true
		}
		if c.Strike.Equal(trade.LongStrike) {
			long, foundLong = c, true
		}
	}
	return short, long, foundShort && foundLong
}

// structuralResult is the pre-check's verdict: ok, or a categorical break
// with a human-readable detail. A failing result surfaces as EMERGENCY with
// exitReason STRUCTURAL_BREAK and the detailed reason.
type structuralResult struct {
	OK     bool
	Reason string
}

// checkStructure runs the structural-integrity pre-check, which must pass
// before any P&L reasoning is attempted.
func checkStructure(
	trade storage.Trade,
	chain []broker.OptionContract,
	positions []storage.PortfolioPosition,
	orders []storage.Order,
	now time.Time,
	settlingWindow time.Duration,
) structuralResult {
	if trade.Strategy == "" {
		return structuralResult{false, "strategy not set"}
	}

	expectedLong := expectedLongStrike(trade.Strategy, trade.ShortStrike, trade.Width)
	if trade.LongStrike.Sub(expectedLong).Abs().GreaterThan(geometryTolerance) {
		return structuralResult{false, fmt.Sprintf(
			"STRIKE_MISMATCH: strategy=%s shortStrike=%s expectedLong=%s actualLong=%s",
			trade.Strategy, trade.ShortStrike.String(), expectedLong.String(), trade.LongStrike.String())}
	}
	width := trade.LongStrike.Sub(trade.ShortStrike).Abs()
	if !width.Sub(decimal.NewFromInt(int64(trade.Width))).Abs().LessThanOrEqual(geometryTolerance) {
		return structuralResult{false, fmt.Sprintf("STRIKE_MISMATCH: width mismatch stored=%d actual=%s", trade.Width, width.String())}
	}

	_, _, legsOK := legsForTrade(trade, chain)
	if !legsOK {
		return structuralResult{false, "LEG_MISSING: both legs not found in option chain"}
	}

	if trade.OpenedAt == nil || now.Sub(*trade.OpenedAt) > settlingWindow {
		if reason, ok := checkBrokerPositions(trade, positions); !ok {
			return structuralResult{false, reason}
		}
		if reason, ok := checkEntryOrderFilled(trade, orders); !ok {
			return structuralResult{false, reason}
		}
	}

	return structuralResult{OK: true}
}

// checkBrokerPositions verifies both legs exist in broker positions with
// equal absolute quantity at least the trade's quantity.
func checkBrokerPositions(trade storage.Trade, positions []storage.PortfolioPosition) (string, bool) {
	shortKey := storage.PositionKey(trade.Symbol, trade.Expiration, trade.Strategy.OptionType(), trade.ShortStrike, types.Short)
	longKey := storage.PositionKey(trade.Symbol, trade.Expiration, trade.Strategy.OptionType(), trade.LongStrike, types.Long)

	byKey := make(map[string]storage.PortfolioPosition, len(positions))
	for _, p := range positions {
		byKey[p.Key] = p
	}

	shortPos, hasShort := byKey[shortKey]
	longPos, hasLong := byKey[longKey]
	if !hasShort || !hasLong {
		return "LEG_MISSING: broker positions missing a leg", false
	}
	if shortPos.Quantity != longPos.Quantity || shortPos.Quantity < trade.Quantity || longPos.Quantity < trade.Quantity {
		return fmt.Sprintf("quantity mismatch: short=%d long=%d tradeQty=%d", shortPos.Quantity, longPos.Quantity, trade.Quantity), false
	}
	return "", true
}

// checkEntryOrderFilled raises ENTRY_ORDER_NOT_FILLED if the trade's entry
// order exists and reports a non-FILLED status.
func checkEntryOrderFilled(trade storage.Trade, orders []storage.Order) (string, bool) {
	for _, o := range orders {
		if o.Side != types.OrderEntry {
			continue
		}
		if o.Status != types.OrderFilled {
			return "ENTRY_ORDER_NOT_FILLED: " + string(o.Status), false
		}
	}
	return "", true
}
