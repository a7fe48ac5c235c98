// Package monitor is the close-rule evaluator: per-open-trade structural
// checks, P&L metrics, and the ordered exit-trigger table, plus the
// portfolio-repair sweep that backstops it.
package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/clock"
	"github.com/optrader/spreadctl/storage"
)

// Metrics is the per-trade computed snapshot the close rules evaluate
// against.
type Metrics struct {
	ShortMid       decimal.Decimal
	LongMid        decimal.Decimal
	CurrentMark    decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	ProfitFraction decimal.Decimal
	LossFraction   decimal.Decimal
	DTE            int

	LiquidityOK      bool
	QuoteIntegrityOK bool
}

// mid returns the midpoint of a contract's bid/ask.
func mid(c broker.OptionContract) decimal.Decimal {
	return c.Bid.Add(c.Ask).Div(decimal.NewFromInt(2))
}

// computeMetrics derives the P&L and liquidity metrics for a trade whose
// current short/long legs were just fetched from the chain.
func computeMetrics(trade storage.Trade, short, long broker.OptionContract, now time.Time, liquidityCap decimal.Decimal) Metrics {
	shortMid := mid(short)
	longMid := mid(long)

	var currentMark decimal.Decimal
	if trade.Strategy.IsCredit() {
		currentMark = shortMid.Sub(longMid)
	} else {
		currentMark = longMid.Sub(shortMid)
	}

	m := Metrics{
		ShortMid:         shortMid,
		LongMid:          longMid,
		CurrentMark:      currentMark,
		LiquidityOK:      legSpreadOK(short, liquidityCap) && legSpreadOK(long, liquidityCap),
		QuoteIntegrityOK: quoteIntegrityOK(short) && quoteIntegrityOK(long),
	}

	if exp, err := clock.ParseExpiration(trade.Expiration); err == nil {
		m.DTE = clock.DaysToExpiration(now, exp)
	}

	if !trade.EntryPrice.IsZero() {
		if trade.Strategy.IsCredit() {
			m.UnrealizedPnL = trade.EntryPrice.Sub(currentMark)
		} else {
			m.UnrealizedPnL = currentMark.Sub(trade.EntryPrice)
		}
		if trade.MaxProfit.IsPositive() {
			m.ProfitFraction = m.UnrealizedPnL.Div(trade.MaxProfit)
		}
		if trade.MaxLoss.IsPositive() {
			lf := m.UnrealizedPnL.Neg().Div(trade.MaxLoss)
			if lf.IsPositive() {
				m.LossFraction = lf
			}
		}
	}

	return m
}

func legSpreadOK(c broker.OptionContract, cap decimal.Decimal) bool {
	return c.Ask.Sub(c.Bid).LessThanOrEqual(cap)
}

func quoteIntegrityOK(c broker.OptionContract) bool {
	return c.Bid.IsPositive() && c.Ask.IsPositive() && c.Bid.LessThan(c.Ask)
}
