package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optrader/spreadctl/storage"
)

// RepairStore is the subset of storage.Store the repair sweep consumes, on
// top of Store.
type RepairStore interface {
	Store
	GetOpenTrades() ([]storage.Trade, error)
}

// RepairResult summarizes one pass of the portfolio-repair sweep.
type RepairResult struct {
	Checked int
	Skipped int
	Broken  []string // trade IDs whose structural check failed
}

// RepairPortfolio runs the portfolio repair sweep: walk every open trade,
// run the same checkStructure the per-tick evaluator runs, and report the IDs
// of broken trades. The sweep places no exit orders, and
// cycle.Scheduler.RepairPortfolio returns this result as is without placing
// EMERGENCY exits for the broken trades.
// Trades whose option chain cannot currently be fetched are skipped, not
// counted as broken — a transient outage is not a structural break.
func (e *Evaluator) RepairPortfolio(ctx context.Context, now time.Time, settlingWindow time.Duration) (RepairResult, error) {
	repairStore, ok := e.store.(RepairStore)
	if !ok {
		return RepairResult{}, nil
	}
	trades, err := repairStore.GetOpenTrades()
	if err != nil {
		return RepairResult{}, err
	}

	var result RepairResult
	for _, trade := range trades {
		result.Checked++

		chain, err := e.broker.GetOptionChain(ctx, trade.Symbol, trade.Expiration)
		if err != nil {
			log.Warn().Err(err).Str("tradeId", trade.ID).Msg("repair: chain fetch failed, skipping")
			result.Skipped++
			continue
		}
		positions, err := e.store.GetPositionsForSymbol(trade.Symbol, trade.Expiration)
		if err != nil {
			result.Skipped++
			continue
		}
		orders, err := e.store.GetOrdersForTrade(trade.ID)
		if err != nil {
			result.Skipped++
			continue
		}

		if res := checkStructure(trade, chain, positions, orders, now, settlingWindow); !res.OK {
			log.Error().Str("tradeId", trade.ID).Str("reason", res.Reason).Msg("repair: structural break detected")
			result.Broken = append(result.Broken, trade.ID)
		}
	}

	return result, nil
}
