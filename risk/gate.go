package risk

import (
	"fmt"
	"time"

	"github.com/optrader/spreadctl/clock"
	"github.com/optrader/spreadctl/types"
)

// OpenRequest is the context the gate needs to decide whether a new trade
// may be opened.
type OpenRequest struct {
	Now            time.Time
	OpenTradeCount int
	Symbol         string
	ProposedQty    int
}

// OpenDecision is the gate's verdict.
type OpenDecision struct {
	Approved     bool
	RejectReason string
}

// CanOpenNewTrade runs every hard block in order and returns the first
// rejection, or an approval if none fire: trading calendar, system mode,
// risk state, and the configured max-open-trades cap must all pass —
// trading day, market hours, systemMode == NORMAL, riskState == NORMAL, and
// open position count below the cap.
func (m *Manager) CanOpenNewTrade(req OpenRequest) OpenDecision {
	for _, check := range []func(OpenRequest) string{
		m.checkMarketHours,
		m.checkSystemMode,
		m.checkRiskState,
		m.checkMaxOpenTrades,
	} {
		if reason := check(req); reason != "" {
			return OpenDecision{Approved: false, RejectReason: reason}
		}
	}
	return OpenDecision{Approved: true}
}

func (m *Manager) checkMarketHours(req OpenRequest) string {
	now := req.Now
	if now.IsZero() {
		now = clock.Now()
	}
	if !clock.IsTradingDay(now) {
		return "not a trading day"
	}
	if !clock.IsMarketOpen(now) {
		return "market is closed"
	}
	return ""
}

func (m *Manager) checkSystemMode(_ OpenRequest) string {
	if m.Mode() == types.ModeHardStop {
		return "system is in HARD_STOP"
	}
	return ""
}

func (m *Manager) checkRiskState(_ OpenRequest) string {
	if m.RiskState() == types.RiskHalted {
		return "risk state is HALTED"
	}
	return ""
}

func (m *Manager) checkMaxOpenTrades(req OpenRequest) string {
	if req.OpenTradeCount >= m.maxOpenTrades {
		return fmt.Sprintf("max open trades reached (%d/%d)", req.OpenTradeCount, m.maxOpenTrades)
	}
	return ""
}
