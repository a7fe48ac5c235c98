// Package risk is the system-mode and risk-accounting manager: it owns the
// SystemMode/RiskState transition, the daily-loss HARD_STOP trip, and the
// benign-broker-rejection classifier shared by monitor and execution.
package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/types"
)

// StateStore is the subset of storage.Store the manager needs; defined here
// to avoid a risk<->storage import cycle.
type StateStore interface {
	GetRiskValue(key string) (string, bool)
	SetRiskValue(key, value string) error
}

// EventRecorder is the subset of eventlog.Log the manager uses to persist a
// system-mode audit trail.
type EventRecorder interface {
	RecordSystemLog(ctx context.Context, e SystemLogEntry) error
}

// SystemLogEntry mirrors eventlog.SystemLogEntry; duplicated here (rather
// than imported) so risk does not depend on eventlog's database/sql driver
// import for its public surface.
type SystemLogEntry struct {
	Level     string
	Component string
	Message   string
	Context   any
}

const (
	riskKeySystemMode = "SYSTEM_MODE"
	riskKeyRiskState  = "RISK_STATE"
	riskKeyDailyPnL   = "DAILY_PNL"
	riskKeyDailyDate  = "DAILY_PNL_DATE"

	riskKeyLastHardStopAt     = "LAST_HARD_STOP_AT"
	riskKeyLastHardStopReason = "LAST_HARD_STOP_REASON"
	riskKeyLastModeChange     = "LAST_SYSTEM_MODE_CHANGE"
	riskKeyEmergencyCount     = "EMERGENCY_EXIT_COUNT_TODAY"
)

// Manager owns the system-mode state machine and the daily-loss accounting
// that can force it into HARD_STOP. SystemMode is tracked distinctly from
// RiskState.
type Manager struct {
	mu sync.Mutex

	store  StateStore
	events EventRecorder

	dailyLossLimit decimal.Decimal
	maxOpenTrades  int

	mode          types.SystemMode
	riskState     types.RiskState
	dailyPnL      decimal.Decimal
	lastResetDate string
	emergencyCountToday int
}

// NewManager constructs a Manager, loading any previously persisted system
// mode from store so a process restart does not silently clear a HARD_STOP.
func NewManager(store StateStore, events EventRecorder, dailyLossLimit decimal.Decimal, maxOpenTrades int) *Manager {
	m := &Manager{
		store:          store,
		events:         events,
		dailyLossLimit: dailyLossLimit,
		maxOpenTrades:  maxOpenTrades,
		mode:           types.ModeNormal,
		riskState:      types.RiskNormal,
	}

	if v, ok := store.GetRiskValue(riskKeySystemMode); ok && types.SystemMode(v) == types.ModeHardStop {
		m.mode = types.ModeHardStop
		log.Warn().Msg("risk manager starting in HARD_STOP (persisted from prior run)")
	}
	if v, ok := store.GetRiskValue(riskKeyRiskState); ok && types.RiskState(v) == types.RiskHalted {
		m.riskState = types.RiskHalted
	}
	if v, ok := store.GetRiskValue(riskKeyDailyDate); ok {
		m.lastResetDate = v
	}
	if v, ok := store.GetRiskValue(riskKeyDailyPnL); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			m.dailyPnL = d
		}
	}

	return m
}

// Mode returns the current system mode.
func (m *Manager) Mode() types.SystemMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// RiskState returns the current coarse risk-state signal, tracked distinctly
// from SystemMode.
func (m *Manager) RiskState() types.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.riskState
}

// ResetRiskState clears a HALTED risk state back to NORMAL. Idempotent under
// repeated calls.
func (m *Manager) ResetRiskState(ctx context.Context) error {
	m.mu.Lock()
	prev := m.riskState
	m.riskState = types.RiskNormal
	m.mu.Unlock()

	if prev == types.RiskNormal {
		return nil
	}
	if err := m.store.SetRiskValue(riskKeyRiskState, string(types.RiskNormal)); err != nil {
		return fmt.Errorf("risk: persist risk state reset: %w", err)
	}
	log.Info().Msg("risk state reset to NORMAL")
	if m.events != nil {
		_ = m.events.RecordSystemLog(ctx, SystemLogEntry{
			Level: "info", Component: "risk", Message: "risk state reset to NORMAL",
		})
	}
	return nil
}

// IncrementEmergencyExitCount records one more EMERGENCY exit for today's
// ledger, resetting the counter across an Eastern calendar-day rollover.
func (m *Manager) IncrementEmergencyExitCount(today string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDayResetLocked(today)
	m.emergencyCountToday++
	_ = m.store.SetRiskValue(riskKeyEmergencyCount, fmt.Sprint(m.emergencyCountToday))
	return m.emergencyCountToday
}

// SetSystemMode transitions the system mode and persists the change, logging
// the reason both to zerolog and to the durable system log so every
// transition is auditable.
func (m *Manager) SetSystemMode(ctx context.Context, mode types.SystemMode, reason string) error {
	m.mu.Lock()
	prev := m.mode
	m.mode = mode
	m.mu.Unlock()

	if prev == mode {
		return nil
	}

	if err := m.store.SetRiskValue(riskKeySystemMode, string(mode)); err != nil {
		return fmt.Errorf("risk: persist system mode: %w", err)
	}
	now := time.Now()
	_ = m.store.SetRiskValue(riskKeyLastModeChange, now.Format(time.RFC3339))
	if mode == types.ModeHardStop {
		_ = m.store.SetRiskValue(riskKeyLastHardStopAt, now.Format(time.RFC3339))
		_ = m.store.SetRiskValue(riskKeyLastHardStopReason, reason)
	}

	log.Warn().Str("from", string(prev)).Str("to", string(mode)).Str("reason", reason).Msg("system mode transition")
	if m.events != nil {
		_ = m.events.RecordSystemLog(ctx, SystemLogEntry{
			Level:     "warn",
			Component: "risk",
			Message:   fmt.Sprintf("system mode %s -> %s: %s", prev, mode, reason),
		})
	}
	return nil
}

// checkDayResetLocked zeroes the daily P&L ledger once the Eastern calendar
// date rolls over, persisted so the reset survives a process restart within
// the same day. Caller must hold m.mu.
func (m *Manager) checkDayResetLocked(today string) {
	if m.lastResetDate == today {
		return
	}
	m.dailyPnL = decimal.Zero
	m.emergencyCountToday = 0
	m.lastResetDate = today
	_ = m.store.SetRiskValue(riskKeyDailyPnL, m.dailyPnL.String())
	_ = m.store.SetRiskValue(riskKeyDailyDate, today)
	log.Info().Str("date", today).Msg("daily risk ledger reset")
}

// RecordTradeClose folds a realized P&L into the daily-loss-limit ledger and
// trips HARD_STOP if the configured limit is breached. today is the
// caller-supplied Eastern calendar date
// (YYYY-MM-DD), threaded in rather than read from time.Now() so callers
// under test control the reset boundary.
func (m *Manager) RecordTradeClose(ctx context.Context, today string, pnl decimal.Decimal) error {
	m.mu.Lock()
	m.checkDayResetLocked(today)
	m.dailyPnL = m.dailyPnL.Add(pnl)
	breached := m.dailyPnL.LessThan(m.dailyLossLimit.Neg())
	dailyPnL := m.dailyPnL
	m.mu.Unlock()

	if err := m.store.SetRiskValue(riskKeyDailyPnL, dailyPnL.String()); err != nil {
		return fmt.Errorf("risk: persist daily pnl: %w", err)
	}

	log.Info().Str("pnl", pnl.StringFixed(2)).Str("dailyPnl", dailyPnL.StringFixed(2)).Msg("trade close recorded")

	if breached {
		return m.SetSystemMode(ctx, types.ModeHardStop,
			fmt.Sprintf("daily loss %s exceeds limit %s", dailyPnL.StringFixed(2), m.dailyLossLimit.StringFixed(2)))
	}
	return nil
}

// DailyPnL returns the running daily realized P&L.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// ───────────────────────────── Benign rejection classifier ─────────────────────────────

// benignRejectionPhrases are substrings of a broker rejection message that
// indicate the rejection is an expected, non-structural event (market
// closed, after-hours, holiday) rather than a sign of an account or logic
// problem — these must never trigger HARD_STOP.
var benignRejectionPhrases = []string{
	"market is closed",
	"market closed",
	"after hours",
	"after-hours",
	"outside of market hours",
	"weekend",
	"holiday",
	"pre-market",
	"premarket",
}

// IsBenignRejection classifies a broker rejection/reason string.
func IsBenignRejection(reason string) bool {
	lower := strings.ToLower(reason)
	for _, phrase := range benignRejectionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// DateKey formats t as the Eastern calendar date key used by the daily
// ledger; exported so cycle can pass a consistent key without depending on
// risk's internal layout.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
