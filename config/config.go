// Package config is the configuration resolver. It layers a compiled
// default, an environment variable, and a store Setting row (store wins when
// present) into a runtime-overridable resolver.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/types"
)

// SettingReader is the subset of storage.Store the resolver needs; defined
// here (not imported from storage) to avoid a config<->storage import cycle.
type SettingReader interface {
	GetSetting(key string) (string, bool)
}

// Resolver resolves a configuration key through, in priority order: the
// store's Setting table, the process environment, then a caller-supplied
// default.
type Resolver struct {
	store SettingReader
}

// NewResolver builds a Resolver backed by store. store may be nil, in which
// case only env/default layers are consulted (used by tests and by any
// component constructed before storage finishes initializing).
func NewResolver(store SettingReader) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) lookup(key string) (string, bool) {
	if r.store != nil {
		if v, ok := r.store.GetSetting(key); ok && v != "" {
			return v, true
		}
	}
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	return "", false
}

// String resolves key, falling back to def.
func (r *Resolver) String(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

// Bool resolves key as "true"/"false"/"1"/"0", falling back to def.
func (r *Resolver) Bool(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int resolves key as an integer, falling back to def.
func (r *Resolver) Int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration resolves key via time.ParseDuration (e.g. "30s", "5m"), falling
// back to def.
func (r *Resolver) Duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Decimal resolves key as a decimal.Decimal, falling back to def.
func (r *Resolver) Decimal(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}

// Float resolves key as a float64, falling back to def.
func (r *Resolver) Float(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// StringList resolves key as a comma-separated list, trimming whitespace and
// dropping empty elements. An absent or empty key yields a nil (unrestricted)
// list — used for UNDERLYING_WHITELIST / STRATEGY_WHITELIST.
func (r *Resolver) StringList(key string) []string {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Settings is the fully-resolved snapshot of every configuration key, read
// once per trade cycle so a whole tick observes a consistent view even if a
// Setting row changes mid-tick.
type Settings struct {
	TradingMode types.TradingMode

	MaxOpenTrades        int
	DefaultTradeQuantity int
	MinDTE               int
	MaxDTE               int
	TargetDeltaShort     decimal.Decimal
	SpreadWidth          int
	MaxExpirationsPerSymbol int

	UnderlyingWhitelist []string
	StrategyWhitelist   []types.Strategy
	EligibleSymbols     []string

	MinScore          float64
	MinCreditFraction decimal.Decimal
	DebitMin          decimal.Decimal
	DebitMax          decimal.Decimal

	LiquiditySpreadCap       decimal.Decimal
	VerticalSkewCap          decimal.Decimal
	DirectionalGateThreshold decimal.Decimal
	NeutralBand              decimal.Decimal

	RVIVBandLow, RVIVBandHigh decimal.Decimal

	// Close-rule thresholds. Credit and debit spreads default differently;
	// CLOSE_RULE_PROFIT_TARGET_FRACTION / CLOSE_RULE_STOP_LOSS_FRACTION
	// override both, and the _CREDIT / _DEBIT keys override one type.
	ProfitTargetFractionCredit decimal.Decimal
	ProfitTargetFractionDebit  decimal.Decimal
	StopLossFractionCredit     decimal.Decimal
	StopLossFractionDebit      decimal.Decimal
	TrailArmFraction           decimal.Decimal
	TrailGiveBackFraction      decimal.Decimal
	TimeExitDTE                int
	TimeExitCutoffET           string // "HH:MM", Eastern wall clock
	IVCrushRatio                decimal.Decimal
	IVCrushMinPnLFraction       decimal.Decimal
	LowValueThreshold           decimal.Decimal
	LiquiditySpreadThreshold    decimal.Decimal
	UnderlyingSpikeThreshold    decimal.Decimal
	UnderlyingSpikeWindow       time.Duration
	SettlingWindow              time.Duration

	DailyLossLimit           decimal.Decimal
	RejectionStreakThreshold int

	CycleInterval      time.Duration
	BrokerCallTimeout  time.Duration
	SnapshotInterval   time.Duration
	CycleLockStaleAfter time.Duration
}

// Load resolves every cycle-scoped setting in one pass.
func Load(r *Resolver) Settings {
	whitelist := r.StringList("STRATEGY_WHITELIST")
	strategies := make([]types.Strategy, 0, len(whitelist))
	for _, s := range whitelist {
		strategies = append(strategies, types.Strategy(s))
	}

	return Settings{
		TradingMode: types.TradingMode(r.String("TRADING_MODE", string(types.ModeDryRun))),

		MaxOpenTrades:           r.Int("MAX_OPEN_POSITIONS", 5),
		DefaultTradeQuantity:    r.Int("DEFAULT_TRADE_QUANTITY", 1),
		MinDTE:                  r.Int("MIN_DTE", 30),
		MaxDTE:                  r.Int("MAX_DTE", 60),
		TargetDeltaShort:        r.Decimal("TARGET_DELTA_SHORT", decimal.NewFromFloat(0.16)),
		SpreadWidth:             r.Int("SPREAD_WIDTH", 5),
		MaxExpirationsPerSymbol: r.Int("MAX_EXPIRATIONS_PER_SYMBOL", 5),

		UnderlyingWhitelist: r.StringList("UNDERLYING_WHITELIST"),
		StrategyWhitelist:   strategies,
		EligibleSymbols:     r.StringList("ELIGIBLE_SYMBOLS"),

		MinScore:          r.Float("MIN_SCORE", 0.65),
		MinCreditFraction: r.Decimal("MIN_CREDIT_FRACTION", decimal.NewFromFloat(0.33)),
		DebitMin:          r.Decimal("DEBIT_MIN", decimal.NewFromFloat(0.50)),
		DebitMax:          r.Decimal("DEBIT_MAX", decimal.NewFromFloat(4.00)),

		LiquiditySpreadCap:       r.Decimal("LIQUIDITY_SPREAD_CAP", decimal.NewFromFloat(0.15)),
		VerticalSkewCap:          r.Decimal("VERTICAL_SKEW_CAP", decimal.NewFromFloat(0.08)),
		DirectionalGateThreshold: r.Decimal("DIRECTIONAL_GATE_THRESHOLD", decimal.NewFromFloat(0.01)),
		NeutralBand:              r.Decimal("REGIME_NEUTRAL_BAND", decimal.NewFromFloat(0.01)),

		RVIVBandLow:  r.Decimal("RVIV_BAND_LOW", decimal.NewFromFloat(0.5)),
		RVIVBandHigh: r.Decimal("RVIV_BAND_HIGH", decimal.NewFromFloat(2.0)),

		ProfitTargetFractionCredit: r.Decimal("CLOSE_RULE_PROFIT_TARGET_FRACTION_CREDIT", r.Decimal("CLOSE_RULE_PROFIT_TARGET_FRACTION", decimal.NewFromFloat(0.50))),
		ProfitTargetFractionDebit:  r.Decimal("CLOSE_RULE_PROFIT_TARGET_FRACTION_DEBIT", r.Decimal("CLOSE_RULE_PROFIT_TARGET_FRACTION", decimal.NewFromFloat(0.60))),
		StopLossFractionCredit:     r.Decimal("CLOSE_RULE_STOP_LOSS_FRACTION_CREDIT", r.Decimal("CLOSE_RULE_STOP_LOSS_FRACTION", decimal.NewFromFloat(0.10))),
		StopLossFractionDebit:      r.Decimal("CLOSE_RULE_STOP_LOSS_FRACTION_DEBIT", r.Decimal("CLOSE_RULE_STOP_LOSS_FRACTION", decimal.NewFromFloat(0.50))),
		TrailArmFraction:           r.Decimal("CLOSE_RULE_TRAIL_ARM_FRACTION", decimal.NewFromFloat(0.40)),
		TrailGiveBackFraction:      r.Decimal("CLOSE_RULE_TRAIL_GIVEBACK_FRACTION", decimal.NewFromFloat(0.10)),
		TimeExitDTE:                r.Int("CLOSE_RULE_TIME_EXIT_DTE", 1),
		TimeExitCutoffET:           r.String("CLOSE_RULE_TIME_EXIT_CUTOFF", "15:50"),
		IVCrushRatio:               r.Decimal("CLOSE_RULE_IV_CRUSH_RATIO", decimal.NewFromFloat(0.70)),
		IVCrushMinPnLFraction:      r.Decimal("CLOSE_RULE_IV_CRUSH_MIN_PNL_FRACTION", decimal.NewFromFloat(0.20)),
		LowValueThreshold:          r.Decimal("CLOSE_RULE_LOW_VALUE_CLOSE_THRESHOLD", decimal.NewFromFloat(0.05)),
		LiquiditySpreadThreshold:   r.Decimal("CLOSE_RULE_LIQUIDITY_SPREAD_THRESHOLD", decimal.NewFromFloat(0.20)),
		UnderlyingSpikeThreshold:   r.Decimal("CLOSE_RULE_UNDERLYING_SPIKE_THRESHOLD", decimal.NewFromFloat(1.5)),
		UnderlyingSpikeWindow:      r.Duration("CLOSE_RULE_UNDERLYING_SPIKE_WINDOW", 15*time.Second),
		SettlingWindow:             r.Duration("TRADE_SETTLING_WINDOW", 2*time.Minute),

		DailyLossLimit:           r.Decimal("DAILY_LOSS_LIMIT", decimal.NewFromInt(1000)),
		RejectionStreakThreshold: r.Int("REJECTION_STREAK_THRESHOLD", 3),

		CycleInterval:       r.Duration("CYCLE_INTERVAL", time.Minute),
		BrokerCallTimeout:   r.Duration("BROKER_CALL_TIMEOUT", 25*time.Second),
		SnapshotInterval:    r.Duration("SNAPSHOT_INTERVAL", 5*time.Minute),
		CycleLockStaleAfter: r.Duration("CYCLE_LOCK_STALE_AFTER", 3*time.Minute),
	}
}
