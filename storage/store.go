// Package storage is the durable store: gorm-backed relational records for
// trades, proposals, orders, portfolio positions, snapshots, settings, and
// risk state.
package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/optrader/spreadctl/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS
// ═══════════════════════════════════════════════════════════════════════════════

// Trade is a managed spread position.
type Trade struct {
	ID         string `gorm:"primaryKey"`
	ProposalID string `gorm:"index"`
	Symbol     string `gorm:"index"`
	Expiration string // YYYY-MM-DD

	Strategy     types.Strategy
	ShortStrike  decimal.Decimal `gorm:"type:decimal(12,4)"`
	LongStrike   decimal.Decimal `gorm:"type:decimal(12,4)"`
	Width        int
	Quantity     int

	EntryPrice decimal.Decimal `gorm:"type:decimal(12,4)"`
	ExitPrice  *decimal.Decimal `gorm:"type:decimal(12,4)"`
	MaxProfit  decimal.Decimal `gorm:"type:decimal(12,4)"`
	MaxLoss    decimal.Decimal `gorm:"type:decimal(12,4)"`
	RealizedPnL *decimal.Decimal `gorm:"type:decimal(14,4)"`

	MaxSeenProfitFraction decimal.Decimal `gorm:"type:decimal(8,4)"`
	IVEntry               *decimal.Decimal `gorm:"type:decimal(8,4)"`

	Status     types.TradeStatus `gorm:"index"`
	ExitReason string

	BrokerOrderIDOpen  string
	BrokerOrderIDClose string

	OpenedAt  *time.Time
	ClosedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// width derives the absolute strike spread from the strikes. The Width field
// is a stored column rather than this derived value, so historical rows
// remain self-describing even if strikes are later corrected by an admin
// action.
func (t *Trade) width() int {
	return int(t.LongStrike.Sub(t.ShortStrike).Abs().IntPart())
}

// Proposal is a scored candidate snapshot.
type Proposal struct {
	ID          string `gorm:"primaryKey"`
	Symbol      string `gorm:"index"`
	Expiration  string
	ShortStrike decimal.Decimal `gorm:"type:decimal(12,4)"`
	LongStrike  decimal.Decimal `gorm:"type:decimal(12,4)"`
	Width       int
	Quantity    int
	Strategy    types.Strategy

	CreditTarget decimal.Decimal `gorm:"type:decimal(12,4)"`
	Score        float64

	ScoreIVR           float64
	ScoreVerticalSkew  float64
	ScoreTermStructure float64
	ScoreDeltaFitness  float64
	ScoreEV            float64

	Status types.ProposalStatus `gorm:"index"`
	Kind   types.ProposalKind

	LinkedTradeID *string
	CreatedAt     time.Time
}

// Order is a broker order tracked locally.
type Order struct {
	ID            string `gorm:"primaryKey"`
	ProposalID    string `gorm:"index"`
	TradeID       *string `gorm:"index"`
	Side          types.OrderSide
	ClientOrderID string `gorm:"uniqueIndex"`
	BrokerOrderID *string `gorm:"index"`
	Status        types.OrderStatus `gorm:"index"`

	AvgFillPrice      *decimal.Decimal `gorm:"type:decimal(12,4)"`
	FilledQuantity    *int
	RemainingQuantity *int

	SnapshotID *string `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PortfolioPosition is a broker-held leg. Keyed logically by
// (symbol, expiration, option type, strike, side); the surrogate key below
// just makes that tuple addressable as a gorm primary key.
type PortfolioPosition struct {
	Key string `gorm:"primaryKey"` // symbol|expiration|optionType|strike|side

	Symbol     string `gorm:"index"`
	Expiration string
	OptionType types.OptionType
	Strike     decimal.Decimal `gorm:"type:decimal(12,4)"`
	Side       types.PositionSide

	Quantity          int
	CostBasisPerContract *decimal.Decimal `gorm:"type:decimal(12,4)"`
	Bid               *decimal.Decimal `gorm:"type:decimal(12,4)"`
	Ask               *decimal.Decimal `gorm:"type:decimal(12,4)"`
	Last              *decimal.Decimal `gorm:"type:decimal(12,4)"`

	SnapshotID string `gorm:"index"`
	UpdatedAt  time.Time
}

// PositionKey builds the logical key used by PortfolioPosition.
func PositionKey(symbol, expiration string, optType types.OptionType, strike decimal.Decimal, side types.PositionSide) string {
	return symbol + "|" + expiration + "|" + string(optType) + "|" + strike.StringFixed(4) + "|" + string(side)
}

// Snapshot tags a coherent point-in-time bundle of positions/orders/balances.
type Snapshot struct {
	ID              string `gorm:"primaryKey"`
	AccountID       string
	AsOf            time.Time
	PositionCount   int
	OrderCount      int
	Cash            decimal.Decimal `gorm:"type:decimal(14,2)"`
	BuyingPower     decimal.Decimal `gorm:"type:decimal(14,2)"`
	Equity          decimal.Decimal `gorm:"type:decimal(14,2)"`
	MarginRequirement decimal.Decimal `gorm:"type:decimal(14,2)"`
	CreatedAt       time.Time
}

// RiskState is the key/value audit cell for system mode.
type RiskState struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// Setting is a typed key/value row for a resolved configuration key.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE
// ═══════════════════════════════════════════════════════════════════════════════

// Store wraps the gorm connection. All methods are safe for concurrent use
// (gorm's *DB is, per its own docs, safe to share across goroutines).
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres (dsn starting postgres:// or postgresql://) or
// falls back to a SQLite file.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("store connected (postgres)")
	default:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("store initialized (sqlite)")
	}

	if err := db.AutoMigrate(
		&Trade{}, &Proposal{}, &Order{}, &PortfolioPosition{},
		&Snapshot{}, &RiskState{}, &Setting{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = gorm.ErrRecordNotFound

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ───────────────────────────── Trades ─────────────────────────────

func (s *Store) SaveTrade(t *Trade) error {
	t.UpdatedAt = time.Now()
	return s.db.Save(t).Error
}

func (s *Store) GetTrade(id string) (*Trade, error) {
	var t Trade
	if err := s.db.First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetOpenTrades() ([]Trade, error) {
	var trades []Trade
	err := s.db.Where("status IN ?", []types.TradeStatus{types.TradeOpen, types.TradeClosingPending}).Find(&trades).Error
	return trades, err
}

func (s *Store) CountOpenTrades() (int, error) {
	var n int64
	err := s.db.Model(&Trade{}).Where("status = ?", types.TradeOpen).Count(&n).Error
	return int(n), err
}

// GetTradeByProposalID finds the trade created from a given proposal, if any
// — used by the reconciler to decide whether an ENTRY fill should create a
// new Trade or update an existing one.
func (s *Store) GetTradeByProposalID(proposalID string) (*Trade, error) {
	var t Trade
	if err := s.db.First(&t, "proposal_id = ?", proposalID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTradeByBrokerOrderID(brokerOrderID string) (*Trade, error) {
	var t Trade
	err := s.db.Where("broker_order_id_open = ? OR broker_order_id_close = ?", brokerOrderID, brokerOrderID).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ───────────────────────────── Proposals ─────────────────────────────

func (s *Store) SaveProposal(p *Proposal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return s.db.Save(p).Error
}

func (s *Store) GetProposal(id string) (*Proposal, error) {
	var p Proposal
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetReadyProposalsForSymbol(symbol string) ([]Proposal, error) {
	var ps []Proposal
	err := s.db.Where("symbol = ? AND status = ?", symbol, types.ProposalReady).Find(&ps).Error
	return ps, err
}

// ───────────────────────────── Orders ─────────────────────────────

func (s *Store) CreateOrder(o *Order) error {
	o.CreatedAt = time.Now()
	o.UpdatedAt = time.Now()
	return s.db.Create(o).Error
}

func (s *Store) SaveOrder(o *Order) error {
	o.UpdatedAt = time.Now()
	return s.db.Save(o).Error
}

func (s *Store) GetOrderByClientID(clientOrderID string) (*Order, error) {
	var o Order
	if err := s.db.First(&o, "client_order_id = ?", clientOrderID).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetOrderByBrokerID(brokerOrderID string) (*Order, error) {
	var o Order
	if err := s.db.First(&o, "broker_order_id = ?", brokerOrderID).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOpenOrdersForTrade returns orders for a trade that have not reached a
// terminal status — used by the monitor's structural-integrity check.
func (s *Store) GetOpenOrdersForTrade(tradeID string) ([]Order, error) {
	var os []Order
	err := s.db.Where("trade_id = ? AND status NOT IN ?", tradeID,
		[]types.OrderStatus{types.OrderFilled, types.OrderCancelled, types.OrderRejected}).Find(&os).Error
	return os, err
}

// GetOrdersForTrade returns every order (any status) recorded against a
// trade — used by the monitor's structural check to see a terminal
// non-FILLED entry order that GetOpenOrdersForTrade would have filtered out.
func (s *Store) GetOrdersForTrade(tradeID string) ([]Order, error) {
	var os []Order
	err := s.db.Where("trade_id = ?", tradeID).Find(&os).Error
	return os, err
}

// StampOrdersWithSnapshot best-effort bulk-updates older matching orders with
// the latest snapshotId.
func (s *Store) StampOrdersWithSnapshot(clientOrderIDs []string, snapshotID string) error {
	if len(clientOrderIDs) == 0 {
		return nil
	}
	return s.db.Model(&Order{}).
		Where("client_order_id IN ?", clientOrderIDs).
		Update("snapshot_id", snapshotID).Error
}

// ───────────────────────────── Portfolio positions ─────────────────────────────

func (s *Store) UpsertPosition(p *PortfolioPosition) error {
	p.UpdatedAt = time.Now()
	return s.db.Save(p).Error
}

func (s *Store) GetPositionsBySnapshot(snapshotID string) ([]PortfolioPosition, error) {
	var ps []PortfolioPosition
	err := s.db.Where("snapshot_id = ?", snapshotID).Find(&ps).Error
	return ps, err
}

// DeletePositionsNotIn removes rows absent from the newly fetched key set —
// these are positions the broker has closed since the last sync. Deletion
// here is a hard delete: positions aren't audit-preserved the way Snapshot
// rows are.
func (s *Store) DeletePositionsNotIn(keys []string) (int64, error) {
	if len(keys) == 0 {
		res := s.db.Where("1 = 1").Delete(&PortfolioPosition{})
		return res.RowsAffected, res.Error
	}
	res := s.db.Where("key NOT IN ?", keys).Delete(&PortfolioPosition{})
	return res.RowsAffected, res.Error
}

func (s *Store) GetPositionsForSymbol(symbol, expiration string) ([]PortfolioPosition, error) {
	var ps []PortfolioPosition
	err := s.db.Where("symbol = ? AND expiration = ?", symbol, expiration).Find(&ps).Error
	return ps, err
}

// ───────────────────────────── Snapshots ─────────────────────────────

func (s *Store) SaveSnapshot(snap *Snapshot) error {
	snap.CreatedAt = time.Now()
	return s.db.Create(snap).Error
}

func (s *Store) LatestSnapshot() (*Snapshot, error) {
	var snap Snapshot
	err := s.db.Order("created_at DESC").First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ───────────────────────────── Risk state ─────────────────────────────

func (s *Store) GetRiskValue(key string) (string, bool) {
	var row RiskState
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		return "", false
	}
	return row.Value, true
}

func (s *Store) SetRiskValue(key, value string) error {
	row := RiskState{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.Save(&row).Error
}

// ───────────────────────────── Settings ─────────────────────────────

func (s *Store) GetSetting(key string) (string, bool) {
	var row Setting
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		return "", false
	}
	return row.Value, true
}

func (s *Store) SetSetting(key, value string) error {
	row := Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.Save(&row).Error
}

// TryAcquireCycleLock is an advisory lock: a Setting row that is only
// written when absent or stale, preventing two scheduler processes from
// overlapping a tick.
func (s *Store) TryAcquireCycleLock(holder string, staleAfter time.Duration) bool {
	var row Setting
	err := s.db.First(&row, "key = ?", "CYCLE_LOCK_HOLDER").Error
	if err == nil && time.Since(row.UpdatedAt) < staleAfter && row.Value != holder {
		return false
	}
	if !isNotFound(err) && err != nil {
		return false
	}
	return s.SetSetting("CYCLE_LOCK_HOLDER", holder) == nil
}
