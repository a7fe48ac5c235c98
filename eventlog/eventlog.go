// Package eventlog is the append-only audit trail: BrokerEvent and SystemLog
// rows. It keeps its own migrate()+INSERT path on plain database/sql +
// lib/pq rather than routing high-volume inserts through gorm's
// change-tracking machinery.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Log is a thin wrapper over *sql.DB for the two append-only tables.
type Log struct {
	db *sql.DB
}

// Open connects to Postgres and migrates the event_log tables. dsn must be a
// postgres:// DSN — BrokerEvent/SystemLog volume is assumed high enough that
// the sqlite fallback used by storage.Open is not offered here.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("eventlog: ping: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	log.Info().Msg("eventlog connected")
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS broker_events (
			id SERIAL PRIMARY KEY,
			trade_id TEXT,
			order_id TEXT,
			event_type TEXT NOT NULL,
			symbol TEXT,
			expiration TEXT,
			mode TEXT,
			strategy TEXT,
			status_code INTEGER,
			ok BOOLEAN,
			duration_ms BIGINT,
			error_message TEXT,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_broker_events_trade_id ON broker_events(trade_id);
		CREATE INDEX IF NOT EXISTS idx_broker_events_order_id ON broker_events(order_id);

		CREATE TABLE IF NOT EXISTS system_logs (
			id SERIAL PRIMARY KEY,
			level TEXT NOT NULL,
			component TEXT NOT NULL,
			message TEXT NOT NULL,
			context JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_system_logs_component ON system_logs(component);
	`)
	return err
}

// BrokerEvent is a single raw broker interaction (fill, rejection, status
// push) recorded for later forensic review. Operation/Symbol/Expiration/
// OrderID/StatusCode/Ok/DurationMs/Mode/ErrorMessage/Strategy/CreatedAt are
// first-class columns so a forensic query never has to reach into the JSONB
// payload for the fields that actually distinguish one event from another;
// Payload still carries the raw request for full replay.
type BrokerEvent struct {
	TradeID      string
	OrderID      string
	EventType    string // operation: ENTRY_PLACE, EXIT_PLACE_MULTILEG, EXIT_PLACE_SINGLE_LEG, ...
	Symbol       string
	Expiration   string
	Mode         string
	Strategy     string
	StatusCode   int
	Ok           bool
	DurationMs   int64
	ErrorMessage string
	Payload      any
	CreatedAt    time.Time
}

// RecordBrokerEvent appends a row; payload is marshalled to JSONB.
func (l *Log) RecordBrokerEvent(ctx context.Context, e BrokerEvent) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("eventlog: marshal broker event payload: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO broker_events
			(trade_id, order_id, event_type, symbol, expiration, mode, strategy,
			 status_code, ok, duration_ms, error_message, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		nullableString(e.TradeID), nullableString(e.OrderID), e.EventType,
		nullableString(e.Symbol), nullableString(e.Expiration), nullableString(e.Mode),
		nullableString(e.Strategy), e.StatusCode, e.Ok, e.DurationMs,
		nullableString(e.ErrorMessage), raw,
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert broker event: %w", err)
	}
	return nil
}

// SystemLogEntry is a structured operational log line persisted for
// retrospectives, distinct from the zerolog stream, which is ephemeral.
type SystemLogEntry struct {
	Level     string
	Component string
	Message   string
	Context   any
}

// RecordSystemLog appends a row.
func (l *Log) RecordSystemLog(ctx context.Context, e SystemLogEntry) error {
	raw, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("eventlog: marshal system log context: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO system_logs (level, component, message, context) VALUES ($1, $2, $3, $4)`,
		e.Level, e.Component, e.Message, raw,
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert system log: %w", err)
	}
	return nil
}

// BrokerEventsForTrade returns the recorded events for a trade, oldest first,
// for reconstructing what happened to an order whose local status diverged
// from the broker's. Nothing in this module calls it yet; it is a read helper
// for forensic tooling.
func (l *Log) BrokerEventsForTrade(ctx context.Context, tradeID string) ([]BrokerEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT trade_id, order_id, event_type, symbol, expiration, mode, strategy,
		        status_code, ok, duration_ms, error_message, payload, created_at
		 FROM broker_events WHERE trade_id = $1 ORDER BY created_at ASC`,
		tradeID,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query broker events: %w", err)
	}
	defer rows.Close()

	var events []BrokerEvent
	for rows.Next() {
		var e BrokerEvent
		var tradeID, orderID, symbol, expiration, mode, strategy, errMsg sql.NullString
		var statusCode, durationMs sql.NullInt64
		var ok sql.NullBool
		var raw []byte
		if err := rows.Scan(&tradeID, &orderID, &e.EventType, &symbol, &expiration, &mode,
			&strategy, &statusCode, &ok, &durationMs, &errMsg, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan broker event: %w", err)
		}
		e.TradeID = tradeID.String
		e.OrderID = orderID.String
		e.Symbol = symbol.String
		e.Expiration = expiration.String
		e.Mode = mode.String
		e.Strategy = strategy.String
		e.StatusCode = int(statusCode.Int64)
		e.Ok = ok.Bool
		e.DurationMs = durationMs.Int64
		e.ErrorMessage = errMsg.String
		var payload any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, fmt.Errorf("eventlog: unmarshal broker event payload: %w", err)
			}
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	return l.db.Close()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// pingTimeout bounds the initial connectivity check so a dead Postgres host
// fails bootstrap quickly instead of hanging on the default driver timeout.
const pingTimeout = 5 * time.Second
