// Package signalstore is the durable, append-only record of emitted
// signals. A unique index on (plan_id, state, timestamp_ms) is the
// store's sole serialization point: concurrent inserts of the same
// signal are resolved by the database, not by application locking.
package signalstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
	_ "modernc.org/sqlite"

	"breakout-engine/internal/types"
)

// DuplicateKeyError is returned by Insert when the (plan_id, state,
// timestamp_ms) triple already has a row.
type DuplicateKeyError struct {
	Key types.SignalKey
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("signalstore: duplicate key %+v", e.Key)
}

// Store wraps a SQLite connection holding the signals table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs
// migrations. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		dsn = path
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("signalstore: open: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("signalstore: ping: %w", err)
	}
	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("signalstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			plan_id      TEXT NOT NULL,
			state        TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			payload      BLOB NOT NULL,
			created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE(plan_id, state, timestamp_ms)
		);
		CREATE INDEX IF NOT EXISTS idx_signals_plan_id ON signals(plan_id);
	`)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert durably records a signal. A unique-constraint violation is
// reported as *DuplicateKeyError; any other failure is returned as a
// wrapped error, which the emitter reports as a StoreError and treats as
// non-authoritative (no in-memory short-circuit).
func (s *Store) Insert(sig types.Signal) error {
	payload, err := json.Marshal(signalJSON(sig))
	if err != nil {
		return fmt.Errorf("signalstore: marshal signal: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO signals (plan_id, state, timestamp_ms, payload) VALUES (?, ?, ?, ?)`,
		sig.PlanID, string(sig.State), sig.TimestampMs, payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateKeyError{Key: sig.Key()}
		}
		return fmt.Errorf("signalstore: insert: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// ListByPlan returns every signal recorded for a plan, in insertion
// order.
func (s *Store) ListByPlan(planID string) ([]types.Signal, error) {
	rows, err := s.db.Query(
		`SELECT timestamp_ms, payload FROM signals WHERE plan_id = ? ORDER BY rowid ASC`, planID,
	)
	if err != nil {
		return nil, fmt.Errorf("signalstore: list_by_plan: %w", err)
	}
	defer rows.Close()

	var out []types.Signal
	for rows.Next() {
		var timestampMs int64
		var payload []byte
		if err := rows.Scan(&timestampMs, &payload); err != nil {
			return nil, fmt.Errorf("signalstore: scan: %w", err)
		}
		sig, err := decodeSignal(timestampMs, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// AllKeys returns every (plan_id, state, timestamp_ms) key currently
// stored, used to reseed the emitter's in-memory dedup set on startup.
func (s *Store) AllKeys() ([]types.SignalKey, error) {
	rows, err := s.db.Query(`SELECT plan_id, state, timestamp_ms FROM signals`)
	if err != nil {
		return nil, fmt.Errorf("signalstore: all_keys: %w", err)
	}
	defer rows.Close()

	var keys []types.SignalKey
	for rows.Next() {
		var k types.SignalKey
		var state string
		if err := rows.Scan(&k.PlanID, &state, &k.TimestampMs); err != nil {
			return nil, fmt.Errorf("signalstore: scan key: %w", err)
		}
		k.State = types.SignalState(state)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountDuplicates returns the number of (plan_id, state, timestamp_ms)
// groups with more than one row. Always zero under correct operation;
// exists for test assertions of the uniqueness invariant.
func (s *Store) CountDuplicates() (int, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT plan_id, state, timestamp_ms FROM signals
			GROUP BY plan_id, state, timestamp_ms HAVING COUNT(*) > 1
		)
	`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("signalstore: count_duplicates: %w", err)
	}
	return n, nil
}

type wireSignal struct {
	PlanID    string  `json:"plan_id"`
	State     string  `json:"state"`
	Runtime   wireRT  `json:"runtime"`
	LastPrice float64 `json:"last_price"`
	Metrics   wireM   `json:"metrics"`
	Strength  int     `json:"strength_score"`
	Protocol  string  `json:"protocol_version"`
}

// wireRT renders armed_at/triggered_at as ISO-8601 UTC strings (or
// null), matching the external Signal JSON contract; the rest of the
// store works in epoch milliseconds internally.
type wireRT struct {
	ArmedAt       *string `json:"armed_at"`
	TriggeredAt   *string `json:"triggered_at"`
	InvalidReason string  `json:"invalid_reason"`
}

type wireM struct {
	RVOL    *float64 `json:"rvol"`
	NATRPct *float64 `json:"natr_pct"`
	ATR     *float64 `json:"atr"`
	Pinbar  bool     `json:"pinbar"`
}

func signalJSON(sig types.Signal) wireSignal {
	return wireSignal{
		PlanID: sig.PlanID,
		State:  string(sig.State),
		Runtime: wireRT{
			ArmedAt:       msToISO8601(sig.Runtime.ArmedAt),
			TriggeredAt:   msToISO8601(sig.Runtime.TriggeredAt),
			InvalidReason: sig.Runtime.InvalidReason,
		},
		LastPrice: sig.LastPrice,
		Metrics: wireM{
			RVOL:    sig.Metrics.RVOL,
			NATRPct: sig.Metrics.NATRPct,
			ATR:     sig.Metrics.ATR,
			Pinbar:  sig.Metrics.Pinbar,
		},
		Strength: sig.StrengthScore,
		Protocol: sig.ProtocolVer,
	}
}

func decodeSignal(timestampMs int64, payload []byte) (types.Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(payload, &w); err != nil {
		return types.Signal{}, fmt.Errorf("signalstore: decode: %w", err)
	}
	armedAt, err := iso8601ToMs(w.Runtime.ArmedAt)
	if err != nil {
		return types.Signal{}, fmt.Errorf("signalstore: decode armed_at: %w", err)
	}
	triggeredAt, err := iso8601ToMs(w.Runtime.TriggeredAt)
	if err != nil {
		return types.Signal{}, fmt.Errorf("signalstore: decode triggered_at: %w", err)
	}
	return types.Signal{
		PlanID:      w.PlanID,
		State:       types.SignalState(w.State),
		TimestampMs: timestampMs,
		LastPrice:   w.LastPrice,
		Metrics: types.SignalMetrics{
			RVOL:    w.Metrics.RVOL,
			NATRPct: w.Metrics.NATRPct,
			ATR:     w.Metrics.ATR,
			Pinbar:  w.Metrics.Pinbar,
		},
		StrengthScore: w.Strength,
		Runtime: types.SignalRuntime{
			ArmedAt:       armedAt,
			TriggeredAt:   triggeredAt,
			InvalidReason: w.Runtime.InvalidReason,
		},
		ProtocolVer: w.Protocol,
	}, nil
}

// msToISO8601 renders an epoch-millisecond timestamp as an ISO-8601 UTC
// string, or nil when ms itself is nil.
func msToISO8601(ms *int64) *string {
	if ms == nil {
		return nil
	}
	s := time.UnixMilli(*ms).UTC().Format(time.RFC3339)
	return &s
}

// iso8601ToMs parses an ISO-8601 UTC string back into epoch
// milliseconds, or returns nil when s itself is nil.
func iso8601ToMs(s *string) (*int64, error) {
	if s == nil {
		return nil, nil
	}
	t, err := iso8601.ParseString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", *s, err)
	}
	ms := t.UnixMilli()
	return &ms, nil
}
