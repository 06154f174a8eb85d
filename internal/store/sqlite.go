package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"barsim/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements RunStore backed by a SQLite database. Metrics,
// fills and the config echo are stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id       TEXT PRIMARY KEY,
		job          TEXT NOT NULL,
		strategy     TEXT NOT NULL,
		symbols      TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		final_equity REAL NOT NULL,
		halted       INTEGER NOT NULL,
		error        TEXT NOT NULL,
		config       TEXT NOT NULL,
		metrics      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		run_id       TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		symbol       TEXT NOT NULL,
		direction    TEXT NOT NULL,
		entry_time   INTEGER NOT NULL,
		exit_time    INTEGER NOT NULL,
		realized_pnl REAL NOT NULL,
		exit_reason  TEXT NOT NULL,
		payload      TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS equity (
		run_id         TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		ts             INTEGER NOT NULL,
		cash           REAL NOT NULL,
		equity         REAL NOT NULL,
		open_positions INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at)`,
}

// Migrate creates the tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun writes the run, its trades and its equity curve in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("save run: empty run id")
	}
	metricsJSON, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("save run %s: encoding metrics: %w", run.RunID, err)
	}
	cfg := run.Config
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"trades", "equity", "runs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", run.RunID); err != nil {
			return fmt.Errorf("save run %s: clearing %s: %w", run.RunID, table, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, job, strategy, symbols, created_at, final_equity, halted, error, config, metrics)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Job, run.Strategy, strings.Join(run.Symbols, ","),
		run.CreatedAt.UTC().UnixNano(), run.FinalEquity, boolInt(run.Halted), run.Error,
		string(cfg), string(metricsJSON))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}

	tradeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trades (run_id, seq, symbol, direction, entry_time, exit_time, realized_pnl, exit_reason, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer tradeStmt.Close()
	for i, t := range run.Trades {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("save run %s: encoding trade %d: %w", run.RunID, i, err)
		}
		if _, err := tradeStmt.ExecContext(ctx, run.RunID, i, t.Symbol, string(t.Direction),
			t.EntryTime.UTC().UnixNano(), t.ExitTime.UTC().UnixNano(), t.RealizedPnL,
			string(t.ExitReason), string(payload)); err != nil {
			return fmt.Errorf("save run %s: trade %d: %w", run.RunID, i, err)
		}
	}

	eqStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO equity (run_id, seq, ts, cash, equity, open_positions) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer eqStmt.Close()
	for i, p := range run.Equity {
		if _, err := eqStmt.ExecContext(ctx, run.RunID, i, p.Timestamp.UTC().UnixNano(),
			p.Cash, p.Equity, p.OpenPositions); err != nil {
			return fmt.Errorf("save run %s: equity point %d: %w", run.RunID, i, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns up to limit run summaries, newest first. A non-positive
// limit returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job, strategy, symbols, created_at, final_equity, halted, error, metrics
		 FROM runs ORDER BY created_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r         RunSummary
			symbols   string
			createdAt int64
			halted    int
			metrics   string
		)
		if err := rows.Scan(&r.RunID, &r.Job, &r.Strategy, &symbols, &createdAt,
			&r.FinalEquity, &halted, &r.Error, &metrics); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		if symbols != "" {
			r.Symbols = strings.Split(symbols, ",")
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.Halted = halted != 0
		if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
			return nil, fmt.Errorf("list runs: decoding metrics of %s: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadTrades returns the closed trades of a run in their original order.
func (s *SQLiteStore) LoadTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load trades %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("load trades %s: %w", runID, err)
		}
		var t domain.Trade
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("load trades %s: %w", runID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadEquity returns the equity curve of a run.
func (s *SQLiteStore) LoadEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, cash, equity, open_positions FROM equity WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load equity %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.EquityPoint
	for rows.Next() {
		var (
			p  domain.EquityPoint
			ts int64
		)
		if err := rows.Scan(&ts, &p.Cash, &p.Equity, &p.OpenPositions); err != nil {
			return nil, fmt.Errorf("load equity %s: %w", runID, err)
		}
		p.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
