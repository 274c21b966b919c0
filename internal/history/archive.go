// Package history archives completed cycles and individual fills in SQLite
// so profit reporting survives state-file resets. Monetary values are stored
// as TEXT to keep decimal exactness.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/quantfu/ibot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
    id         TEXT PRIMARY KEY,
    symbol     TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    ended_at   DATETIME NOT NULL,
    invested   TEXT NOT NULL,
    realized   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id  TEXT NOT NULL,
    symbol    TEXT NOT NULL,
    side      TEXT NOT NULL,
    tag       TEXT NOT NULL,
    qty       TEXT NOT NULL,
    price     TEXT NOT NULL,
    filled_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cycles_symbol ON cycles(symbol, ended_at DESC);
CREATE INDEX IF NOT EXISTS idx_fills_cycle   ON fills(cycle_id);
`

// CycleRecord is one archived cycle.
type CycleRecord struct {
	ID        string
	Symbol    string
	StartedAt time.Time
	EndedAt   time.Time
	Invested  decimal.Decimal
	Realized  decimal.Decimal
}

// FillRecord is one archived execution.
type FillRecord struct {
	CycleID  string
	Symbol   string
	Side     domain.OrderSide
	Tag      string
	Qty      decimal.Decimal
	Price    decimal.Decimal
	FilledAt time.Time
}

// Archive is the SQLite-backed trade history.
type Archive struct {
	db *sql.DB
}

// Open creates or opens the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open history db %s", path)
	}
	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply history schema")
	}
	return &Archive{db: db}, nil
}

// RecordFill appends one execution.
func (a *Archive) RecordFill(ctx context.Context, f FillRecord) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO fills (cycle_id, symbol, side, tag, qty, price, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.CycleID, f.Symbol, string(f.Side), f.Tag,
		f.Qty.String(), f.Price.String(), f.FilledAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "record fill")
}

// RecordCycle archives a completed cycle. Re-recording the same cycle id
// overwrites the previous row.
func (a *Archive) RecordCycle(ctx context.Context, c *domain.Cycle) error {
	if c.Status != domain.CycleCompleted {
		return errors.Errorf("cycle %s is %s, only completed cycles are archived", c.ID, c.Status)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO cycles (id, symbol, started_at, ended_at, invested, realized)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     ended_at = excluded.ended_at,
		     invested = excluded.invested,
		     realized = excluded.realized`,
		c.ID, c.Symbol,
		c.StartedAt.UTC().Format(time.RFC3339Nano),
		c.EndedAt.UTC().Format(time.RFC3339Nano),
		c.Invested.String(), c.Realized.String())
	return errors.Wrap(err, "record cycle")
}

// Cycles returns the most recent completed cycles for the symbol.
func (a *Archive) Cycles(ctx context.Context, symbol string, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, symbol, started_at, ended_at, invested, realized
		 FROM cycles WHERE symbol = ? ORDER BY ended_at DESC LIMIT ?`,
		symbol, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query cycles")
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var r CycleRecord
		var started, ended, invested, realized string
		if err := rows.Scan(&r.ID, &r.Symbol, &started, &ended, &invested, &realized); err != nil {
			return nil, errors.Wrap(err, "scan cycle row")
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, errors.Wrapf(err, "cycle %s started_at", r.ID)
		}
		if r.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
			return nil, errors.Wrapf(err, "cycle %s ended_at", r.ID)
		}
		if r.Invested, err = decimal.NewFromString(invested); err != nil {
			return nil, errors.Wrapf(err, "cycle %s invested", r.ID)
		}
		if r.Realized, err = decimal.NewFromString(realized); err != nil {
			return nil, errors.Wrapf(err, "cycle %s realized", r.ID)
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate cycles")
}

// Fills returns the executions of one cycle in fill order.
func (a *Archive) Fills(ctx context.Context, cycleID string) ([]FillRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT cycle_id, symbol, side, tag, qty, price, filled_at
		 FROM fills WHERE cycle_id = ? ORDER BY id`,
		cycleID)
	if err != nil {
		return nil, errors.Wrap(err, "query fills")
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var f FillRecord
		var side, qty, price, filledAt string
		if err := rows.Scan(&f.CycleID, &f.Symbol, &side, &f.Tag, &qty, &price, &filledAt); err != nil {
			return nil, errors.Wrap(err, "scan fill row")
		}
		f.Side = domain.OrderSide(side)
		if f.FilledAt, err = time.Parse(time.RFC3339Nano, filledAt); err != nil {
			return nil, errors.Wrap(err, "fill filled_at")
		}
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, errors.Wrap(err, "fill qty")
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, errors.Wrap(err, "fill price")
		}
		out = append(out, f)
	}
	return out, errors.Wrap(rows.Err(), "iterate fills")
}

// TotalRealized sums realized profit over all archived cycles of a symbol.
func (a *Archive) TotalRealized(ctx context.Context, symbol string) (decimal.Decimal, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT realized FROM cycles WHERE symbol = ?`, symbol)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "query realized")
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, errors.Wrap(err, "scan realized")
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "parse realized")
		}
		total = total.Add(v)
	}
	return total, errors.Wrap(rows.Err(), "iterate realized")
}

func (a *Archive) Close() error {
	return a.db.Close()
}
