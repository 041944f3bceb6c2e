package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"riskguard/internal/enforce"
	"riskguard/internal/risk"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS violations (
	correlation_id   TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	action           TEXT NOT NULL,
	severity         INTEGER NOT NULL,
	reason           TEXT NOT NULL,
	dry_run          INTEGER NOT NULL,
	orders_cancelled INTEGER NOT NULL,
	positions_closed INTEGER NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_violations_account
	ON violations (account_id, created_at DESC);
`

// Violation is one row of the queryable history.
type Violation struct {
	CorrelationID   string
	AccountID       string
	Action          risk.ActionKind
	Severity        risk.Severity
	Reason          string
	DryRun          bool
	OrdersCancelled int
	PositionsClosed int
	CreatedAt       time.Time
}

// History stores enforcement outcomes in SQLite so past violations
// survive restarts and can be queried per account.
type History struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the database and ensures the schema.
// SQLite supports a single writer, so the pool is pinned to one
// connection.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}

// Append records one enforcement outcome. Replays of the same correlation
// ID overwrite the earlier row, mirroring the file recorder.
func (h *History) Append(ctx context.Context, plan risk.ActionPlan, outcome enforce.Result, at time.Time) error {
	const q = `
INSERT OR REPLACE INTO violations
	(correlation_id, account_id, action, severity, reason, dry_run,
	 orders_cancelled, positions_closed, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := h.db.ExecContext(ctx, q,
		plan.CorrelationID, plan.AccountID, string(plan.Action.Kind), int(plan.Severity),
		plan.Reason, boolToInt(outcome.DryRun),
		outcome.OrdersCancelled, outcome.PositionsClosed, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// Recent returns the newest violations for an account, most recent first.
func (h *History) Recent(ctx context.Context, accountID string, limit int) ([]Violation, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT correlation_id, account_id, action, severity, reason, dry_run,
       orders_cancelled, positions_closed, created_at
FROM violations
WHERE account_id = ?
ORDER BY created_at DESC
LIMIT ?`
	rows, err := h.db.QueryContext(ctx, q, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var action string
		var severity, dryRun int
		var createdAt int64
		err := rows.Scan(&v.CorrelationID, &v.AccountID, &action, &severity, &v.Reason,
			&dryRun, &v.OrdersCancelled, &v.PositionsClosed, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Action = risk.ActionKind(action)
		v.Severity = risk.Severity(severity)
		v.DryRun = dryRun != 0
		v.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
