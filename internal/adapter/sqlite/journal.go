package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proxysync/internal/reconcile"
)

var _ reconcile.ReportSink = (*Journal)(nil)

// CycleRecord is one journaled cycle.
type CycleRecord struct {
	ID         int64
	Target     string
	StartedAt  time.Time
	Duration   time.Duration
	Desired    int
	Observed   int
	Added      int
	Removed    int
	Updated    int
	Failed     int
	FetchKind  string
	FetchError string
}

// Skipped reports whether the cycle never got past the fetch.
func (c CycleRecord) Skipped() bool { return c.FetchError != "" }

// OperationRecord is one journaled mutation.
type OperationRecord struct {
	CycleID  int64
	Seq      int
	Op       string
	Identity string
	Outcome  string
	Error    string
	Duration time.Duration
}

// Record writes report and its operations in one transaction, then prunes
// the journal to the newest retain cycles.
func (j *Journal) Record(ctx context.Context, report reconcile.CycleReport) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var fetchKind, fetchErr string
	if report.FetchErr != nil {
		fetchErr = report.FetchErr.Error()
		if fe := reconcile.AsFetchError(report.FetchErr); fe != nil {
			fetchKind = string(fe.Kind)
		}
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO cycles (target, started_at, duration_ms, desired, observed, added, removed, updated, failed, fetch_kind, fetch_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.Target,
		report.StartedAt.UTC().Format(time.RFC3339Nano),
		report.Duration.Milliseconds(),
		report.Desired,
		report.Observed,
		report.Count(reconcile.OpAdd),
		report.Count(reconcile.OpRemove),
		report.Count(reconcile.OpUpdate),
		report.Failed(),
		fetchKind,
		fetchErr,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	cycleID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read cycle id: %w", err)
	}

	if len(report.Results) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO operations (cycle_id, seq, op, identity, outcome, error, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare operation insert: %w", err)
		}
		defer stmt.Close()

		for i, op := range report.Results {
			var errText string
			if op.Err != nil {
				errText = op.Err.Error()
			}
			if _, err := stmt.ExecContext(ctx,
				cycleID, i, string(op.Op), op.Identity, op.Outcome.String(), errText, op.Duration.Milliseconds(),
			); err != nil {
				return fmt.Errorf("insert operation %s %s: %w", op.Op, op.Identity, err)
			}
		}
	}

	if err := prune(ctx, tx, j.retain); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

func prune(ctx context.Context, tx *sql.Tx, retain int) error {
	var cutoff int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM cycles ORDER BY id DESC LIMIT 1 OFFSET ?`, retain-1,
	).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find journal cutoff: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE cycle_id < ?`, cutoff); err != nil {
		return fmt.Errorf("prune operations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE id < ?`, cutoff); err != nil {
		return fmt.Errorf("prune cycles: %w", err)
	}
	return nil
}

const cycleColumns = `id, target, started_at, duration_ms, desired, observed, added, removed, updated, failed, fetch_kind, fetch_error`

// RecentCycles returns up to n cycles, newest first. An empty target means
// every target.
func (j *Journal) RecentCycles(ctx context.Context, target string, n int) ([]CycleRecord, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT ` + cycleColumns + ` FROM cycles ORDER BY id DESC LIMIT ?`
	args := []any{n}
	if target != "" {
		query = `SELECT ` + cycleColumns + ` FROM cycles WHERE target = ? ORDER BY id DESC LIMIT ?`
		args = []any{target, n}
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	out := make([]CycleRecord, 0, n)
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle rows: %w", err)
	}
	return out, nil
}

// Cycle returns a single cycle by id.
func (j *Journal) Cycle(ctx context.Context, id int64) (CycleRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CycleRecord{}, fmt.Errorf("cycle %d: %w", id, ErrNotFound)
	}
	return c, err
}

// CycleOperations returns the mutations of cycle id in execution order.
func (j *Journal) CycleOperations(ctx context.Context, id int64) ([]OperationRecord, error) {
	if _, err := j.Cycle(ctx, id); err != nil {
		return nil, err
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT cycle_id, seq, op, identity, outcome, error, duration_ms
FROM operations WHERE cycle_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list operations for cycle %d: %w", id, err)
	}
	defer rows.Close()

	out := make([]OperationRecord, 0)
	for rows.Next() {
		var op OperationRecord
		var durationMS int64
		if err := rows.Scan(&op.CycleID, &op.Seq, &op.Op, &op.Identity, &op.Outcome, &op.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		op.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(s scanner) (CycleRecord, error) {
	var c CycleRecord
	var startedAt string
	var durationMS int64
	err := s.Scan(&c.ID, &c.Target, &startedAt, &durationMS, &c.Desired, &c.Observed,
		&c.Added, &c.Removed, &c.Updated, &c.Failed, &c.FetchKind, &c.FetchError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CycleRecord{}, err
		}
		return CycleRecord{}, fmt.Errorf("scan cycle row: %w", err)
	}
	c.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return CycleRecord{}, fmt.Errorf("parse cycle %d started_at: %w", c.ID, err)
	}
	c.Duration = time.Duration(durationMS) * time.Millisecond
	return c, nil
}
