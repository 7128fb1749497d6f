package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"proxysync/internal/reconcile"
)

func openTestJournal(t *testing.T, retain int) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"), retain)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleReport(target string, started time.Time) reconcile.CycleReport {
	return reconcile.CycleReport{
		Target:    target,
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
		Desired:   3,
		Observed:  2,
		Results: []reconcile.OperationResult{
			{Op: reconcile.OpAdd, Identity: "Z", Outcome: reconcile.OutcomeOK, Duration: 20 * time.Millisecond},
			{Op: reconcile.OpRemove, Identity: "A", Outcome: reconcile.OutcomeUnavailable, Err: errors.New("connection refused"), Duration: 5 * time.Millisecond},
		},
	}
}

func TestJournal_RecordAndRead(t *testing.T) {
	j := openTestJournal(t, 0)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := j.Record(ctx, sampleReport("inbound-vless", started)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	cycles, err := j.RecentCycles(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(cycles))
	}
	c := cycles[0]
	if c.Target != "inbound-vless" || !c.StartedAt.Equal(started) {
		t.Errorf("cycle = %+v", c)
	}
	if c.Duration != 1500*time.Millisecond {
		t.Errorf("Duration: got %s", c.Duration)
	}
	if c.Desired != 3 || c.Observed != 2 || c.Added != 1 || c.Removed != 1 || c.Updated != 0 || c.Failed != 1 {
		t.Errorf("counts = %+v", c)
	}
	if c.Skipped() {
		t.Error("cycle reported as skipped")
	}

	ops, err := j.CycleOperations(ctx, c.ID)
	if err != nil {
		t.Fatalf("CycleOperations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ops = %d, want 2", len(ops))
	}
	if ops[0].Op != "add" || ops[0].Identity != "Z" || ops[0].Outcome != "ok" || ops[0].Error != "" {
		t.Errorf("ops[0] = %+v", ops[0])
	}
	if ops[1].Op != "remove" || ops[1].Outcome != "unavailable" || ops[1].Error != "connection refused" {
		t.Errorf("ops[1] = %+v", ops[1])
	}
}

func TestJournal_RecordsFetchFailure(t *testing.T) {
	j := openTestJournal(t, 0)
	ctx := context.Background()

	report := reconcile.CycleReport{
		Target:    "in",
		StartedAt: time.Now(),
		FetchErr:  &reconcile.FetchError{Kind: reconcile.FetchAuth, StatusCode: 401, Err: errors.New("unauthorized")},
	}
	if err := j.Record(ctx, report); err != nil {
		t.Fatalf("Record: %v", err)
	}
	cycles, err := j.RecentCycles(ctx, "in", 1)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 1 || !cycles[0].Skipped() || cycles[0].FetchKind != string(reconcile.FetchAuth) {
		t.Fatalf("cycles = %+v", cycles)
	}
	ops, err := j.CycleOperations(ctx, cycles[0].ID)
	if err != nil {
		t.Fatalf("CycleOperations: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("ops = %d, want 0", len(ops))
	}
}

func TestJournal_PrunesToRetain(t *testing.T) {
	j := openTestJournal(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		if err := j.Record(ctx, sampleReport(fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Record #%d: %v", i, err)
		}
	}

	cycles, err := j.RecentCycles(ctx, "", 100)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 3 {
		t.Fatalf("cycles = %d, want 3", len(cycles))
	}
	if cycles[0].Target != "t4" || cycles[2].Target != "t2" {
		t.Errorf("kept targets = %s..%s, want t4..t2", cycles[0].Target, cycles[2].Target)
	}

	var orphaned int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE cycle_id NOT IN (SELECT id FROM cycles)`).Scan(&orphaned); err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphaned != 0 {
		t.Errorf("orphaned operations = %d", orphaned)
	}
}

func TestJournal_FilterByTarget(t *testing.T) {
	j := openTestJournal(t, 0)
	ctx := context.Background()
	now := time.Now()
	for _, target := range []string{"a", "b", "a"} {
		if err := j.Record(ctx, sampleReport(target, now)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	cycles, err := j.RecentCycles(ctx, "a", 10)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("cycles for a = %d, want 2", len(cycles))
	}
	if cycles[0].ID <= cycles[1].ID {
		t.Error("cycles not newest first")
	}
}

func TestJournal_UnknownCycle(t *testing.T) {
	j := openTestJournal(t, 0)
	_, err := j.CycleOperations(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestJournal_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Record(context.Background(), sampleReport("in", time.Now())); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	cycles, err := j.RecentCycles(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("cycles after reopen = %d, want 1", len(cycles))
	}
}

func TestOpenReadOnly_MissingFileIsNotCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	if _, err := OpenReadOnly(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("OpenReadOnly(missing) error = %v, want ErrNotExist", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("OpenReadOnly created %s", path)
	}
}

func TestOpenReadOnly_RejectsForeignDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.db")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenReadOnly(path); err == nil {
		t.Fatal("OpenReadOnly accepted a file without the journal schema")
	}
}

func TestOpenReadOnly_ReadsButRefusesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	w, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Record(context.Background(), sampleReport("in", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer r.Close()

	cycles, err := r.RecentCycles(context.Background(), "", 10)
	if err != nil || len(cycles) != 1 {
		t.Fatalf("RecentCycles = %d, %v; want 1 cycle", len(cycles), err)
	}
	if err := r.Record(context.Background(), sampleReport("in", time.Now())); err == nil {
		t.Fatal("Record on a read-only journal succeeded")
	}
}
