package fake

import (
	"context"
	"sync"

	"proxysync/internal/reconcile"
)

var _ reconcile.ReportSink = (*ReportSink)(nil)

// ReportSink collects cycle reports.
type ReportSink struct {
	mu      sync.Mutex
	reports []reconcile.CycleReport

	RecordErr error
}

func (s *ReportSink) Record(_ context.Context, r reconcile.CycleReport) error {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	return s.RecordErr
}

// Reports returns every recorded report in order.
func (s *ReportSink) Reports() []reconcile.CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reconcile.CycleReport, len(s.reports))
	copy(out, s.reports)
	return out
}
