package reconcile

import (
	"context"
	"errors"
	"log/slog"
)

// LogSink writes one structured record per failed operation, one for a
// failed fetch, and a summary per cycle.
type LogSink struct {
	Logger *slog.Logger
}

var _ ReportSink = LogSink{}

func (s LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s LogSink) Record(ctx context.Context, r CycleReport) error {
	log := s.logger().With("component", "reconcile", "target", r.Target)

	if r.Skipped() {
		attrs := []any{"err", r.FetchErr}
		var fe *FetchError
		if errors.As(r.FetchErr, &fe) {
			attrs = append(attrs, "kind", string(fe.Kind))
			if fe.StatusCode != 0 {
				attrs = append(attrs, "status", fe.StatusCode)
			}
		}
		log.WarnContext(ctx, "desired state fetch failed, skipping cycle", attrs...)
		return nil
	}

	for _, res := range r.Failures() {
		attrs := []any{
			"identity", res.Identity,
			"op", string(res.Op),
			"outcome", res.Outcome.String(),
			"err", res.Err,
		}
		switch res.Outcome {
		case OutcomeRejected:
			log.ErrorContext(ctx, "member operation rejected", attrs...)
		default:
			log.WarnContext(ctx, "member operation unavailable", attrs...)
		}
	}

	level := slog.LevelDebug
	if len(r.Results) > 0 {
		level = slog.LevelInfo
	}
	log.Log(ctx, level, "reconcile cycle complete",
		"desired", r.Desired,
		"observed", r.Observed,
		"added", r.Count(OpAdd),
		"removed", r.Count(OpRemove),
		"updated", r.Count(OpUpdate),
		"failed", r.Failed(),
		"duration", r.Duration,
	)
	return nil
}
