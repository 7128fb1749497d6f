// Package daemon wires the reconcile agent and runs it until shutdown.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxysync/internal/adapter/xray"
	"proxysync/internal/buildinfo"
	"proxysync/internal/config"
	"proxysync/internal/reconcile"
	"proxysync/internal/telemetry"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"
)

const tracerName = "proxysync/internal/reconcile"

// Run connects to the Xray API, notifies systemd, then runs one scheduler
// per configured target until ctx is cancelled. SIGHUP triggers an
// immediate cycle on every target.
func Run(ctx context.Context, cfg *config.Config) error {
	tp, err := telemetry.Setup(ctx,
		telemetry.WithOTLPEndpoint(cfg.Telemetry.OTLPEndpoint),
		telemetry.WithVersion(buildinfo.Version),
	)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(tp)

	agent, err := Wire(cfg, tp.Tracer(tracerName))
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(); err != nil {
			slog.Warn("Failed to close agent.", "err", err)
		}
	}()

	slog.Info("Starting proxysync agent.",
		"version", buildinfo.String(),
		"authority", agent.Fetcher.Endpoint(),
		"xray", agent.Supervisor.Target(),
		"targets", len(agent.Engines),
		"interval", cfg.Reconcile.Interval,
	)

	if err := agent.Supervisor.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		slog.Error("Failed to notify systemd that the daemon is ready.", "err", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Supervisor.Run(gctx) })
	for _, s := range agent.Schedulers {
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error {
		return forwardTriggers(gctx, hup, agent.Schedulers)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		_, _ = systemd.SdNotify(false, systemd.SdNotifyStopping)
		slog.Info("Stopped proxysync agent.")
		return nil
	}
	return err
}

// forwardTriggers turns each signal on sig into an immediate cycle request.
func forwardTriggers(ctx context.Context, sig <-chan os.Signal, schedulers []*reconcile.Scheduler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sig:
			slog.Info("Reconcile triggered by signal.", "targets", len(schedulers))
			for _, s := range schedulers {
				s.Trigger()
			}
		}
	}
}

// RunOnce connects, runs a single cycle per target and returns the reports.
// Connection failures are bounded by retries attempts.
func RunOnce(ctx context.Context, cfg *config.Config, retries uint64) ([]reconcile.CycleReport, error) {
	tp, err := telemetry.Setup(ctx,
		telemetry.WithOTLPEndpoint(cfg.Telemetry.OTLPEndpoint),
		telemetry.WithVersion(buildinfo.Version),
	)
	if err != nil {
		return nil, err
	}
	defer shutdownTelemetry(tp)

	agent, err := Wire(cfg, tp.Tracer(tracerName),
		xray.WithRetryPolicy(xray.BoundedRetry(cfg.Xray.RetryInterval, retries)),
	)
	if err != nil {
		return nil, err
	}
	defer agent.Close()

	if err := agent.Supervisor.Connect(ctx); err != nil {
		return nil, err
	}

	reports := make([]reconcile.CycleReport, 0, len(agent.Engines))
	for _, e := range agent.Engines {
		reports = append(reports, e.RunCycle(ctx))
	}
	return reports, nil
}

func shutdownTelemetry(tp *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Failed to flush traces.", "err", err)
	}
}
