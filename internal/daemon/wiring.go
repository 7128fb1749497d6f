package daemon

import (
	"errors"
	"fmt"

	"proxysync/internal/adapter/authority"
	"proxysync/internal/adapter/sqlite"
	"proxysync/internal/adapter/xray"
	"proxysync/internal/config"
	"proxysync/internal/reconcile"

	"go.opentelemetry.io/otel/trace"
)

// Agent is the wired set of components for one process.
type Agent struct {
	Fetcher    *authority.Fetcher
	Supervisor *xray.Supervisor
	Journal    *sqlite.Journal // nil when journaling is disabled
	Engines    []*reconcile.Engine
	Schedulers []*reconcile.Scheduler
}

// Wire builds an Agent from cfg. Nothing touches the network until the
// supervisor connects. supOpts are applied after the configured ones.
func Wire(cfg *config.Config, tracer trace.Tracer, supOpts ...xray.SupervisorOption) (*Agent, error) {
	fetcher, err := authority.New(cfg.Authority.URL, cfg.Authority.Secret,
		authority.WithSyncPath(cfg.Authority.SyncPath),
		authority.WithSecretHeader(cfg.Authority.SecretHeader),
		authority.WithTimeout(cfg.Authority.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("build authority fetcher: %w", err)
	}

	opts := append([]xray.SupervisorOption{
		xray.WithDialTimeout(cfg.Xray.DialTimeout),
		xray.WithRetryPolicy(xray.ConstantRetry(cfg.Xray.RetryInterval)),
	}, supOpts...)
	sup := xray.NewSupervisor(cfg.Xray.Address, opts...)

	a := &Agent{Fetcher: fetcher, Supervisor: sup}

	sinks := []reconcile.ReportSink{reconcile.LogSink{}}
	if cfg.Journal.Path != "" {
		j, err := sqlite.Open(cfg.Journal.Path, cfg.Journal.Retain)
		if err != nil {
			_ = sup.Close()
			return nil, err
		}
		a.Journal = j
		sinks = append(sinks, j)
	}

	for _, t := range cfg.Xray.Targets {
		proto, err := xray.ParseProtocol(t.Protocol)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("target %s: %w", t.Tag, err)
		}
		var defaults map[string]string
		if t.Flow != "" {
			defaults = map[string]string{xray.ParamFlow: t.Flow}
		}
		client, err := xray.NewClient(sup, xray.Target{Tag: t.Tag, Protocol: proto, Defaults: defaults})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("target %s: %w", t.Tag, err)
		}

		engine := reconcile.NewEngine(reconcile.EngineConfig{
			Target:        t.Tag,
			Fetcher:       fetcher,
			Client:        client,
			Sinks:         sinks,
			Concurrency:   cfg.Reconcile.Concurrency,
			CallTimeout:   cfg.Xray.CallTimeout,
			UpdateOnDrift: cfg.Reconcile.Drift(),
			Tracer:        tracer,
		})
		a.Engines = append(a.Engines, engine)
		a.Schedulers = append(a.Schedulers, reconcile.NewScheduler(engine, cfg.Reconcile.Interval))
	}
	return a, nil
}

// Close releases the supervisor session and the journal.
func (a *Agent) Close() error {
	var errs []error
	if a.Supervisor != nil {
		if err := a.Supervisor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close xray session: %w", err))
		}
	}
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
