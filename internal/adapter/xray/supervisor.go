package xray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proxysync/internal/reconcile"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// DefaultRetryInterval is 10s: the target is usually a local process that restarts in seconds.
	DefaultRetryInterval = 10 * time.Second
	// defaultDialTimeout is 5s: a local API either answers fast or is down.
	defaultDialTimeout = 5 * time.Second
)

// Supervisor owns one long-lived gRPC session to the Xray API. Connect
// blocks until the first READY; Run keeps the session alive afterwards.
// While the session is down, Conn fails fast with reconcile.ErrUnavailable.
type Supervisor struct {
	target      string
	dialTimeout time.Duration
	newBackOff  func() backoff.BackOff
	clock       reconcile.Clock
	dialOpts    []grpc.DialOption

	// probe waits for the session to become usable; replaced in tests.
	probe func(ctx context.Context) error

	mu    sync.RWMutex
	conn  *grpc.ClientConn
	phase ConnPhase
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithRetryPolicy sets the backoff used between connection attempts. The
// policy is created fresh for every outage. A policy that returns
// backoff.Stop bounds the initial connect.
func WithRetryPolicy(newBackOff func() backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) {
		if newBackOff != nil {
			s.newBackOff = newBackOff
		}
	}
}

// WithClock sets the clock used for waits between attempts.
func WithClock(c reconcile.Clock) SupervisorOption {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) SupervisorOption {
	return func(s *Supervisor) {
		s.dialOpts = append(s.dialOpts, opts...)
	}
}

// ConstantRetry returns a policy that retries forever every interval.
func ConstantRetry(interval time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(interval) }
}

// BoundedRetry returns a policy that gives up after maxRetries waits.
func BoundedRetry(interval time.Duration, maxRetries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxRetries)
	}
}

// NewSupervisor prepares a session to target (host:port or a gRPC target URI).
// No connection is attempted until Connect.
func NewSupervisor(target string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		target:      target,
		dialTimeout: defaultDialTimeout,
		newBackOff:  ConstantRetry(DefaultRetryInterval),
		clock:       reconcile.RealClock{},
		phase:       ConnConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probe == nil {
		s.probe = s.waitReady
	}
	return s
}

// Target returns the dial target.
func (s *Supervisor) Target() string { return s.target }

// Phase returns the current session phase.
func (s *Supervisor) Phase() ConnPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Supervisor) setPhase(to ConnPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == to || s.phase == ConnClosed {
		return
	}
	from := s.phase
	s.phase = s.phase.Transition(to)
	if s.phase != from {
		slog.Info("xray api session", "component", "xray", "target", s.target, "from", from.String(), "to", s.phase.String())
	}
}

// Conn returns the session connection, or an error wrapping
// reconcile.ErrUnavailable while the session is not ready.
func (s *Supervisor) Conn() (grpc.ClientConnInterface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase != ConnReady || s.conn == nil {
		return nil, fmt.Errorf("xray api %s is %s: %w", s.target, s.phase, reconcile.ErrUnavailable)
	}
	return s.conn, nil
}

func (s *Supervisor) dial() (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: grpcbackoff.Config{
				BaseDelay:  time.Second,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   DefaultRetryInterval,
			},
			MinConnectTimeout: s.dialTimeout,
		}),
	}
	opts = append(opts, s.dialOpts...)

	conn, err := grpc.NewClient(s.target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial xray api %s: %w", s.target, err)
	}
	s.conn = conn
	return conn, nil
}

// Connect blocks until the session is READY, retrying under the retry
// policy. It fails only when ctx ends or a bounded policy is exhausted.
func (s *Supervisor) Connect(ctx context.Context) error {
	if _, err := s.dial(); err != nil {
		return err
	}

	b := s.newBackOff()
	b.Reset()
	for attempt := 1; ; attempt++ {
		err := s.probe(ctx)
		if err == nil {
			s.setPhase(ConnReady)
			slog.Info("Connected to Xray API.", "component", "xray", "target", s.target, "attempts", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("connect to xray api %s after %d attempts: %w", s.target, attempt, errors.Join(reconcile.ErrUnavailable, err))
		}
		slog.Warn("Xray API connect failed, retrying.", "component", "xray", "target", s.target,
			"attempt", attempt, "retry_in", wait, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}
	}
}

// waitReady kicks the channel and waits up to the dial timeout for READY.
func (s *Supervisor) waitReady(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("session closed")
	}

	ctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	conn.ResetConnectBackoff()
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection closed")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("still %s after %s: %w", state, s.dialTimeout, ctx.Err())
		}
	}
}

// Run watches the session after Connect. When the channel fails it marks
// the session disconnected and re-dials under the retry policy until READY
// again. It returns when ctx ends or the supervisor is closed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.RLock()
	conn, phase := s.conn, s.phase
	s.mu.RUnlock()
	if conn == nil {
		if phase == ConnClosed {
			return nil
		}
		return errors.New("xray supervisor: Run called before Connect")
	}

	b := s.newBackOff()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Shutdown:
			return nil
		case connectivity.Ready:
			s.setPhase(ConnReady)
			b.Reset()
		case connectivity.Idle:
			conn.Connect()
		case connectivity.TransientFailure:
			s.setPhase(ConnDisconnected)
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				wait = DefaultRetryInterval
			}
			slog.Warn("Xray API unavailable, reconnecting.", "component", "xray", "target", s.target, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(wait):
			}
			conn.ResetConnectBackoff()
			conn.Connect()
			continue
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// Close tears down the session.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.phase != ConnClosed {
		s.phase = s.phase.Transition(ConnClosed)
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
