// Package enrich attaches geo/ASN data to source addresses seen in webhook events.
//
// Each accepted event becomes one workflow on a worker pool. A workflow holds
// the address's lock from the existence check through the upsert, so the
// "skip the lookup if already known" decision always agrees with the write.
package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/StefanGrimminck/Spoor/internal/geo"
	"github.com/StefanGrimminck/Spoor/internal/keylock"
	"github.com/StefanGrimminck/Spoor/internal/store"
	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Outcome is how a workflow ended.
type Outcome string

const (
	OutcomeFetched     Outcome = "fetched"      // lookup succeeded, row created with geo
	OutcomeFetchFailed Outcome = "fetch_failed" // lookup attempted and failed, counters only
	OutcomeKnown       Outcome = "known"        // row existed, no lookup
	OutcomeRateLimited Outcome = "rate_limited" // limiter denied the lookup, counters only
	OutcomeNoLookup    Outcome = "no_lookup"    // no provider configured, counters only
	OutcomeError       Outcome = "error"        // storage failure, nothing written
)

const (
	defaultWorkers         = 64
	defaultWorkflowTimeout = 30 * time.Second
)

// Admitter gates outbound lookups.
type Admitter interface {
	TryAdmit() bool
}

// Acquirer hands out storage sessions.
type Acquirer interface {
	Acquire(ctx context.Context) (store.Conn, error)
}

// Config wires a Scheduler. Provider may be nil to only count sightings.
type Config struct {
	Store    Acquirer
	Provider geo.Provider
	Limiter  Admitter
	Locks    *keylock.Registry
	// Workers caps concurrently running workflows; the queue behind them is unbounded.
	Workers         int
	WorkflowTimeout time.Duration
	Clock           clockwork.Clock
	Log             zerolog.Logger
	Metrics         *Metrics
}

// Scheduler runs enrichment workflows without blocking the caller.
type Scheduler struct {
	store    Acquirer
	provider geo.Provider
	limiter  Admitter
	locks    *keylock.Registry
	pool     pond.Pool
	timeout  time.Duration
	clock    clockwork.Clock
	log      zerolog.Logger
	metrics  *Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates a Scheduler and starts its worker pool.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("enrich: store is nil")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("enrich: limiter is nil")
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = defaultWorkflowTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    cfg.Store,
		provider: cfg.Provider,
		limiter:  cfg.Limiter,
		locks:    cfg.Locks,
		pool:     pond.NewPool(cfg.Workers),
		timeout:  cfg.WorkflowTimeout,
		clock:    cfg.Clock,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Schedule dispatches a workflow for address and returns immediately. It
// returns false when nothing was dispatched: the address is empty or not a
// public IP, or the scheduler is closed. A zero seen means now.
//
// The workflow is keyed by the canonical form of address, so "::ffff:8.8.8.8"
// and "8.8.8.8" share one lock and one record.
func (s *Scheduler) Schedule(address string, seen time.Time) bool {
	address, ok := geo.Canonical(address)
	if !ok {
		s.metrics.incGated()
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if seen.IsZero() {
		seen = s.clock.Now()
	}
	start := s.clock.Now()
	s.inflight.Add(1)
	s.metrics.dispatched()
	s.pool.Submit(func() {
		defer s.inflight.Done()
		o := s.run(address, seen)
		s.metrics.finished(o, s.clock.Since(start))
	})
	return true
}

// Wait blocks until every dispatched workflow has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Close stops accepting work and waits for in-flight workflows. If ctx ends
// first, running workflows are canceled and Close returns ctx.Err() once they exit.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) run(address string, seen time.Time) Outcome {
	h := s.locks.Acquire(address)
	defer h.Release()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	o, err := s.enrich(ctx, address, seen)
	if err != nil {
		s.log.Warn().Err(err).Str("ip", address).Msg("enrichment workflow failed")
		return o
	}
	s.log.Debug().Str("ip", address).Str("outcome", string(o)).Msg("source recorded")
	return o
}

// enrich runs the check, optional lookup and upsert on one storage session.
// The caller holds the address lock.
func (s *Scheduler) enrich(ctx context.Context, address string, seen time.Time) (Outcome, error) {
	conn, err := s.store.Acquire(ctx)
	if err != nil {
		return OutcomeError, err
	}
	defer conn.Release()

	exists, err := conn.Exists(ctx, address)
	if err != nil {
		return OutcomeError, err
	}

	o := OutcomeKnown
	var res *geo.Result
	if !exists {
		o, res = s.lookup(ctx, address)
	}

	if err := conn.UpsertSource(ctx, store.Observation{Address: address, Seen: seen, Geo: res}); err != nil {
		return OutcomeError, err
	}
	return o, nil
}

func (s *Scheduler) lookup(ctx context.Context, address string) (Outcome, *geo.Result) {
	if s.provider == nil {
		return OutcomeNoLookup, nil
	}
	if !s.limiter.TryAdmit() {
		s.log.Debug().Str("ip", address).Msg("lookup rate limited")
		return OutcomeRateLimited, nil
	}
	res, ok := s.provider.Fetch(ctx, address)
	if !ok {
		return OutcomeFetchFailed, nil
	}
	return OutcomeFetched, &res
}
