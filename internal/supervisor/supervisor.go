// Package supervisor drives the daemon cadence: an immediate first cycle,
// then one cycle per interval across all tenants, with two-stage shutdown
// (first signal drains in-flight fetches, a second aborts immediately).
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"o365collect/internal/dedup"
	"o365collect/internal/domain"
	"o365collect/internal/sink"
)

// TenantCollector is one tenant's cycle engine. collector.Collector
// satisfies it.
type TenantCollector interface {
	RunCycle(ctx context.Context, soft <-chan struct{}) map[domain.Feed]domain.CycleStats
	Retried() int
}

type Options struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	DrainTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 30 * time.Minute
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
}

type Supervisor struct {
	collectors []TenantCollector
	mux        *sink.Multiplexer
	cache      *dedup.Cache
	opts       Options
	log        *slog.Logger

	// signals is swapped out by tests.
	signals func(chan<- os.Signal)
}

func New(collectors []TenantCollector, mux *sink.Multiplexer, cache *dedup.Cache, opts Options, log *slog.Logger) *Supervisor {
	opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		collectors: collectors,
		mux:        mux,
		cache:      cache,
		opts:       opts,
		log:        log,
		signals: func(ch chan<- os.Signal) {
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		},
	}
}

// Run loops until ctx is cancelled or a shutdown signal arrives. It owns the
// final flush of sinks and the known-blobs log.
func (s *Supervisor) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 2)
	s.signals(sigs)
	defer signal.Stop(sigs)

	// soft closes on the first signal: no new work is scheduled. hardCancel
	// fires after the drain budget, or on a second signal.
	soft := make(chan struct{})
	hardCtx, hardCancel := context.WithCancel(ctx)
	defer hardCancel()

	var softOnce sync.Once
	go func() {
		select {
		case <-sigs:
			softOnce.Do(func() { close(soft) })
			s.log.Info("shutdown signal received, draining", "timeout", s.opts.DrainTimeout)
			timer := time.AfterFunc(s.opts.DrainTimeout, hardCancel)
			select {
			case <-sigs:
				s.log.Warn("second signal, aborting")
				timer.Stop()
				hardCancel()
			case <-hardCtx.Done():
				timer.Stop()
			}
		case <-hardCtx.Done():
		}
	}()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.runOnce(hardCtx, soft)
		if stopped(soft) || hardCtx.Err() != nil {
			break
		}
		s.log.Info("cycle complete, sleeping", "interval", s.opts.Interval)
		select {
		case <-ticker.C:
		case <-soft:
		case <-hardCtx.Done():
		}
		if stopped(soft) || hardCtx.Err() != nil {
			break
		}
	}

	return s.shutdown()
}

func (s *Supervisor) runOnce(ctx context.Context, soft <-chan struct{}) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.opts.CycleTimeout)
	defer cancel()

	var g errgroup.Group
	for _, c := range s.collectors {
		c := c
		g.Go(func() error {
			stats := c.RunCycle(cycleCtx, soft)
			var total domain.CycleStats
			for _, st := range stats {
				total.Add(st)
			}
			total.BlobsRetried = c.Retried()
			s.log.Info("tenant cycle done",
				"found", total.BlobsFound,
				"successful", total.BlobsSuccessful,
				"failed", total.BlobsFailed,
				"retried", total.BlobsRetried,
				"saved", total.LogsSaved,
			)
			return nil
		})
	}
	_ = g.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer flushCancel()
	if err := s.mux.Flush(flushCtx); err != nil {
		s.log.Error("sink flush failed", "error", err)
	}
	if err := s.cache.Flush(); err != nil {
		s.log.Error("known-blobs flush failed", "error", err)
	}
}

func (s *Supervisor) shutdown() error {
	s.log.Info("shutting down")
	if err := s.mux.Close(); err != nil {
		s.log.Error("sink close failed", "error", err)
	}
	if err := s.cache.Close(); err != nil {
		s.log.Error("known-blobs close failed", "error", err)
		return err
	}
	return nil
}

func stopped(soft <-chan struct{}) bool {
	select {
	case <-soft:
		return true
	default:
		return false
	}
}
