// Package sink delivers wrapped audit records to the configured outputs.
//
// The multiplexer fans every batch out to all sinks and reports acceptance
// only once each sink acknowledged it. When one sink in a multi-sink setup
// fails, the batch is not treated as delivered and the owning blob is
// re-fetched next cycle; the healthy sinks will see those records again.
// That duplicate delivery is the documented multi-sink contract — deploy one
// sink per process if exactly-once per sink matters.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"o365collect/internal/domain"
)

// Sink is a terminal consumer of records. Accept returns only after the
// records are handed to the transport (and acknowledged, where the
// transport supports acks).
type Sink interface {
	Name() string
	Accept(ctx context.Context, records []domain.Record) error
	Flush(ctx context.Context) error
	Close() error
}

const defaultQueueDepth = 64

type job struct {
	ctx     context.Context
	records []domain.Record
	done    chan error
}

type worker struct {
	sink Sink
	jobs chan job
}

// Multiplexer routes record batches to every configured sink. Each sink has
// a bounded queue and a dedicated writer goroutine, so a slow sink slows the
// producer via the shared acceptance gate but never wedges its peers'
// writers.
type Multiplexer struct {
	workers []*worker
	wg      sync.WaitGroup
}

func NewMultiplexer(sinks ...Sink) *Multiplexer {
	m := &Multiplexer{}
	for _, s := range sinks {
		w := &worker{sink: s, jobs: make(chan job, defaultQueueDepth)}
		m.workers = append(m.workers, w)
		m.wg.Add(1)
		go m.run(w)
	}
	return m
}

func (m *Multiplexer) run(w *worker) {
	defer m.wg.Done()
	for j := range w.jobs {
		err := w.sink.Accept(j.ctx, j.records)
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", domain.ErrSinkFailed, w.sink.Name(), err)
		}
		j.done <- err
	}
}

// Publish delivers one batch to every sink and waits for all of them. The
// returned error joins every sink failure; nil means all sinks accepted.
func (m *Multiplexer) Publish(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 || len(m.workers) == 0 {
		return nil
	}
	dones := make([]chan error, len(m.workers))
	for i, w := range m.workers {
		done := make(chan error, 1)
		dones[i] = done
		select {
		case w.jobs <- job{ctx: ctx, records: records, done: done}:
		case <-ctx.Done():
			done <- fmt.Errorf("%w: %s: %v", domain.ErrSinkFailed, w.sink.Name(), ctx.Err())
		}
	}
	var errs []error
	for _, done := range dones {
		if err := <-done; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multiplexer) Flush(ctx context.Context) error {
	var errs []error
	for _, w := range m.workers {
		if err := w.sink.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", w.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close drains the writer goroutines and closes every sink.
func (m *Multiplexer) Close() error {
	for _, w := range m.workers {
		close(w.jobs)
	}
	m.wg.Wait()
	var errs []error
	for _, w := range m.workers {
		if err := w.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", w.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
