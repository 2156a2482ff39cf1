package supervisor

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"o365collect/internal/dedup"
	"o365collect/internal/domain"
	"o365collect/internal/sink"
)

type fakeCollector struct {
	cycles    atomic.Int32
	sawSoft   atomic.Bool
	blockSoft bool
}

func (f *fakeCollector) RunCycle(ctx context.Context, soft <-chan struct{}) map[domain.Feed]domain.CycleStats {
	f.cycles.Add(1)
	if f.blockSoft {
		select {
		case <-soft:
			f.sawSoft.Store(true)
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
	return map[domain.Feed]domain.CycleStats{
		domain.FeedExchange: {BlobsFound: 1, BlobsSuccessful: 1, LogsSaved: 2},
	}
}

func (f *fakeCollector) Retried() int { return 0 }

func newSupervisor(t *testing.T, c TenantCollector, opts Options) (*Supervisor, chan os.Signal) {
	t.Helper()
	cache, err := dedup.Open(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	mux := sink.NewMultiplexer()
	s := New([]TenantCollector{c}, mux, cache, opts, nil)
	sigs := make(chan os.Signal, 2)
	s.signals = func(ch chan<- os.Signal) {
		go func() {
			for sig := range sigs {
				ch <- sig
			}
		}()
	}
	return s, sigs
}

func TestFirstCycleRunsImmediately(t *testing.T) {
	fc := &fakeCollector{}
	s, _ := newSupervisor(t, fc, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return fc.cycles.Load() >= 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if fc.cycles.Load() != 1 {
		t.Fatalf("exactly one immediate cycle expected with a 1h interval, got %d", fc.cycles.Load())
	}
}

func TestIntervalCadence(t *testing.T) {
	fc := &fakeCollector{}
	s, _ := newSupervisor(t, fc, Options{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return fc.cycles.Load() >= 3 })
	cancel()
	<-done
}

func TestSignalDrainsAndExits(t *testing.T) {
	fc := &fakeCollector{blockSoft: true}
	s, sigs := newSupervisor(t, fc, Options{Interval: time.Hour, DrainTimeout: time.Second})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitFor(t, time.Second, func() bool { return fc.cycles.Load() >= 1 })
	sigs <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("supervisor did not exit after signal")
	}
	if !fc.sawSoft.Load() {
		t.Fatalf("collector should have observed the soft stop")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}
