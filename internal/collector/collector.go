// Package collector runs one tenant's ingest pipeline: subscription checks,
// window planning, content discovery, deduplication, bounded parallel blob
// fetches and delivery to the output multiplexer. One Collector owns one
// tenant; cycles across tenants run as parallel tasks in the supervisor.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"o365collect/internal/checkpoint"
	"o365collect/internal/dedup"
	"o365collect/internal/domain"
	"o365collect/internal/planner"
)

// FeedAPI is the slice of the Management Activity client the collector
// needs. office.Client satisfies it; tests plug fakes.
type FeedAPI interface {
	EnsureSubscription(ctx context.Context, feed domain.Feed) error
	ListContent(ctx context.Context, feed domain.Feed, w domain.TimeWindow, yield func(domain.BlobDescriptor) error) error
	FetchBlob(ctx context.Context, blob domain.BlobDescriptor, maxSize int64) ([]json.RawMessage, error)
}

// Publisher is the acceptance gate into the sinks. sink.Multiplexer
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, records []domain.Record) error
}

type Options struct {
	Feeds            []domain.Feed
	OnlyFutureEvents bool
	HoursToCollect   int
	MaxThreads       int
	MaxBlobSize      int64
	SkipKnownLogs    bool
	DropExpiredBlobs bool
	// Filters holds per-feed flat equality filters; a record not matching
	// its feed's filter is dropped before output.
	Filters map[string]map[string]any
}

func (o *Options) withDefaults() {
	if o.MaxThreads <= 0 {
		o.MaxThreads = 50
	}
	if o.MaxBlobSize <= 0 {
		o.MaxBlobSize = 10 << 20
	}
	if o.HoursToCollect <= 0 {
		o.HoursToCollect = 24
	}
}

type Collector struct {
	tenant      domain.Tenant
	api         FeedAPI
	dedup       *dedup.Cache
	checkpoints *checkpoint.Store
	out         Publisher
	opts        Options
	log         *slog.Logger

	retried atomic.Int64

	now func() time.Time
}

func New(tenant domain.Tenant, api FeedAPI, cache *dedup.Cache, store *checkpoint.Store, out Publisher, opts Options, log *slog.Logger) *Collector {
	opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		tenant:      tenant,
		api:         api,
		dedup:       cache,
		checkpoints: store,
		out:         out,
		opts:        opts,
		log:         log.With("tenant", tenant.TenantID),
		now:         time.Now,
	}
}

// CountRetry is wired into the API client's retry notifications.
func (c *Collector) CountRetry() { c.retried.Add(1) }

// fetchTask is one scheduled blob plus the feed accounting it reports into.
type fetchTask struct {
	blob  domain.BlobDescriptor
	state *feedState
}

// feedState tracks one (tenant, feed)'s progress through a cycle.
type feedState struct {
	wg sync.WaitGroup

	found        atomic.Int64
	successful   atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	saved        atomic.Int64
	windowFailed atomic.Bool
}

func (s *feedState) stats() domain.CycleStats {
	return domain.CycleStats{
		BlobsFound:      int(s.found.Load()),
		BlobsSuccessful: int(s.successful.Load()),
		BlobsFailed:     int(s.failed.Load()),
		LogsSaved:       int(s.saved.Load()),
	}
}

// clean reports whether every window drained: all blobs committed or
// deliberately dropped. Only then may the checkpoint advance.
func (s *feedState) clean() bool {
	return !s.windowFailed.Load() && s.failed.Load() == 0
}

// RunCycle covers [checkpoint, now] for every feed once. It returns the
// per-feed stats; feed-level failures are logged and reflected in the
// checkpoints, not returned, so one broken feed never fails the others.
//
// A close of soft stops scheduling new work while in-flight fetches drain
// under ctx; cancelling ctx aborts everything. soft may be nil.
func (c *Collector) RunCycle(ctx context.Context, soft <-chan struct{}) map[domain.Feed]domain.CycleStats {
	cycleEnd := c.now().UTC()

	queue := make(chan fetchTask, c.opts.MaxThreads)
	var workers sync.WaitGroup
	for i := 0; i < c.opts.MaxThreads; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for task := range queue {
				c.fetchOne(ctx, task)
				task.state.wg.Done()
			}
		}()
	}

	results := make(map[domain.Feed]domain.CycleStats, len(c.opts.Feeds))
	var mu sync.Mutex

	var g errgroup.Group
	for _, feed := range c.opts.Feeds {
		feed := feed
		g.Go(func() error {
			stats := c.runFeed(ctx, soft, feed, cycleEnd, queue)
			mu.Lock()
			results[feed] = stats
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	close(queue)
	workers.Wait()

	if err := c.dedup.Flush(); err != nil {
		c.log.Error("flush known blobs", "error", err)
	}
	return results
}

func (c *Collector) runFeed(ctx context.Context, soft <-chan struct{}, feed domain.Feed, cycleEnd time.Time, queue chan<- fetchTask) domain.CycleStats {
	log := c.log.With("feed", string(feed))
	cp, _ := c.checkpoints.Load(c.tenant.TenantID, feed)
	plan := planner.Next(cp, cycleEnd, c.opts.OnlyFutureEvents, c.opts.HoursToCollect)

	state := &feedState{}

	if plan.BookmarkOnly {
		c.saveCheckpoint(feed, cp, cycleEnd, true)
		log.Info("first run, collecting only future events", "bookmark", cycleEnd)
		return state.stats()
	}
	if plan.Clamped {
		log.Warn("checkpoint older than API retention, collection gap", "last_log_time", cp.LastLogTime)
	}

	if err := c.api.EnsureSubscription(ctx, feed); err != nil {
		log.Error("subscription check failed", "error", err)
		state.windowFailed.Store(true)
		c.saveCheckpoint(feed, cp, cycleEnd, false)
		return state.stats()
	}

	for _, w := range plan.Windows {
		if ctx.Err() != nil || stopped(soft) {
			state.windowFailed.Store(true)
			break
		}
		err := c.api.ListContent(ctx, feed, w, func(blob domain.BlobDescriptor) error {
			if stopped(soft) {
				return domain.ErrShutdown
			}
			if c.opts.SkipKnownLogs && c.dedup.Contains(blob.ContentID) {
				return nil
			}
			if !c.dedup.InsertInFlight(blob.ContentID) {
				return nil
			}
			state.found.Add(1)
			state.wg.Add(1)
			select {
			case queue <- fetchTask{blob: blob, state: state}:
				return nil
			case <-ctx.Done():
				state.wg.Done()
				c.dedup.Release(blob.ContentID)
				return ctx.Err()
			}
		})
		if err != nil {
			state.windowFailed.Store(true)
			log.Error("window discovery failed", "window", w.String(), "error", err)
		}
	}

	state.wg.Wait()

	advanced := state.clean() && ctx.Err() == nil
	c.saveCheckpoint(feed, cp, cycleEnd, advanced)

	st := state.stats()
	log.Info(fmt.Sprintf("Blobs found: %d | successful: %d | failed: %d | logs saved: %d",
		st.BlobsFound, st.BlobsSuccessful, st.BlobsFailed, st.LogsSaved),
		"advanced", advanced)
	return st
}

// saveCheckpoint always refreshes last_run; last_log_time moves and
// first_run clears only after a fully drained cycle.
func (c *Collector) saveCheckpoint(feed domain.Feed, cp domain.Checkpoint, cycleEnd time.Time, advanced bool) {
	next := cp
	next.LastRun = c.now().UTC()
	if advanced {
		next.LastLogTime = cycleEnd
		next.FirstRun = false
	}
	if err := c.checkpoints.Save(c.tenant.TenantID, feed, next); err != nil {
		c.log.Error("checkpoint write failed", "feed", string(feed), "error", err)
	}
}

func (c *Collector) fetchOne(ctx context.Context, task fetchTask) {
	blob := task.blob
	state := task.state
	log := c.log.With("feed", string(blob.Feed), "content_id", blob.ContentID)

	if !blob.Expiration.IsZero() && !c.now().Before(blob.Expiration) {
		if c.opts.DropExpiredBlobs {
			// Operator opted into dropping content the API already let
			// expire; mark it durable so it is not re-listed forever.
			c.dedup.InsertDurable(blob.ContentID, blob.Expiration.Add(24*time.Hour))
			state.dropped.Add(1)
			log.Warn("blob expired before fetch, dropped")
			return
		}
		// Treated as transient: the fetch fails and the next cycle retries
		// while the listing still returns the blob.
	}

	records, err := c.api.FetchBlob(ctx, blob, c.opts.MaxBlobSize)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrBlobTooLarge), errors.Is(err, domain.ErrParseFailed):
		// Terminal for this blob: never delivered, never promoted, does not
		// hold the checkpoint back.
		c.dedup.Release(blob.ContentID)
		state.dropped.Add(1)
		log.Error("blob dropped", "error", err)
		return
	default:
		c.dedup.Release(blob.ContentID)
		state.failed.Add(1)
		log.Error("blob fetch failed", "error", err)
		return
	}

	wrapped := make([]domain.Record, 0, len(records))
	ingested := c.now().UTC()
	for _, raw := range records {
		rec := domain.Record{
			OriginFeed: blob.Feed,
			TenantName: c.tenant.Label(),
			IngestedAt: ingested,
			Data:       raw,
		}
		if !c.matchesFilter(rec) {
			continue
		}
		wrapped = append(wrapped, rec)
	}

	if err := c.out.Publish(ctx, wrapped); err != nil {
		// One rejecting sink keeps the blob out of the durable set, so the
		// next cycle re-fetches and re-delivers it everywhere.
		c.dedup.Release(blob.ContentID)
		state.failed.Add(1)
		log.Error("sinks rejected records", "error", err)
		return
	}

	c.dedup.Promote(blob.ContentID, blob.Expiration)
	state.successful.Add(1)
	state.saved.Add(int64(len(wrapped)))
}

func stopped(soft <-chan struct{}) bool {
	select {
	case <-soft:
		return true
	default:
		return false
	}
}

// matchesFilter applies the feed's flat equality filter, if any. Values are
// compared by their string rendering, since config values and decoded JSON
// arrive as different Go types.
func (c *Collector) matchesFilter(rec domain.Record) bool {
	filter := c.opts.Filters[string(rec.OriginFeed)]
	if len(filter) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		return true
	}
	for k, want := range filter {
		got, ok := fields[k]
		if !ok {
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Retried reports the number of retried API attempts since the last call.
func (c *Collector) Retried() int {
	return int(c.retried.Swap(0))
}
