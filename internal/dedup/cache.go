// Package dedup tracks content blob IDs that have already been delivered.
//
// The durable set is a bounded LRU backed by an append-only log
// (workingDir/known_blobs, one id per line with an optional tab-separated
// expiry epoch). The log is replayed at startup and compacted once it grows
// past twice the cache capacity. A separate memory-only in-flight set stops
// duplicate scheduling inside a single cycle; an ID becomes durable only
// after every sink accepted all of the blob's records.
package dedup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	LogName         = "known_blobs"
	DefaultCapacity = 500000
	flushBatch      = 512
)

type Cache struct {
	mu       sync.Mutex
	durable  *lru.Cache[string, time.Time]
	inflight map[string]struct{}
	capacity int

	logPath string
	pending []logEntry
	// appended counts lines in the on-disk log, including ones replayed at
	// startup. Compaction resets it to the live set size.
	appended int

	now func() time.Time
}

type logEntry struct {
	id     string
	expiry time.Time
}

// Open replays the known-blobs log under dir into a fresh cache. Expired and
// malformed lines are dropped; IDs beyond capacity fall off the LRU end.
func Open(dir string, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		durable:  l,
		inflight: make(map[string]struct{}),
		capacity: capacity,
		logPath:  filepath.Join(dir, LogName),
		now:      time.Now,
	}
	if err := c.replay(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) replay() error {
	f, err := os.Open(c.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", c.logPath, err)
	}
	defer f.Close()

	now := c.now()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.appended++
		id, expiry := parseLine(line)
		if id == "" {
			continue
		}
		if !expiry.IsZero() && !now.Before(expiry) {
			continue
		}
		c.durable.Add(id, expiry)
	}
	return sc.Err()
}

func parseLine(line string) (string, time.Time) {
	id, rest, ok := strings.Cut(line, "\t")
	id = strings.TrimSpace(id)
	if !ok {
		return id, time.Time{}
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return "", time.Time{}
	}
	return id, time.Unix(epoch, 0).UTC()
}

// Contains reports whether the ID is already durable or in flight. An entry
// whose expiry passed is evicted and treated as unknown.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return true
	}
	expiry, ok := c.durable.Get(id)
	if !ok {
		return false
	}
	if !expiry.IsZero() && !c.now().Before(expiry) {
		c.durable.Remove(id)
		return false
	}
	return true
}

// InsertInFlight reserves the ID for this cycle, returning false when it is
// already reserved. It deliberately ignores the durable set: the collector
// gates on Contains first, except when the operator disabled skipKnownLogs
// to force a re-fetch.
func (c *Cache) InsertInFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

// Release drops an in-flight reservation after a failed blob so the next
// cycle schedules it again.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// Promote moves an in-flight ID to the durable set and queues the log line.
func (c *Cache) Promote(id string, expiry time.Time) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.durable.Add(id, expiry)
	c.pending = append(c.pending, logEntry{id: id, expiry: expiry})
	full := len(c.pending) >= flushBatch
	c.mu.Unlock()
	if full {
		_ = c.Flush()
	}
}

// InsertDurable records an ID without the in-flight step. Used when an
// operator opts into dropping blobs whose URL expired before fetch.
func (c *Cache) InsertDurable(id string, expiry time.Time) {
	c.mu.Lock()
	c.durable.Add(id, expiry)
	c.pending = append(c.pending, logEntry{id: id, expiry: expiry})
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durable.Len()
}

// Flush appends pending entries to the log and compacts it when the line
// count passed twice the cache capacity. No I/O happens under the lock
// beyond swapping the pending slice out.
func (c *Cache) Flush() error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.appended += len(batch)
	compact := c.appended > 2*c.capacity
	c.mu.Unlock()

	if len(batch) > 0 {
		if err := c.appendLines(batch); err != nil {
			return err
		}
	}
	if compact {
		return c.compact()
	}
	return nil
}

func (c *Cache) appendLines(batch []logEntry) error {
	f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.logPath, err)
	}
	w := bufio.NewWriter(f)
	for _, e := range batch {
		writeLine(w, e)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeLine(w *bufio.Writer, e logEntry) {
	w.WriteString(e.id)
	if !e.expiry.IsZero() {
		w.WriteByte('\t')
		w.WriteString(strconv.FormatInt(e.expiry.Unix(), 10))
	}
	w.WriteByte('\n')
}

// compact rewrites the log to the live LRU set under a temporary name and
// renames it into place.
func (c *Cache) compact() error {
	c.mu.Lock()
	keys := c.durable.Keys()
	entries := make([]logEntry, 0, len(keys))
	for _, id := range keys {
		if expiry, ok := c.durable.Peek(id); ok {
			entries = append(entries, logEntry{id: id, expiry: expiry})
		}
	}
	c.mu.Unlock()

	tmp := c.logPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		writeLine(w, e)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.logPath); err != nil {
		return fmt.Errorf("replace %s: %w", c.logPath, err)
	}
	c.mu.Lock()
	c.appended = len(entries)
	c.mu.Unlock()
	return nil
}

// Close flushes any queued entries.
func (c *Cache) Close() error {
	return c.Flush()
}
