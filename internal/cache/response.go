// Package cache holds the in-memory response cache: one shared Entry per
// request key, so that concurrent views of the same resource observe a single
// request sequence.
package cache

import (
	"context"
	"sync"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
	"github.com/rs/zerolog/log"
)

// ResponseCache maps keys to entries. Check-then-insert and identity-checked
// replacement are atomic: the mutex serializes compound operations, and otter
// holds the entries.
type ResponseCache struct {
	mu      sync.Mutex
	entries *otter.Cache[string, *Entry]
	counter *stats.Counter
	metrics instruments
	size    int64
}

// NewResponseCache creates an unbounded response cache. Entries live until
// removed or cleared.
func NewResponseCache() *ResponseCache {
	counter := stats.NewCounter()
	entries := otter.Must(&otter.Options[string, *Entry]{
		StatsRecorder: counter,
	})

	return &ResponseCache{
		entries: entries,
		counter: counter,
		metrics: newInstruments("response"),
	}
}

// GetOrCreate returns the entry for key, creating a Loading entry if there is
// none. created is true only for the caller that inserted the entry; that
// caller is responsible for completing it.
func (c *ResponseCache) GetOrCreate(key string) (entry *Entry, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries.GetIfPresent(key); ok {
		c.metrics.recordOperation(context.Background(), "get_or_create", "hit")
		return existing, false
	}

	entry = newEntry(key)
	c.entries.Set(key, entry)
	c.size++

	c.metrics.recordOperation(context.Background(), "get_or_create", "created")
	c.metrics.recordEntries(context.Background(), 1)

	return entry, true
}

// Get returns the entry for key without creating one.
func (c *ResponseCache) Get(key string) (*Entry, bool) {
	entry, ok := c.entries.GetIfPresent(key)

	status := "miss"
	if ok {
		status = "hit"
	}
	c.metrics.recordOperation(context.Background(), "get", status)

	return entry, ok
}

// Replace swaps stale for a new Loading entry, provided stale is still the
// entry held for key. When another caller has already replaced it, the
// current entry is returned with created false.
func (c *ResponseCache) Replace(key string, stale *Entry) (entry *Entry, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries.GetIfPresent(key)
	if ok && current != stale {
		c.metrics.recordOperation(context.Background(), "replace", "superseded")
		return current, false
	}

	entry = newEntry(key)
	c.entries.Set(key, entry)

	c.metrics.recordOperation(context.Background(), "replace", "created")
	if !ok {
		c.size++
		c.metrics.recordEntries(context.Background(), 1)
	}

	return entry, true
}

// Renew discards a completed entry for key and creates a new Loading one. An
// entry that is still loading has no data to discard, so it is returned as is
// and concurrent renewals share it.
func (c *ResponseCache) Renew(key string) (entry *Entry, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries.GetIfPresent(key)
	if ok && current.State() == Loading {
		c.metrics.recordOperation(context.Background(), "renew", "joined")
		return current, false
	}

	entry = newEntry(key)
	c.entries.Set(key, entry)

	c.metrics.recordOperation(context.Background(), "renew", "created")
	if !ok {
		c.size++
		c.metrics.recordEntries(context.Background(), 1)
	}

	return entry, true
}

// Remove drops the entry for key. Callers already holding the entry keep
// their reference and still observe its completion.
func (c *ResponseCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries.Invalidate(key); ok {
		c.size--
		c.metrics.recordEntries(context.Background(), -1)
	}
	c.metrics.recordOperation(context.Background(), "remove", "success")
}

// ClearAll drops every entry. It is called when the signed-in user changes.
func (c *ResponseCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.size
	c.entries.InvalidateAll()
	c.size = 0

	c.metrics.recordOperation(context.Background(), "clear_all", "success")
	c.metrics.recordEntries(context.Background(), -n)

	snapshot := c.counter.Snapshot()
	log.Debug().
		Int64("entries", n).
		Uint64("hits", snapshot.Hits).
		Uint64("misses", snapshot.Misses).
		Msg("cache: cleared response cache")
}
