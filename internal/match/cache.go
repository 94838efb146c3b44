package match

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// RetryBackoff is how long the cache waits after a failed load before trying again.
const RetryBackoff = 5 * time.Second

// Source supplies the enrolled embeddings, keyed by employee ID.
type Source interface {
	CachedEmbeddings(ctx context.Context) (map[string]types.KnownFace, error)
}

// Cache holds the known embedding set between refreshes. It is owned by the
// recognition loop goroutine and is not safe for concurrent use.
type Cache struct {
	src      Source
	interval time.Duration
	dim      int
	now      func() time.Time

	entries     []Entry
	loadedAt    time.Time
	failedAt    time.Time
	stale       bool
	everLoaded  bool
	lastDropped int
}

// NewCache returns an empty cache that reloads from src every interval.
func NewCache(src Source, interval time.Duration, dim int) *Cache {
	return &Cache{
		src:      src,
		interval: interval,
		dim:      dim,
		now:      time.Now,
		stale:    true,
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Entries returns the admitted identities, ordered by employee ID.
func (c *Cache) Entries() []Entry { return c.entries }

// Len is the number of admitted identities.
func (c *Cache) Len() int { return len(c.entries) }

// Dropped is the number of rows rejected by the last successful load.
func (c *Cache) Dropped() int { return c.lastDropped }

// Invalidate forces a reload on the next RefreshIfStale.
func (c *Cache) Invalidate() {
	c.stale = true
	c.failedAt = time.Time{}
}

// RefreshIfStale reloads when the cache was invalidated or its contents are
// older than the refresh interval. A failed load keeps the previous contents.
func (c *Cache) RefreshIfStale(ctx context.Context) (bool, error) {
	now := c.now()
	if !c.stale && now.Sub(c.loadedAt) < c.interval {
		return false, nil
	}
	if !c.failedAt.IsZero() && now.Sub(c.failedAt) < RetryBackoff {
		return false, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh loads the embedding set unconditionally.
func (c *Cache) Refresh(ctx context.Context) error {
	known, err := c.src.CachedEmbeddings(ctx)
	if err != nil {
		c.failedAt = c.now()
		return fmt.Errorf("failed to load known embeddings: %w", err)
	}

	entries := make([]Entry, 0, len(known))
	dropped := 0
	for id, kf := range known {
		if c.dim > 0 && len(kf.Embedding) != c.dim {
			log.Printf("[Cache] Dropping embedding for %s: dimension %d, want %d", id, len(kf.Embedding), c.dim)
			dropped++
			continue
		}
		e := Prepare(kf.Embedding)
		if e == nil {
			log.Printf("[Cache] Dropping embedding for %s: failed quality gate", id)
			dropped++
			continue
		}
		name := kf.Name
		if name == "" {
			name = id
		}
		entries = append(entries, Entry{EmployeeID: id, Name: name, Embedding: e})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EmployeeID < entries[j].EmployeeID })

	c.entries = entries
	c.lastDropped = dropped
	c.loadedAt = c.now()
	c.failedAt = time.Time{}
	c.stale = false
	if !c.everLoaded || dropped > 0 {
		log.Printf("[Cache] Loaded %d known faces (%d dropped)", len(entries), dropped)
	}
	c.everLoaded = true
	return nil
}
