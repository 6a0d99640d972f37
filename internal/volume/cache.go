// Package volume caches keyword volume lookups. Lookups against the paid
// upstream service are keyed by normalized keyword plus locale and treated as
// fresh for a time-to-live, after which they are stale and re-fetched.
package volume

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"marketscope/internal/canon"
	"marketscope/internal/docstore"
	"marketscope/internal/logging"
)

// CacheCollection holds cached volume entries.
const CacheCollection = "volume_cache"

// DefaultTTL is how long a cached measure stays fresh.
const DefaultTTL = 30 * 24 * time.Hour

// readBatchSize bounds lookup fan-out. Requests are grouped and awaited
// per batch, never unbounded.
const readBatchSize = 20

// Entry is one cached volume measure.
type Entry struct {
	Key          string  `json:"key"`
	Keyword      string  `json:"keyword"`
	CountryCode  string  `json:"country_code"`
	LanguageCode string  `json:"language_code"`
	Location     string  `json:"location"`
	Volume       float64 `json:"volume"`
	CPC          float64 `json:"cpc"`
	Competition  float64 `json:"competition"`
	FetchedAtISO string  `json:"fetched_at_iso"`
}

// Locale identifies the lookup market.
type Locale struct {
	CountryCode  string
	LanguageCode string
	Location     string
}

// Key builds the deterministic cache key for a keyword in a locale. The
// keyword is normalized first so spellings that differ only cosmetically
// share an entry.
func Key(loc Locale, keyword string) string {
	return canon.JoinKey(loc.CountryCode, loc.LanguageCode, loc.Location, canon.Normalize(keyword))
}

// Cache is a document-store-backed volume cache.
type Cache struct {
	docs *docstore.Store
	ttl  time.Duration
	now  func() time.Time
}

// NewCache wraps a document store with the default TTL.
func NewCache(docs *docstore.Store) *Cache {
	return &Cache{docs: docs, ttl: DefaultTTL, now: time.Now}
}

// WithTTL overrides the freshness window.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	c.ttl = ttl
	return c
}

// Get returns the cached entry for one keyword, or nil when absent or stale.
// Stale entries are reported as misses, not errors.
func (c *Cache) Get(ctx context.Context, loc Locale, keyword string) (*Entry, error) {
	var e Entry
	err := c.docs.Get(ctx, CacheCollection, Key(loc, keyword), &e)
	if docstore.Classify(err) == docstore.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("volume cache get %q: %w", keyword, err)
	}
	if c.stale(&e) {
		logging.Get(logging.CategoryVolume).Debug("Entry %s stale (fetched %s), treating as miss", e.Key, e.FetchedAtISO)
		return nil, nil
	}
	return &e, nil
}

// GetMany looks up many keywords, fanning out in fixed-size awaited batches.
// The result maps cache key to entry; missing and stale keywords are simply
// absent from the map.
func (c *Cache) GetMany(ctx context.Context, loc Locale, keywords []string) (map[string]*Entry, error) {
	timer := logging.StartTimer(logging.CategoryVolume, "GetMany")
	defer timer.Stop()

	found := make(map[string]*Entry, len(keywords))
	results := make([]*Entry, len(keywords))

	for start := 0; start < len(keywords); start += readBatchSize {
		end := start + readBatchSize
		if end > len(keywords) {
			end = len(keywords)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				e, err := c.Get(gctx, loc, keywords[i])
				if err != nil {
					return err
				}
				results[i] = e
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("volume cache batch read: %w", err)
		}
	}

	for _, e := range results {
		if e != nil {
			found[e.Key] = e
		}
	}
	logging.Volume("Cache lookup for %d keywords: %d fresh hits", len(keywords), len(found))
	return found, nil
}

// SetMany writes entries in bounded sequential sub-batches, stamping each
// with the fetch time.
func (c *Cache) SetMany(ctx context.Context, loc Locale, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	batch := c.docs.NewBatch()
	for _, e := range entries {
		e.Key = Key(loc, e.Keyword)
		e.CountryCode = loc.CountryCode
		e.LanguageCode = loc.LanguageCode
		e.Location = loc.Location
		e.FetchedAtISO = now
		if err := batch.Set(CacheCollection, e.Key, e); err != nil {
			return fmt.Errorf("stage volume entry %s: %w", e.Key, err)
		}
	}
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("volume cache write: %w", err)
	}
	logging.Volume("Cached %d volume entries", len(entries))
	return nil
}

func (c *Cache) stale(e *Entry) bool {
	fetched, err := time.Parse("2006-01-02T15:04:05.000Z", e.FetchedAtISO)
	if err != nil {
		return true
	}
	return c.now().UTC().Sub(fetched) > c.ttl
}
