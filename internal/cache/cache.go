// Package cache persists LLM responses keyed by normalized user message and
// variant, with a similarity fallback for near-identical phrasings.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

const (
	// DefaultTTL bounds how long a cached response may be served.
	DefaultTTL = time.Hour
	// DefaultMaxEntries triggers LRU eviction when exceeded.
	DefaultMaxEntries = 1000

	similarityThreshold = 0.85
	similarityScanLimit = 100
	evictFraction       = 10 // evict 1/10th of max when over
)

// Hit is a served cache entry plus how it matched.
type Hit struct {
	Entry *store.CacheEntry
	// Exact is false when the hit came from similarity matching.
	Exact bool
	// Similarity is the Jaccard score for approximate hits, 1 for exact.
	Similarity float64
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits         int64
	Misses       int64
	HitRate      float64
	Entries      int
	CostSavedUSD float64
	TokensSaved  int64
}

// ResponseCache fronts the response_cache table. All state lives in the
// store; this type adds keying, normalization, similarity matching, and
// eviction policy.
type ResponseCache struct {
	store      *store.Store
	enabled    bool
	ttl        time.Duration
	maxEntries int

	hits        atomic.Int64
	misses      atomic.Int64
	costSaved   atomic.Int64 // microdollars
	tokensSaved atomic.Int64
}

// New builds a cache. ttl and maxEntries fall back to defaults when zero.
func New(st *store.Store, enabled bool, ttl time.Duration, maxEntries int) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &ResponseCache{store: st, enabled: enabled, ttl: ttl, maxEntries: maxEntries}
}

// Normalize lowercases, trims, and collapses runs of whitespace so trivial
// phrasing differences share a key.
func Normalize(message string) string {
	return strings.Join(strings.Fields(strings.ToLower(message)), " ")
}

// Key hashes the normalized message and variant. The separator byte keeps
// (message, variant) pairs from colliding by concatenation.
func Key(message, variant string) string {
	h := sha256.Sum256([]byte(Normalize(message) + "\x1e" + variant))
	return hex.EncodeToString(h[:])
}

// Lookup returns a hit for the message under the variant, trying the exact
// key first and falling back to similarity over recently used entries.
func (c *ResponseCache) Lookup(message, variant string) (*Hit, error) {
	if !c.enabled {
		return nil, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)

	entry, err := c.store.GetCacheEntryByHash(Key(message, variant), now)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if entry != nil {
		c.recordHit(entry, now)
		return &Hit{Entry: entry, Exact: true, Similarity: 1}, nil
	}

	recent, err := c.store.ListRecentCacheEntries(variant, now, similarityScanLimit)
	if err != nil {
		return nil, fmt.Errorf("cache similarity scan: %w", err)
	}
	want := tokenSet(message)
	var best *store.CacheEntry
	bestScore := 0.0
	for i := range recent {
		score := jaccard(want, tokenSet(recent[i].UserMessage))
		if score >= similarityThreshold && score > bestScore {
			best = &recent[i]
			bestScore = score
		}
	}
	if best != nil {
		c.recordHit(best, now)
		return &Hit{Entry: best, Similarity: bestScore}, nil
	}

	c.misses.Add(1)
	return nil, nil
}

func (c *ResponseCache) recordHit(entry *store.CacheEntry, now string) {
	c.hits.Add(1)
	c.costSaved.Add(int64(entry.CostUSD * 1e6))
	c.tokensSaved.Add(int64(entry.Tokens))
	if err := c.store.TouchCacheEntry(entry.ID, now); err != nil {
		log.Printf("cache: touch entry: %v", err)
	}
}

// Put stores a response. Over-capacity tables shed their least recently
// used tenth.
func (c *ResponseCache) Put(message, variant string, entry *store.CacheEntry) error {
	if !c.enabled {
		return nil
	}
	now := time.Now().UTC()
	entry.MessageHash = Key(message, variant)
	entry.UserMessage = Normalize(message)
	entry.Variant = variant
	entry.ExpiresAt = now.Add(c.ttl).Format(time.RFC3339)
	entry.CreatedAt = now.Format(time.RFC3339)
	entry.LastAccessed = now.Format(time.RFC3339)

	if err := c.store.UpsertCacheEntry(entry); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	count, err := c.store.CountCacheEntries()
	if err != nil {
		return fmt.Errorf("cache count: %w", err)
	}
	if count > c.maxEntries {
		evict := c.maxEntries / evictFraction
		if evict < 1 {
			evict = 1
		}
		if _, err := c.store.EvictLRUCacheEntries(evict); err != nil {
			return fmt.Errorf("cache evict: %w", err)
		}
	}
	return nil
}

// Sweep drops expired rows. Run periodically.
func (c *ResponseCache) Sweep() (int64, error) {
	return c.store.DeleteExpiredCacheEntries(time.Now().UTC().Format(time.RFC3339))
}

// Clear removes all entries, or only one variant's when non-empty.
func (c *ResponseCache) Clear(variant string) (int64, error) {
	return c.store.ClearCache(variant)
}

// Snapshot returns current effectiveness counters.
func (c *ResponseCache) Snapshot() (Stats, error) {
	entries, err := c.store.CountCacheEntries()
	if err != nil {
		return Stats{}, err
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		Hits:         hits,
		Misses:       misses,
		Entries:      entries,
		CostSavedUSD: float64(c.costSaved.Load()) / 1e6,
		TokensSaved:  c.tokensSaved.Load(),
	}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}
	return s, nil
}

// tokenSet tokenizes with light suffix stemming so "cleaning"/"cleaned"
// and "clean" land on the same token.
func tokenSet(message string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(Normalize(message)) {
		tok = strings.Trim(tok, ".,!?;:'\"")
		if tok == "" {
			continue
		}
		set[stem(tok)] = true
	}
	return set
}

func stem(tok string) string {
	switch {
	case len(tok) > 5 && strings.HasSuffix(tok, "ing"):
		return tok[:len(tok)-3]
	case len(tok) > 4 && strings.HasSuffix(tok, "ed"):
		return tok[:len(tok)-2]
	case len(tok) > 3 && strings.HasSuffix(tok, "s"):
		return tok[:len(tok)-1]
	}
	return tok
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
