package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

func openTestCache(t *testing.T, maxEntries int) *ResponseCache {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, true, time.Hour, maxEntries)
}

func TestNormalize(t *testing.T) {
	got := Normalize("  How MUCH   for a\tdeep clean?  ")
	if got != "how much for a deep clean?" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestKeySeparatesVariants(t *testing.T) {
	if Key("hello", "a") == Key("hello", "b") {
		t.Error("same key across variants")
	}
	if Key("  Hello ", "a") != Key("hello", "a") {
		t.Error("normalization should share the key")
	}
}

func TestExactHit(t *testing.T) {
	c := openTestCache(t, 100)

	action := "continue"
	if err := c.Put("How much for a deep clean?", "baseline", &store.CacheEntry{
		ResponseMessage: "Deep cleans start at $150.",
		ResponseAction:  &action,
		Tokens:          40,
		CostUSD:         0.0004,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hit, err := c.Lookup("how much   for a DEEP clean?", "baseline")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil || !hit.Exact {
		t.Fatalf("expected exact hit, got %+v", hit)
	}
	if hit.Entry.ResponseMessage != "Deep cleans start at $150." {
		t.Errorf("response = %q", hit.Entry.ResponseMessage)
	}

	// Wrong variant misses.
	hit, err = c.Lookup("how much for a deep clean?", "candidate")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("cross-variant hit: %+v", hit)
	}
}

func TestSimilarityHit(t *testing.T) {
	c := openTestCache(t, 100)

	if err := c.Put("how much does a deep clean cost for my apartment", "baseline", &store.CacheEntry{
		ResponseMessage: "Deep cleans start at $150.",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Same tokens modulo inflection; crosses the similarity threshold
	// without matching the exact key.
	hit, err := c.Lookup("how much does a deep cleaning cost for my apartment", "baseline")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil {
		t.Fatal("expected similarity hit")
	}
	if hit.Exact {
		t.Error("hit should be approximate")
	}
	if hit.Similarity < similarityThreshold {
		t.Errorf("similarity = %f", hit.Similarity)
	}

	// A different question stays a miss.
	hit, err = c.Lookup("do you clean windows and gutters too", "baseline")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("unrelated question hit: %+v", hit)
	}
}

func TestStatsTracking(t *testing.T) {
	c := openTestCache(t, 100)

	if err := c.Put("question one", "baseline", &store.CacheEntry{
		ResponseMessage: "answer", Tokens: 30, CostUSD: 0.0002,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := c.Lookup("question one", "baseline"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Lookup("question two", "baseline"); err != nil {
		t.Fatal(err)
	}

	s, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if s.Hits != 1 || s.Misses != 1 || s.HitRate != 0.5 {
		t.Errorf("stats = %+v", s)
	}
	if s.TokensSaved != 30 {
		t.Errorf("tokens saved = %d", s.TokensSaved)
	}
}

func TestEvictionOverCapacity(t *testing.T) {
	c := openTestCache(t, 10)

	msgs := []string{
		"alpha one", "bravo two", "charlie three", "delta four", "echo five",
		"foxtrot six", "golf seven", "hotel eight", "india nine", "juliet ten",
		"kilo eleven",
	}
	for _, m := range msgs {
		if err := c.Put(m, "baseline", &store.CacheEntry{ResponseMessage: "r"}); err != nil {
			t.Fatalf("Put %q: %v", m, err)
		}
	}

	s, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if s.Entries > 10 {
		t.Errorf("entries = %d, eviction did not run", s.Entries)
	}
}

func TestDisabledCache(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c := New(st, false, time.Hour, 100)

	if err := c.Put("q", "v", &store.CacheEntry{ResponseMessage: "r"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	hit, err := c.Lookup("q", "v")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Errorf("disabled cache served a hit: %+v", hit)
	}
}
