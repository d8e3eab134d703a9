package store

import (
	"database/sql"
	"fmt"
)

// CacheEntry is one cached LLM response, keyed by a hash of the normalized
// user message plus the variant.
type CacheEntry struct {
	ID              int64
	MessageHash     string
	UserMessage     string
	Variant         string
	ResponseMessage string
	ResponseAction  *string
	ResponseData    *string
	Model           *string
	Tokens          int
	CostUSD         float64
	ResponseTimeMs  *int64
	ExpiresAt       string
	HitCount        int
	CreatedAt       string
	LastAccessed    string
}

const cacheColumns = `id, message_hash, user_message, variant, response_message, response_action, response_data, model, tokens, cost_usd, response_time_ms, expires_at, hit_count, created_at, last_accessed`

func scanCacheEntry(scanner interface{ Scan(...any) error }, e *CacheEntry) error {
	return scanner.Scan(&e.ID, &e.MessageHash, &e.UserMessage, &e.Variant, &e.ResponseMessage,
		&e.ResponseAction, &e.ResponseData, &e.Model, &e.Tokens, &e.CostUSD, &e.ResponseTimeMs,
		&e.ExpiresAt, &e.HitCount, &e.CreatedAt, &e.LastAccessed)
}

// UpsertCacheEntry inserts a cache entry, replacing any existing row with the
// same message hash.
func (s *Store) UpsertCacheEntry(e *CacheEntry) error {
	_, err := s.conn.Exec(
		`INSERT INTO response_cache (message_hash, user_message, variant, response_message, response_action, response_data, model, tokens, cost_usd, response_time_ms, expires_at, hit_count, created_at, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(message_hash) DO UPDATE SET
		     response_message = excluded.response_message,
		     response_action = excluded.response_action,
		     response_data = excluded.response_data,
		     model = excluded.model,
		     tokens = excluded.tokens,
		     cost_usd = excluded.cost_usd,
		     response_time_ms = excluded.response_time_ms,
		     expires_at = excluded.expires_at,
		     last_accessed = excluded.last_accessed`,
		e.MessageHash, e.UserMessage, e.Variant, e.ResponseMessage, e.ResponseAction, e.ResponseData,
		e.Model, e.Tokens, e.CostUSD, e.ResponseTimeMs, e.ExpiresAt, e.CreatedAt, e.LastAccessed,
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// GetCacheEntryByHash returns the unexpired cache entry for a hash, or nil.
// Expired rows are never returned; the sweeper removes them later.
func (s *Store) GetCacheEntryByHash(hash, now string) (*CacheEntry, error) {
	e := &CacheEntry{}
	row := s.conn.QueryRow(
		`SELECT `+cacheColumns+` FROM response_cache WHERE message_hash = ? AND expires_at > ?`, hash, now,
	)
	if err := scanCacheEntry(row, e); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return e, nil
}

// TouchCacheEntry records a hit: increments hit_count and refreshes
// last_accessed. Atomic per entry.
func (s *Store) TouchCacheEntry(id int64, now string) error {
	_, err := s.conn.Exec(
		`UPDATE response_cache SET hit_count = hit_count + 1, last_accessed = ? WHERE id = ?`, now, id,
	)
	if err != nil {
		return fmt.Errorf("touch cache entry %d: %w", id, err)
	}
	return nil
}

// ListRecentCacheEntries returns up to limit unexpired entries for a variant,
// most recently accessed first. Used for approximate-similarity lookup.
func (s *Store) ListRecentCacheEntries(variant, now string, limit int) ([]CacheEntry, error) {
	rows, err := s.conn.Query(
		`SELECT `+cacheColumns+` FROM response_cache
		 WHERE variant = ? AND expires_at > ?
		 ORDER BY last_accessed DESC LIMIT ?`, variant, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent cache entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := scanCacheEntry(rows, &e); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountCacheEntries returns the total number of cache rows.
func (s *Store) CountCacheEntries() (int, error) {
	var count int
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM response_cache`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return count, nil
}

// DeleteExpiredCacheEntries removes rows whose TTL has passed and returns the
// number deleted.
func (s *Store) DeleteExpiredCacheEntries(now string) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM response_cache WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

// EvictLRUCacheEntries drops the n least-recently-accessed rows.
func (s *Store) EvictLRUCacheEntries(n int) (int64, error) {
	res, err := s.conn.Exec(
		`DELETE FROM response_cache WHERE id IN (
		     SELECT id FROM response_cache ORDER BY last_accessed ASC LIMIT ?
		 )`, n,
	)
	if err != nil {
		return 0, fmt.Errorf("evict lru cache entries: %w", err)
	}
	return res.RowsAffected()
}

// ClearCache removes all cache rows, or only a variant's rows when variant is
// non-empty.
func (s *Store) ClearCache(variant string) (int64, error) {
	var res sql.Result
	var err error
	if variant == "" {
		res, err = s.conn.Exec(`DELETE FROM response_cache`)
	} else {
		res, err = s.conn.Exec(`DELETE FROM response_cache WHERE variant = ?`, variant)
	}
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	return res.RowsAffected()
}
