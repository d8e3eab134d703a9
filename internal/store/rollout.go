package store

import "fmt"

// ShadowComparison records one dual execution of a primary and shadow variant.
// difference_score is token-set similarity in [0,1] where 1 means identical.
type ShadowComparison struct {
	ID                int64
	PrimaryVariant    string
	ShadowVariant     string
	PrimaryResponse   *string
	ShadowResponse    *string
	PrimaryDurationMs int64
	ShadowDurationMs  int64
	Different         bool
	DifferenceScore   float64
	CreatedAt         string
}

// CanaryEvent records a canary lifecycle transition.
type CanaryEvent struct {
	ID              int64
	CanaryVariant   string
	StableVariant   string
	Stage           int    // 10, 25, 50, 100
	Event           string // start, promote, rollback, stop, health_fail
	Reason          *string
	MetricsSnapshot *string
	CreatedAt       string
}

// InsertShadowComparison appends a shadow comparison row.
func (s *Store) InsertShadowComparison(c *ShadowComparison) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO shadow_comparisons (primary_variant, shadow_variant, primary_response, shadow_response, primary_duration_ms, shadow_duration_ms, different, difference_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.PrimaryVariant, c.ShadowVariant, c.PrimaryResponse, c.ShadowResponse,
		c.PrimaryDurationMs, c.ShadowDurationMs, boolToInt(c.Different), c.DifferenceScore, c.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert shadow comparison: %w", err)
	}
	return res.LastInsertId()
}

// ShadowStats aggregates comparisons for a primary/shadow pair.
type ShadowStats struct {
	Samples            int
	Different          int
	AvgPrimaryMs       float64
	AvgShadowMs        float64
	AvgDifferenceScore float64
}

// GetShadowStats aggregates all comparisons recorded for a variant pair.
func (s *Store) GetShadowStats(primary, shadow string) (*ShadowStats, error) {
	st := &ShadowStats{}
	err := s.conn.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(different), 0),
		        COALESCE(AVG(primary_duration_ms), 0),
		        COALESCE(AVG(shadow_duration_ms), 0),
		        COALESCE(AVG(difference_score), 0)
		 FROM shadow_comparisons WHERE primary_variant = ? AND shadow_variant = ?`,
		primary, shadow,
	).Scan(&st.Samples, &st.Different, &st.AvgPrimaryMs, &st.AvgShadowMs, &st.AvgDifferenceScore)
	if err != nil {
		return nil, fmt.Errorf("shadow stats: %w", err)
	}
	return st, nil
}

// ListShadowComparisons returns the most recent comparisons for a pair.
func (s *Store) ListShadowComparisons(primary, shadow string, limit int) ([]ShadowComparison, error) {
	rows, err := s.conn.Query(
		`SELECT id, primary_variant, shadow_variant, primary_response, shadow_response, primary_duration_ms, shadow_duration_ms, different, difference_score, created_at
		 FROM shadow_comparisons WHERE primary_variant = ? AND shadow_variant = ?
		 ORDER BY id DESC LIMIT ?`, primary, shadow, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list shadow comparisons: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var comparisons []ShadowComparison
	for rows.Next() {
		var c ShadowComparison
		var different int
		if err := rows.Scan(&c.ID, &c.PrimaryVariant, &c.ShadowVariant, &c.PrimaryResponse, &c.ShadowResponse,
			&c.PrimaryDurationMs, &c.ShadowDurationMs, &different, &c.DifferenceScore, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan shadow comparison: %w", err)
		}
		c.Different = different == 1
		comparisons = append(comparisons, c)
	}
	return comparisons, rows.Err()
}

// InsertCanaryEvent appends a canary event row.
func (s *Store) InsertCanaryEvent(e *CanaryEvent) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO canary_events (canary_variant, stable_variant, stage, event, reason, metrics_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.CanaryVariant, e.StableVariant, e.Stage, e.Event, e.Reason, e.MetricsSnapshot, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert canary event: %w", err)
	}
	return res.LastInsertId()
}

// ListCanaryEvents returns the most recent canary events, newest first.
func (s *Store) ListCanaryEvents(limit int) ([]CanaryEvent, error) {
	rows, err := s.conn.Query(
		`SELECT id, canary_variant, stable_variant, stage, event, reason, metrics_snapshot, created_at
		 FROM canary_events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list canary events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []CanaryEvent
	for rows.Next() {
		var e CanaryEvent
		if err := rows.Scan(&e.ID, &e.CanaryVariant, &e.StableVariant, &e.Stage, &e.Event, &e.Reason, &e.MetricsSnapshot, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan canary event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
