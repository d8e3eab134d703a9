package store

import "fmt"

// ConversationWindowStats aggregates conversation outcomes for one variant
// over a time window. Rates are means over the sampled conversations.
type ConversationWindowStats struct {
	Samples        int
	BookingRate    float64
	EscalationRate float64
	AvgCostUSD     float64
}

// GetConversationWindowStats aggregates conversations for a variant with
// started_at in [since, until).
func (s *Store) GetConversationWindowStats(variant, since, until string) (*ConversationWindowStats, error) {
	st := &ConversationWindowStats{}
	err := s.conn.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(AVG(booking_completed), 0),
		        COALESCE(AVG(escalated_to_human), 0),
		        COALESCE(AVG(total_cost_usd), 0)
		 FROM conversations
		 WHERE variant = ? AND started_at >= ? AND started_at < ?`,
		variant, since, until,
	).Scan(&st.Samples, &st.BookingRate, &st.EscalationRate, &st.AvgCostUSD)
	if err != nil {
		return nil, fmt.Errorf("conversation window stats: %w", err)
	}
	return st, nil
}

// GetAvgResponseTime returns the mean assistant response time in ms for a
// variant's messages created in [since, until).
func (s *Store) GetAvgResponseTime(variant, since, until string) (float64, int, error) {
	var avg float64
	var n int
	err := s.conn.QueryRow(
		`SELECT COALESCE(AVG(m.response_time_ms), 0), COUNT(*)
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.variant = ? AND m.role = 'assistant' AND m.response_time_ms IS NOT NULL
		   AND m.created_at >= ? AND m.created_at < ?`,
		variant, since, until,
	).Scan(&avg, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("avg response time: %w", err)
	}
	return avg, n, nil
}

// GetActionCounts returns per-action assistant message counts for a variant
// in [since, until).
func (s *Store) GetActionCounts(variant, since, until string) (map[string]int, error) {
	rows, err := s.conn.Query(
		`SELECT m.action, COUNT(*)
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.variant = ? AND m.role = 'assistant' AND m.action IS NOT NULL
		   AND m.created_at >= ? AND m.created_at < ?
		 GROUP BY m.action`,
		variant, since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("action counts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scan action count: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// VariantVersionStats aggregates conversations labeled with a specific
// variant and prompt version, for version comparison.
type VariantVersionStats struct {
	Conversations   int
	BookingRate     float64
	EscalationRate  float64
	AvgCostUSD      float64
	AvgTokens       float64
	AvgSatisfaction float64
}

// GetVariantVersionStats aggregates over conversations for (variant, version).
func (s *Store) GetVariantVersionStats(variant string, version int) (*VariantVersionStats, error) {
	st := &VariantVersionStats{}
	err := s.conn.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(AVG(booking_completed), 0),
		        COALESCE(AVG(escalated_to_human), 0),
		        COALESCE(AVG(total_cost_usd), 0),
		        COALESCE(AVG(total_tokens), 0),
		        COALESCE(AVG(satisfaction), 0)
		 FROM conversations WHERE variant = ? AND version = ?`,
		variant, version,
	).Scan(&st.Conversations, &st.BookingRate, &st.EscalationRate, &st.AvgCostUSD, &st.AvgTokens, &st.AvgSatisfaction)
	if err != nil {
		return nil, fmt.Errorf("variant version stats: %w", err)
	}
	return st, nil
}

// VariantAnalytics summarizes a variant for the analytics endpoint.
type VariantAnalytics struct {
	Variant         string
	Conversations   int
	Bookings        int
	Escalations     int
	TotalCostUSD    float64
	TotalTokens     int64
	AvgSatisfaction float64
}

// GetVariantAnalytics aggregates all conversations grouped by variant.
func (s *Store) GetVariantAnalytics() ([]VariantAnalytics, error) {
	rows, err := s.conn.Query(
		`SELECT variant, COUNT(*),
		        COALESCE(SUM(booking_completed), 0),
		        COALESCE(SUM(escalated_to_human), 0),
		        COALESCE(SUM(total_cost_usd), 0),
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(AVG(satisfaction), 0)
		 FROM conversations GROUP BY variant ORDER BY variant`,
	)
	if err != nil {
		return nil, fmt.Errorf("variant analytics: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []VariantAnalytics
	for rows.Next() {
		var a VariantAnalytics
		if err := rows.Scan(&a.Variant, &a.Conversations, &a.Bookings, &a.Escalations, &a.TotalCostUSD, &a.TotalTokens, &a.AvgSatisfaction); err != nil {
			return nil, fmt.Errorf("scan variant analytics: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListRecentConversationOutcomes returns up to limit recent conversations for
// a variant along with their messages, newest conversations first. Used by
// the retraining data collector.
type ConversationOutcome struct {
	Conversation Conversation
	Messages     []Message
}

func (s *Store) ListRecentConversationOutcomes(variant string, limit int) ([]ConversationOutcome, error) {
	conversations, err := s.ListConversationsByVariant(variant, limit)
	if err != nil {
		return nil, err
	}

	outcomes := make([]ConversationOutcome, 0, len(conversations))
	for _, c := range conversations {
		messages, err := s.ListMessages(c.ID)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, ConversationOutcome{Conversation: c, Messages: messages})
	}
	return outcomes, nil
}
