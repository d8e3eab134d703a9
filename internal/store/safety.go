package store

import "fmt"

// SafetyEvent records one safety-pipeline decision. The user_message column
// only ever holds a redacted snippet; raw input is never persisted here.
type SafetyEvent struct {
	ID             int64
	ConversationID *int64
	CheckType      string
	UserMessage    string
	Blocked        bool
	ViolationType  *string
	CreatedAt      string
}

// PIIEvent records the outcome of a PII scan. It carries types, counts, and
// risk scoring only — no raw PII.
type PIIEvent struct {
	ID             int64
	ConversationID *int64
	SessionID      *string
	Source         string // user_message, ai_response, log
	PIIDetected    bool
	PIITypes       string // CSV
	RiskLevel      string
	RiskScore      int
	RedactedCount  int
	MessageLength  int
	CreatedAt      string
}

// InsertSafetyEvent appends a safety event.
func (s *Store) InsertSafetyEvent(e *SafetyEvent) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO safety_events (conversation_id, check_type, user_message, blocked, violation_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.CheckType, e.UserMessage, boolToInt(e.Blocked), e.ViolationType, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert safety event: %w", err)
	}
	return res.LastInsertId()
}

// InsertPIIEvent appends a PII event.
func (s *Store) InsertPIIEvent(e *PIIEvent) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO pii_events (conversation_id, session_id, source, pii_detected, pii_types, risk_level, risk_score, redacted_count, message_length, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.SessionID, e.Source, boolToInt(e.PIIDetected), e.PIITypes, e.RiskLevel,
		e.RiskScore, e.RedactedCount, e.MessageLength, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert pii event: %w", err)
	}
	return res.LastInsertId()
}

// ListSafetyEvents returns the most recent safety events, newest first.
func (s *Store) ListSafetyEvents(limit int) ([]SafetyEvent, error) {
	rows, err := s.conn.Query(
		`SELECT id, conversation_id, check_type, user_message, blocked, violation_type, created_at
		 FROM safety_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list safety events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []SafetyEvent
	for rows.Next() {
		var e SafetyEvent
		var blocked int
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.CheckType, &e.UserMessage, &blocked, &e.ViolationType, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan safety event: %w", err)
		}
		e.Blocked = blocked == 1
		events = append(events, e)
	}
	return events, rows.Err()
}

// SafetyEventCounts summarizes blocked/allowed totals per check type.
type SafetyEventCounts struct {
	CheckType string
	Total     int
	Blocked   int
}

// CountSafetyEvents aggregates safety events per check type since a cutoff.
func (s *Store) CountSafetyEvents(since string) ([]SafetyEventCounts, error) {
	rows, err := s.conn.Query(
		`SELECT check_type, COUNT(*), COALESCE(SUM(blocked), 0)
		 FROM safety_events WHERE created_at >= ? GROUP BY check_type`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("count safety events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var counts []SafetyEventCounts
	for rows.Next() {
		var c SafetyEventCounts
		if err := rows.Scan(&c.CheckType, &c.Total, &c.Blocked); err != nil {
			return nil, fmt.Errorf("scan safety event counts: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// CountPIIEventsByRisk aggregates PII events per risk level since a cutoff.
func (s *Store) CountPIIEventsByRisk(since string) (map[string]int, error) {
	rows, err := s.conn.Query(
		`SELECT COALESCE(risk_level, 'NONE'), COUNT(*)
		 FROM pii_events WHERE created_at >= ? GROUP BY risk_level`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("count pii events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[string]int)
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan pii event counts: %w", err)
		}
		counts[level] = n
	}
	return counts, rows.Err()
}
