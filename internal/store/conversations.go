package store

import (
	"database/sql"
	"fmt"
)

// Conversation represents one chat session's persisted state. Rolling sums
// mirror the aggregate over the conversation's messages; ended_at is set
// exactly when status leaves "active".
type Conversation struct {
	ID               int64
	SessionID        string
	Variant          string
	Version          int
	Status           string // active, completed, abandoned, escalated
	StartedAt        string
	EndedAt          *string
	TotalMessages    int
	TotalTokens      int
	TotalCostUSD     float64
	BookingCompleted bool
	EscalatedToHuman bool
	Satisfaction     *int
}

// Appointment is the booking row written when a conversation completes a
// booking. Scheduling policy lives outside the orchestrator; this is the
// minimal record the engine needs to hand back an id.
type Appointment struct {
	ID             int64
	ConversationID *int64
	CustomerName   string
	Phone          *string
	Email          *string
	ServiceType    *string
	ScheduledAt    *string
	Notes          *string
	CreatedAt      string
}

const conversationColumns = `id, session_id, variant, version, status, started_at, ended_at, total_messages, total_tokens, total_cost_usd, booking_completed, escalated_to_human, satisfaction`

func scanConversation(scanner interface{ Scan(...any) error }, c *Conversation) error {
	var booking, escalated int
	if err := scanner.Scan(&c.ID, &c.SessionID, &c.Variant, &c.Version, &c.Status, &c.StartedAt, &c.EndedAt,
		&c.TotalMessages, &c.TotalTokens, &c.TotalCostUSD, &booking, &escalated, &c.Satisfaction); err != nil {
		return err
	}
	c.BookingCompleted = booking == 1
	c.EscalatedToHuman = escalated == 1
	return nil
}

// InsertConversation creates a new conversation record and returns its ID.
func (s *Store) InsertConversation(c *Conversation) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO conversations (session_id, variant, version, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.SessionID, c.Variant, c.Version, c.Status, c.StartedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	return res.LastInsertId()
}

// GetConversation retrieves a single conversation by ID.
func (s *Store) GetConversation(id int64) (*Conversation, error) {
	c := &Conversation{}
	row := s.conn.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if err := scanConversation(row, c); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return c, nil
}

// GetConversationBySession retrieves a conversation by its session ID.
func (s *Store) GetConversationBySession(sessionID string) (*Conversation, error) {
	c := &Conversation{}
	row := s.conn.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE session_id = ?`, sessionID)
	if err := scanConversation(row, c); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get conversation by session %q: %w", sessionID, err)
	}
	return c, nil
}

// UpdateConversationRolling adds message/token/cost deltas to a conversation's
// rolling sums. Called once per persisted message batch so the sums stay equal
// to the aggregate over the conversation's messages.
func (s *Store) UpdateConversationRolling(id int64, messages, tokens int, costUSD float64) error {
	_, err := s.conn.Exec(
		`UPDATE conversations
		 SET total_messages = total_messages + ?,
		     total_tokens = total_tokens + ?,
		     total_cost_usd = total_cost_usd + ?
		 WHERE id = ?`,
		messages, tokens, costUSD, id,
	)
	if err != nil {
		return fmt.Errorf("update conversation rolling %d: %w", id, err)
	}
	return nil
}

// SetConversationStatus moves a conversation to a new status. For any
// non-active status, ended_at is stamped; re-activating clears it.
func (s *Store) SetConversationStatus(id int64, status string, endedAt *string) error {
	_, err := s.conn.Exec(
		`UPDATE conversations SET status = ?, ended_at = ? WHERE id = ?`,
		status, endedAt, id,
	)
	if err != nil {
		return fmt.Errorf("set conversation status %d: %w", id, err)
	}
	return nil
}

// SetBookingCompleted flags a conversation as having completed a booking.
func (s *Store) SetBookingCompleted(id int64) error {
	_, err := s.conn.Exec(`UPDATE conversations SET booking_completed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("set booking completed %d: %w", id, err)
	}
	return nil
}

// SetEscalated flags a conversation as handed off to a human.
func (s *Store) SetEscalated(id int64) error {
	_, err := s.conn.Exec(`UPDATE conversations SET escalated_to_human = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("set escalated %d: %w", id, err)
	}
	return nil
}

// SetSatisfaction records the 1-5 satisfaction score given at session end.
func (s *Store) SetSatisfaction(id int64, satisfaction int) error {
	_, err := s.conn.Exec(`UPDATE conversations SET satisfaction = ? WHERE id = ?`, satisfaction, id)
	if err != nil {
		return fmt.Errorf("set satisfaction %d: %w", id, err)
	}
	return nil
}

// ListConversationsByVariant returns the most recent conversations for a
// variant, newest first.
func (s *Store) ListConversationsByVariant(variant string, limit int) ([]Conversation, error) {
	rows, err := s.conn.Query(
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE variant = ? ORDER BY started_at DESC LIMIT ?`, variant, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// InsertAppointment creates a booking record and returns its ID.
func (s *Store) InsertAppointment(a *Appointment) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO appointments (conversation_id, customer_name, phone, email, service_type, scheduled_at, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ConversationID, a.CustomerName, a.Phone, a.Email, a.ServiceType, a.ScheduledAt, a.Notes, a.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert appointment: %w", err)
	}
	return res.LastInsertId()
}
