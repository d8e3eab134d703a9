package store

import "fmt"

// Message is a single turn within a conversation. Messages are insertion
// ordered per conversation; the engine's per-session mutex guarantees a
// single writer.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string // system, user, assistant
	Content        string
	Action         *string
	Tokens         int
	CostUSD        float64
	Model          *string
	Temperature    *float64
	ResponseTimeMs *int64
	CreatedAt      string
}

// InsertMessage appends a message to a conversation and returns its ID.
func (s *Store) InsertMessage(m *Message) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO messages (conversation_id, role, content, action, tokens, cost_usd, model, temperature, response_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.Role, m.Content, m.Action, m.Tokens, m.CostUSD, m.Model, m.Temperature, m.ResponseTimeMs, m.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// ListMessages returns all messages for a conversation in insertion order.
func (s *Store) ListMessages(conversationID int64) ([]Message, error) {
	rows, err := s.conn.Query(
		`SELECT id, conversation_id, role, content, action, tokens, cost_usd, model, temperature, response_time_ms, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Action, &m.Tokens,
			&m.CostUSD, &m.Model, &m.Temperature, &m.ResponseTimeMs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(conversationID int64) (int, error) {
	var count int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}
