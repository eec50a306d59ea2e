package storage

import (
	"database/sql"
	"fmt"
)

// --- Conversations ---

func (s *Store) CreateConversation(c Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Status == "" {
		c.Status = ConversationActive
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, agent_id, title, status, briefing_id, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.AgentID, c.Title, c.Status, c.BriefingID,
		formatTime(c.CreatedAt), formatTime(c.LastMessageAt),
	)
	return err
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	row := s.db.QueryRow(`SELECT id, user_id, agent_id, title, status, briefing_id, created_at, last_message_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns a user's conversations, most recently active first.
func (s *Store) ListConversations(userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, user_id, agent_id, title, status, briefing_id, created_at, last_message_at
		FROM conversations WHERE user_id = ?
		ORDER BY CASE WHEN last_message_at = '' THEN created_at ELSE last_message_at END DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionConversation changes status only when the current status is from.
func (s *Store) TransitionConversation(id, from, to string) error {
	res, err := s.db.Exec(`UPDATE conversations SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetConversation(id); err != nil {
		return err
	}
	return ErrConflict
}

func scanConversation(r rowScanner) (Conversation, error) {
	var c Conversation
	var createdAt, lastMsg string
	if err := r.Scan(&c.ID, &c.UserID, &c.AgentID, &c.Title, &c.Status, &c.BriefingID, &createdAt, &lastMsg); err != nil {
		return Conversation{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Conversation{}, err
	}
	if c.LastMessageAt, err = parseTime("last_message_at", lastMsg); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// --- Messages ---

// AppendMessage adds m to the end of its conversation and advances
// last_message_at. last_message_at never moves backwards, even when m
// carries an older timestamp.
func (s *Store) AppendMessage(m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	attachments, err := encodeJSON(m.Attachments, "[]")
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, m.ConversationID).
		Scan(&seq); err != nil {
		return fmt.Errorf("computing message sequence: %w", err)
	}

	ts := formatTime(m.CreatedAt)
	res, err := tx.Exec(`UPDATE conversations SET last_message_at = MAX(last_message_at, ?) WHERE id = ?`,
		ts, m.ConversationID)
	if err != nil {
		return fmt.Errorf("advancing last_message_at: %w", err)
	}
	if err := affectedOne(res); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, seq, role, content, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, seq, m.Role, m.Content, attachments, ts,
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return tx.Commit()
}

// RecentMessages returns up to limit of the latest messages in a
// conversation, oldest first. limit <= 0 returns every message.
func (s *Store) RecentMessages(conversationID string, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, attachments, created_at FROM (
		SELECT id, conversation_id, seq, role, content, attachments, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var attachments, createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &attachments, &createdAt); err != nil {
			return nil, err
		}
		if err := decodeJSON("attachments", attachments, &m.Attachments); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
