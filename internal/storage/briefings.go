package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const briefingColumns = `id, agent_id, user_id, job_id, type, priority, title, summary, impact, actions, report_ref,
	conversation_id, context_data, status, importance_score, content_hash, created_at, read_at, actioned_at, expires_at`

// --- Briefings ---

// CreateBriefings inserts all briefings in one transaction.
func (s *Store) CreateBriefings(bs []Briefing) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning briefing transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO briefings (` + briefingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing briefing insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bs {
		actions, err := encodeJSON(b.Actions, "[]")
		if err != nil {
			return fmt.Errorf("encoding actions: %w", err)
		}
		ctxData, err := encodeJSON(b.ContextData, "{}")
		if err != nil {
			return fmt.Errorf("encoding context_data: %w", err)
		}
		status := b.Status
		if status == "" {
			status = StatusNew
		}
		if _, err := stmt.Exec(
			b.ID, b.AgentID, b.UserID, b.JobID, b.Type, b.Priority, b.Title, b.Summary, b.Impact, actions,
			b.ReportRef, b.ConversationID, ctxData, status, b.ImportanceScore, b.ContentHash,
			formatTime(b.CreatedAt), formatTime(b.ReadAt), formatTime(b.ActionedAt), formatTime(b.ExpiresAt),
		); err != nil {
			return fmt.Errorf("inserting briefing %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetBriefing(id string) (Briefing, error) {
	row := s.db.QueryRow(`SELECT `+briefingColumns+` FROM briefings WHERE id = ?`, id)
	b, err := scanBriefing(row)
	if err == sql.ErrNoRows {
		return Briefing{}, ErrNotFound
	}
	return b, err
}

// ListBriefings returns a user's briefings, newest first. An empty status
// matches every status.
func (s *Store) ListBriefings(userID, status string, limit int) ([]Briefing, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + briefingColumns + ` FROM briefings WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Briefing
	for rows.Next() {
		b, err := scanBriefing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBriefings returns how many briefings an agent created in [from, to).
func (s *Store) CountBriefings(agentID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM briefings WHERE agent_id = ? AND created_at >= ? AND created_at < ?`,
		agentID, formatTime(from), formatTime(to)).Scan(&n)
	return n, err
}

// BriefingHashExists reports whether agentID produced a briefing with hash
// at or after since.
func (s *Store) BriefingHashExists(agentID, hash string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM briefings WHERE agent_id = ? AND content_hash = ? AND created_at >= ?`,
		agentID, hash, formatTime(since)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TransitionBriefing moves a briefing from one status to another. It returns
// ErrNotFound for unknown ids and ErrConflict when the current status is not
// from.
func (s *Store) TransitionBriefing(id, from, to string, at time.Time) error {
	var column string
	switch to {
	case StatusRead:
		column = "read_at"
	case StatusActioned:
		column = "actioned_at"
	}
	query := `UPDATE briefings SET status = ? WHERE id = ? AND status = ?`
	args := []any{to, id, from}
	if column != "" {
		query = `UPDATE briefings SET status = ?, ` + column + ` = ? WHERE id = ? AND status = ?`
		args = []any{to, formatTime(at), id, from}
	}
	res, err := s.db.Exec(query, args...)
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
	if _, err := s.GetBriefing(id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *Store) LinkBriefingConversation(id, conversationID string) error {
	res, err := s.db.Exec(`UPDATE briefings SET conversation_id = ? WHERE id = ?`, conversationID, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func scanBriefing(r rowScanner) (Briefing, error) {
	var (
		b                                   Briefing
		actions, ctxData                    string
		createdAt, readAt, actAt, expiresAt string
	)
	err := r.Scan(
		&b.ID, &b.AgentID, &b.UserID, &b.JobID, &b.Type, &b.Priority, &b.Title, &b.Summary, &b.Impact, &actions,
		&b.ReportRef, &b.ConversationID, &ctxData, &b.Status, &b.ImportanceScore, &b.ContentHash,
		&createdAt, &readAt, &actAt, &expiresAt,
	)
	if err != nil {
		return Briefing{}, err
	}
	if err := decodeJSON("actions", actions, &b.Actions); err != nil {
		return Briefing{}, err
	}
	if err := decodeJSON("context_data", ctxData, &b.ContextData); err != nil {
		return Briefing{}, err
	}
	if b.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Briefing{}, err
	}
	if b.ReadAt, err = parseTime("read_at", readAt); err != nil {
		return Briefing{}, err
	}
	if b.ActionedAt, err = parseTime("actioned_at", actAt); err != nil {
		return Briefing{}, err
	}
	if b.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return Briefing{}, err
	}
	return b, nil
}

// --- Daily quota ---

// ReserveBriefingQuota atomically takes n units of agentID's quota for day.
// It returns false without changing anything when used+n would exceed limit.
func (s *Store) ReserveBriefingQuota(agentID, day string, n, limit int) (bool, error) {
	if n <= 0 || limit <= 0 || n > limit {
		return false, nil
	}
	res, err := s.db.Exec(`
		INSERT INTO briefing_quota (agent_id, day, used) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, day) DO UPDATE SET used = used + excluded.used
		WHERE used + excluded.used <= ?`,
		agentID, day, n, limit,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ReleaseBriefingQuota gives back n units taken by ReserveBriefingQuota.
func (s *Store) ReleaseBriefingQuota(agentID, day string, n int) error {
	_, err := s.db.Exec(`UPDATE briefing_quota SET used = MAX(used - ?, 0) WHERE agent_id = ? AND day = ?`,
		n, agentID, day)
	return err
}

func (s *Store) BriefingQuotaUsed(agentID, day string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT used FROM briefing_quota WHERE agent_id = ? AND day = ?`, agentID, day).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// --- Subscriptions ---

// Subscribe activates userID's subscription to agentID.
func (s *Store) Subscribe(agentID, userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_subscriptions (agent_id, user_id, active, created_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(agent_id, user_id) DO UPDATE SET active = 1`,
		agentID, userID, formatTime(s.now()),
	)
	return err
}

func (s *Store) Unsubscribe(agentID, userID string) error {
	res, err := s.db.Exec(`UPDATE agent_subscriptions SET active = 0 WHERE agent_id = ? AND user_id = ?`, agentID, userID)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// ListSubscribers returns the active subscribers of agentID in subscription order.
func (s *Store) ListSubscribers(agentID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM agent_subscriptions WHERE agent_id = ? AND active = 1
		ORDER BY created_at ASC, user_id ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
