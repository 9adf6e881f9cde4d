package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborlabs/harbor/internal/msg"
)

// Session is a conversation session row. Summary and SummaryLastMessageID
// together form the session's compaction record.
type Session struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title,omitempty"`
	Summary              string    `json:"summary,omitempty"`
	SummaryLastMessageID string    `json:"summary_last_message_id,omitempty"`
	MessageCount         int       `json:"message_count"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// MessageStore persists sessions and messages.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a message store over a shared Store.
func NewMessageStore(store *Store) *MessageStore {
	return &MessageStore{db: store.db}
}

// NewMessageStoreFromDB creates a message store from a raw connection.
func NewMessageStoreFromDB(sqlDB *sql.DB) *MessageStore {
	return &MessageStore{db: sqlDB}
}

// DB returns the underlying connection for sharing with other components.
func (s *MessageStore) DB() *sql.DB {
	return s.db
}

// GetOrCreateSession returns the session with the given title, creating
// it if needed.
func (s *MessageStore) GetOrCreateSession(ctx context.Context, title string) (*Session, error) {
	sess, err := s.getSessionByTitle(ctx, title)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Session{
		ID:        id,
		Title:     title,
		CreatedAt: time.Unix(now, 0),
		UpdatedAt: time.Unix(now, 0),
	}, nil
}

// GetSession returns a session by ID.
func (s *MessageStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, title, summary, summary_last_message_id, message_count, created_at, updated_at
		 FROM sessions WHERE id = ?`, sessionID))
}

func (s *MessageStore) getSessionByTitle(ctx context.Context, title string) (*Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, title, summary, summary_last_message_id, message_count, created_at, updated_at
		 FROM sessions WHERE title = ?`, title))
}

func (s *MessageStore) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var title, summary, lastID sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &title, &summary, &lastID, &sess.MessageCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Title = title.String
	sess.Summary = summary.String
	sess.SummaryLastMessageID = lastID.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// CreateMessage persists a message. A missing ID gets a fresh UUID; a
// missing creation time gets now; a zero ordering index gets the next
// per-session index so persistence order matches submission order even
// when timestamps collide.
func (s *MessageStore) CreateMessage(ctx context.Context, m msg.Message) (msg.Message, error) {
	if m.SessionID == "" {
		return m, fmt.Errorf("message has no session id")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	if m.OrderingIndex == 0 {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT message_count FROM sessions WHERE id = ?`, m.SessionID,
		).Scan(&count); err != nil {
			return m, fmt.Errorf("failed to resolve session %s: %w", m.SessionID, err)
		}
		m.OrderingIndex = int64(count) + 1
	}

	parts, err := msg.MarshalParts(m.Parts)
	if err != nil {
		return m, fmt.Errorf("failed to encode parts: %w", err)
	}

	var metadata sql.NullString
	if len(m.Metadata) > 0 {
		metadata = sql.NullString{String: string(m.Metadata), Valid: true}
	}
	var toolCallID sql.NullString
	if m.ToolCallID != "" {
		toolCallID = sql.NullString{String: m.ToolCallID, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, parts, created_at, ordering_index, metadata, token_count, is_compacted, tool_call_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), string(parts), m.CreatedAt.Unix(),
		m.OrderingIndex, metadata, m.TokenCount, boolToInt(m.IsCompacted), toolCallID,
	)
	if err != nil {
		return m, fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), m.SessionID,
	)
	if err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// GetMessages returns all messages for a session in canonical order.
func (s *MessageStore) GetMessages(ctx context.Context, sessionID string) ([]msg.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, parts, created_at, ordering_index, metadata, token_count, is_compacted, tool_call_id
		 FROM messages WHERE session_id = ?
		 ORDER BY ordering_index ASC, created_at ASC, id ASC`, sessionID)
}

// GetNonCompactedMessages returns the messages not yet folded into the
// session summary, in canonical order.
func (s *MessageStore) GetNonCompactedMessages(ctx context.Context, sessionID string) ([]msg.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, parts, created_at, ordering_index, metadata, token_count, is_compacted, tool_call_id
		 FROM messages WHERE session_id = ? AND is_compacted = 0
		 ORDER BY ordering_index ASC, created_at ASC, id ASC`, sessionID)
}

func (s *MessageStore) queryMessages(ctx context.Context, query string, args ...any) ([]msg.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []msg.Message
	for rows.Next() {
		var m msg.Message
		var role string
		var parts, metadata, toolCallID sql.NullString
		var createdAt int64
		var compacted int
		err := rows.Scan(&m.ID, &m.SessionID, &role, &parts, &createdAt,
			&m.OrderingIndex, &metadata, &m.TokenCount, &compacted, &toolCallID)
		if err != nil {
			return nil, err
		}
		m.Role = msg.Role(role)
		m.CreatedAt = time.Unix(createdAt, 0)
		m.IsCompacted = compacted != 0
		m.ToolCallID = toolCallID.String
		if metadata.Valid && metadata.String != "" {
			m.Metadata = []byte(metadata.String)
		}
		if parts.Valid && parts.String != "" {
			decoded, err := msg.UnmarshalParts([]byte(parts.String))
			if err != nil {
				return nil, fmt.Errorf("message %s: %w", m.ID, err)
			}
			m.Parts = decoded
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The SQL already orders; re-assert in Go so callers hold the
	// three-key invariant even if the query changes.
	msg.SortMessages(messages)
	return messages, nil
}

// GetSessionSummary retrieves the rolling summary for a session (if any).
func (s *MessageStore) GetSessionSummary(ctx context.Context, sessionID string) (string, error) {
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM sessions WHERE id = ?`, sessionID,
	).Scan(&summary)
	if err != nil {
		return "", err
	}
	return summary.String, nil
}

// UpdateSessionSummary persists the compaction record: the summary text
// and the ID of the newest message folded into it.
func (s *MessageStore) UpdateSessionSummary(ctx context.Context, sessionID, summary, summaryLastMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, summary_last_message_id = ?, updated_at = ? WHERE id = ?`,
		summary, summaryLastMessageID, time.Now().Unix(), sessionID,
	)
	return err
}

// MarkMessagesCompactedByIDs marks exactly the given message IDs as
// compacted, in one transaction. Selection is always by explicit ID set,
// never by timestamp inequality: multiple messages can share a timestamp.
func (s *MessageStore) MarkMessagesCompactedByIDs(ctx context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_compacted = 1 WHERE session_id = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to mark messages compacted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("expected to mark %d messages, marked %d", len(ids), affected)
	}
	return tx.Commit()
}

// CommitCompaction persists one compaction pass atomically: the summary
// text, the boundary message ID, and the compacted flags all land in a
// single transaction. A failure anywhere leaves no partial compaction
// record behind.
func (s *MessageStore) CommitCompaction(ctx context.Context, sessionID, summary, summaryLastMessageID string, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("no message ids to compact")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, summary_last_message_id = ?, updated_at = ? WHERE id = ?`,
		summary, summaryLastMessageID, time.Now().Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to persist summary: %w", err)
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_compacted = 1 WHERE session_id = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to mark messages compacted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("expected to mark %d messages, marked %d", len(ids), affected)
	}
	return tx.Commit()
}

// ListSessions returns all sessions, most recently updated first.
func (s *MessageStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, summary, summary_last_message_id, message_count, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var title, summary, lastID sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&sess.ID, &title, &summary, &lastID, &sess.MessageCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sess.Title = title.String
		sess.Summary = summary.String
		sess.SummaryLastMessageID = lastID.String
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ResetSession deletes all messages and clears the compaction record.
func (s *MessageStore) ResetSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = 0, summary = NULL, summary_last_message_id = NULL, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), sessionID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteSession removes a session; messages cascade.
func (s *MessageStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
