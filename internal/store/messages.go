package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/chat"
)

// Message is a persisted conversation turn. Metadata is the tagged JSON
// form of the chat-level fields (tool calls, tool result linkage, image
// payloads, compaction marker).
type Message struct {
	ID        int64
	SessionID int64
	Role      string
	Content   string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// messageMeta is the serialized shape of Message.Metadata.
type messageMeta struct {
	Kind       string          `json:"kind,omitempty"`
	ToolCalls  []chat.ToolCall `json:"tool_calls,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Image      *chat.Image     `json:"image,omitempty"`
}

// AsChat decodes the row into the normalized conversation form.
func (m Message) AsChat() chat.Message {
	out := chat.Message{Role: chat.Role(m.Role), Content: m.Content}
	if len(m.Metadata) == 0 {
		return out
	}
	var meta messageMeta
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		return out
	}
	out.Kind = meta.Kind
	out.ToolCalls = meta.ToolCalls
	out.ToolName = meta.ToolName
	out.ToolCallID = meta.ToolCallID
	out.Image = meta.Image
	return out
}

func encodeMeta(msg chat.Message) (json.RawMessage, error) {
	meta := messageMeta{
		Kind:       msg.Kind,
		ToolCalls:  msg.ToolCalls,
		ToolName:   msg.ToolName,
		ToolCallID: msg.ToolCallID,
		Image:      msg.Image,
	}
	if meta.Kind == "" && len(meta.ToolCalls) == 0 && meta.ToolName == "" &&
		meta.ToolCallID == "" && meta.Image == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

// stripNUL removes NUL bytes, which sqlite text columns reject.
func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// AppendMessage persists a turn at the current time and bumps the session
// counter. Empty messages with no metadata are skipped.
func (s *Store) AppendMessage(sessionID int64, msg chat.Message) (int64, error) {
	return s.appendMessageAt(sessionID, msg, nowMillis())
}

// AppendMessageAt persists a turn with an explicit timestamp. The
// compactor uses it to place the summary at the head of the history.
func (s *Store) AppendMessageAt(sessionID int64, msg chat.Message, at time.Time) (int64, error) {
	return s.appendMessageAt(sessionID, msg, at.UnixMilli())
}

func (s *Store) appendMessageAt(sessionID int64, msg chat.Message, atMillis int64) (int64, error) {
	content := stripNUL(msg.Content)
	meta, err := encodeMeta(msg)
	if err != nil {
		return 0, errors.Wrap(err, "encode metadata")
	}
	if content == "" && meta == nil {
		return 0, nil
	}

	var metaArg any
	if meta != nil {
		metaArg = string(meta)
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(msg.Role), content, metaArg, atMillis)
	if err != nil {
		return 0, errors.Wrap(err, "insert message")
	}
	if _, err := s.db.Exec(`
		UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		nowMillis(), sessionID); err != nil {
		return 0, errors.Wrap(err, "bump message count")
	}
	return res.LastInsertId()
}

// GetMessages returns the session history in insertion order.
func (s *Store) GetMessages(sessionID int64) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, metadata, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var meta *string
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &meta, &created); err != nil {
			return nil, err
		}
		if meta != nil {
			m.Metadata = json.RawMessage(*meta)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages reports the number of persisted turns in a session.
func (s *Store) CountMessages(sessionID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// DeleteMessages removes the given rows. Used by the compactor to
// replace a summarized span.
func (s *Store) DeleteMessages(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM messages WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(query, args...)
	return errors.Wrap(err, "delete messages")
}

// ReplaceWithSummary atomically swaps a summarized span for its summary
// turn, placed at the span's earliest timestamp so history order holds,
// and refreshes the session counters. Returns the new message count.
func (s *Store) ReplaceWithSummary(sessionID int64, ids []int64, summary chat.Message, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, errors.New("empty span")
	}
	meta, err := encodeMeta(summary)
	if err != nil {
		return 0, errors.Wrap(err, "encode summary metadata")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin compaction")
	}
	defer tx.Rollback()

	query := `DELETE FROM messages WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return 0, errors.Wrap(err, "delete span")
	}

	var metaArg any
	if meta != nil {
		metaArg = string(meta)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(summary.Role), stripNUL(summary.Content), metaArg, at.UnixMilli()); err != nil {
		return 0, errors.Wrap(err, "insert summary")
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "recount messages")
	}
	if _, err := tx.Exec(`
		UPDATE sessions SET message_count = ?, summary = ?, updated_at = ? WHERE id = ?`,
		count, stripNUL(summary.Content), nowMillis(), sessionID); err != nil {
		return 0, errors.Wrap(err, "update session counters")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit compaction")
	}
	return count, nil
}
