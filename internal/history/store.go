// Package history provides the persistent audit trail of
// conversations and tool invocations.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudvoice/cloudvoice/internal/llm"
)

// Conversation is a recorded conversation with its messages.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// Message is a single recorded conversation entry.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	ToolCalls  string    `json:"tool_calls,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

// ToolCall is a recorded tool invocation.
type ToolCall struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	ToolName       string     `json:"tool_name"`
	Arguments      string     `json:"arguments"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMs     int64      `json:"duration_ms,omitempty"`
}

// Store is a SQLite-backed conversation history store.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a history store on an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		duration_ms INTEGER,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreateConversation ensures a conversation row exists.
func (s *Store) GetOrCreateConversation(id string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now, now)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// AddMessage appends a message to a conversation's record. Tool call
// payloads are stored as JSON for later inspection.
func (s *Store) AddMessage(conversationID string, msg llm.Message) error {
	if err := s.GetOrCreateConversation(conversationID); err != nil {
		return err
	}

	now := time.Now()
	msgID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	var toolCallID any
	if msg.ToolCallID != "" {
		toolCallID = msg.ToolCallID
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, timestamp, tool_calls, tool_call_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msgID.String(), conversationID, msg.Role, msg.Content, now, toolCalls, toolCallID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation with its messages, or nil if
// the conversation is unknown.
func (s *Store) GetConversation(id string) *Conversation {
	row := s.db.QueryRow(`SELECT id, created_at, updated_at FROM conversations WHERE id = ?`, id)

	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil
	}

	conv.Messages = s.GetMessages(id)
	return &conv
}

// GetMessages returns a conversation's messages in order.
func (s *Store) GetMessages(conversationID string) []Message {
	rows, err := s.db.Query(`
		SELECT role, content, timestamp, tool_calls, tool_call_id
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp, &toolCalls, &toolCallID); err != nil {
			continue
		}
		m.ToolCalls = toolCalls.String
		m.ToolCallID = toolCallID.String
		messages = append(messages, m)
	}
	return messages
}

// Clear removes a conversation and everything recorded under it.
func (s *Store) Clear(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM tool_calls WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordToolCall records the start of a tool invocation.
func (s *Store) RecordToolCall(conversationID, toolCallID, toolName, arguments string) error {
	if err := s.GetOrCreateConversation(conversationID); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		INSERT INTO tool_calls (id, conversation_id, tool_name, arguments, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, toolCallID, conversationID, toolName, arguments, time.Now())
	return err
}

// CompleteToolCall records a tool invocation's outcome.
func (s *Store) CompleteToolCall(toolCallID, result, errMsg string) error {
	now := time.Now()

	var startedAt time.Time
	err := s.db.QueryRow(`SELECT started_at FROM tool_calls WHERE id = ?`, toolCallID).Scan(&startedAt)
	if err != nil {
		return fmt.Errorf("tool call not found: %s", toolCallID)
	}

	_, err = s.db.Exec(`
		UPDATE tool_calls
		SET result = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`, result, errMsg, now, now.Sub(startedAt).Milliseconds(), toolCallID)
	return err
}

// GetToolCalls returns recorded tool calls, most recent first. An
// empty conversationID returns calls across all conversations.
func (s *Store) GetToolCalls(conversationID string, limit int) []ToolCall {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var rows *sql.Rows
	var err error
	if conversationID != "" {
		rows, err = s.db.Query(`
			SELECT id, conversation_id, tool_name, arguments, result, error, started_at, completed_at, duration_ms
			FROM tool_calls
			WHERE conversation_id = ?
			ORDER BY started_at DESC
			LIMIT ?
		`, conversationID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, conversation_id, tool_name, arguments, result, error, started_at, completed_at, duration_ms
			FROM tool_calls
			ORDER BY started_at DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var result, errMsg sql.NullString
		var completedAt sql.NullTime
		var durationMs sql.NullInt64

		err := rows.Scan(&tc.ID, &tc.ConversationID, &tc.ToolName, &tc.Arguments,
			&result, &errMsg, &tc.StartedAt, &completedAt, &durationMs)
		if err != nil {
			continue
		}

		tc.Result = result.String
		tc.Error = errMsg.String
		if completedAt.Valid {
			tc.CompletedAt = &completedAt.Time
		}
		tc.DurationMs = durationMs.Int64
		calls = append(calls, tc)
	}
	return calls
}

// Stats returns storage counters for diagnostics.
func (s *Store) Stats() map[string]any {
	var convCount, msgCount, callCount int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&callCount)

	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"tool_calls":    callCount,
		"storage":       "sqlite",
	}
}
