// Package store provides the durable record store for the agent harness.
// It owns five record types — messages, notables, background tasks,
// sessions, and key/value state — all persisted in a single SQLite
// database. Messages are append-only: once inserted they are never
// mutated, and ordering by id matches ordering by timestamp on a single
// process. All public methods are safe for concurrent use (SQLite
// serializes writes).
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message is one entry in the durable conversation log.
type Message struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	ToolInput string    `json:"tool_input,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  string    `json:"metadata,omitempty"`
}

// Notable is a curated highlight surfaced by the agent, distinct from
// the raw log.
type Notable struct {
	ID        int64     `json:"id"`
	Label     string    `json:"label"`
	Content   string    `json:"content"`
	Reason    string    `json:"reason,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task status values. Transitions are strictly running → completed or
// running → failed; terminal states are final.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// BackgroundTask is a tool invocation whose result is delivered
// asynchronously through the task registry.
type BackgroundTask struct {
	ID          string     `json:"id"`
	ToolName    string     `json:"tool_name"`
	Input       string     `json:"input"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Session delimits the conversation horizon visible in the working
// window. At most one session has a null ended_at at any time.
type Session struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	HandoffSummary string     `json:"handoff_summary,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Store is the SQLite-backed record store.
type Store struct {
	db *sql.DB
}

// Open creates a store at the given database path. The schema is
// created automatically on first use.
func Open(dbPath string) (*Store, error) {
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

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_name TEXT,
		tool_input TEXT,
		timestamp TIMESTAMP NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

	CREATE TABLE IF NOT EXISTS notables (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		content TEXT NOT NULL,
		reason TEXT,
		message_id INTEGER,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notables_timestamp ON notables(timestamp);

	CREATE TABLE IF NOT EXISTS background_tasks (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		input TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_background_tasks_status ON background_tasks(status);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		handoff_summary TEXT,
		ended_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendMessage inserts a message and returns it with its assigned id
// and server timestamp.
func (s *Store) AppendMessage(source, content, toolName, toolInput, metadata string) (*Message, error) {
	now := time.Now()

	res, err := s.db.Exec(`
		INSERT INTO messages (source, content, tool_name, tool_input, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, source, content, nullable(toolName), nullable(toolInput), now, nullable(metadata))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	return &Message{
		ID:        id,
		Source:    source,
		Content:   content,
		ToolName:  toolName,
		ToolInput: toolInput,
		Timestamp: now,
		Metadata:  metadata,
	}, nil
}

// ListMessages returns all messages ordered by id ascending.
func (s *Store) ListMessages() ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, source, content, tool_name, tool_input, timestamp, metadata
		FROM messages
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var toolName, toolInput, metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.Source, &m.Content, &toolName, &toolInput, &m.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolName = toolName.String
		m.ToolInput = toolInput.String
		m.Metadata = metadata.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AppendNotable inserts a notable. messageID of 0 means no linked message.
func (s *Store) AppendNotable(label, content, reason string, messageID int64) (*Notable, error) {
	now := time.Now()

	var msgID any
	if messageID != 0 {
		msgID = messageID
	}

	res, err := s.db.Exec(`
		INSERT INTO notables (label, content, reason, message_id, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, label, content, nullable(reason), msgID, now)
	if err != nil {
		return nil, fmt.Errorf("insert notable: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("notable id: %w", err)
	}

	return &Notable{
		ID:        id,
		Label:     label,
		Content:   content,
		Reason:    reason,
		MessageID: messageID,
		Timestamp: now,
	}, nil
}

// ListNotables returns notables newest first.
func (s *Store) ListNotables() ([]Notable, error) {
	rows, err := s.db.Query(`
		SELECT id, label, content, reason, message_id, timestamp
		FROM notables
		ORDER BY timestamp DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list notables: %w", err)
	}
	defer rows.Close()

	var notables []Notable
	for rows.Next() {
		var n Notable
		var reason sql.NullString
		var messageID sql.NullInt64
		if err := rows.Scan(&n.ID, &n.Label, &n.Content, &reason, &messageID, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("scan notable: %w", err)
		}
		n.Reason = reason.String
		n.MessageID = messageID.Int64
		notables = append(notables, n)
	}
	return notables, rows.Err()
}

// CreateTask inserts a background task in the running state and returns
// its id. Task ids are UUIDv7 so lexical order follows creation order.
func (s *Store) CreateTask(toolName, input string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	now := time.Now()

	_, err = s.db.Exec(`
		INSERT INTO background_tasks (id, tool_name, input, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), toolName, input, TaskRunning, now)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	return id.String(), nil
}

// CompleteTask marks a running task completed with the given result.
// No-op if the task is already terminal.
func (s *Store) CompleteTask(id, result string) error {
	_, err := s.db.Exec(`
		UPDATE background_tasks
		SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, TaskCompleted, result, time.Now(), id, TaskRunning)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return nil
}

// FailTask marks a running task failed with the given error message.
// No-op if the task is already terminal.
func (s *Store) FailTask(id, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE background_tasks
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, TaskFailed, errMsg, time.Now(), id, TaskRunning)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	return nil
}

// GetTask returns a task by id. The second return is false when the
// task does not exist.
func (s *Store) GetTask(id string) (*BackgroundTask, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, tool_name, input, status, result, error, created_at, completed_at
		FROM background_tasks WHERE id = ?
	`, id)

	var t BackgroundTask
	var result, errMsg sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ToolName, &t.Input, &t.Status, &result, &errMsg, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get task %s: %w", id, err)
	}

	t.Result = result.String
	t.Error = errMsg.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, true, nil
}

// TaskStats returns the count of background tasks by status.
func (s *Store) TaskStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM background_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// GetState returns the stored value for a key, or def if the key does
// not exist. Values are JSON text.
func (s *Store) GetState(key, def string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState upserts a key/value pair. Existing values are overwritten.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// StartSession opens a new session with an optional handoff summary.
// Any session still open is ended first, preserving the invariant that
// at most one session has a null ended_at.
func (s *Store) StartSession(handoffSummary string) (*Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()

	_, err = tx.Exec(`UPDATE sessions SET ended_at = ? WHERE ended_at IS NULL`, now)
	if err != nil {
		return nil, fmt.Errorf("end prior sessions: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO sessions (id, started_at, handoff_summary)
		VALUES (?, ?, ?)
	`, id.String(), now, nullable(handoffSummary))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}

	return &Session{
		ID:             id.String(),
		StartedAt:      now,
		HandoffSummary: handoffSummary,
	}, nil
}

// EndCurrentSession sets ended_at on the one open session, if any.
func (s *Store) EndCurrentSession() error {
	_, err := s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE ended_at IS NULL`, time.Now())
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// CurrentSession returns the open session. The second return is false
// when no session is open.
func (s *Store) CurrentSession() (*Session, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, handoff_summary, ended_at
		FROM sessions WHERE ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1
	`)

	var sess Session
	var summary sql.NullString
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.StartedAt, &summary, &endedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("current session: %w", err)
	}

	sess.HandoffSummary = summary.String
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, true, nil
}

// nullable converts an empty string to nil so the column stores NULL
// rather than "".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
