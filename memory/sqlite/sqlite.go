// Package sqlite provides a durable core.ConversationStore backed by an
// embedded SQLite database. It enables WAL mode, foreign keys and a busy
// timeout so concurrent orchestrations can append without corrupting each
// other, and keeps the logical schema from the store contract: entries
// (indexed by conversation id + sequence number and by label), scores
// (indexed by entry id) and sessions (keyed by session id).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hupe1980/probemesh/core"
)

// Config holds database configuration options.
type Config struct {
	Path            string        // Database file path
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum connection lifetime
	BusyTimeout     time.Duration // SQLite busy timeout
}

// DefaultConfig returns sensible defaults for database configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}
}

// Store is a SQLite backed conversation store.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at path with default configuration.
func Open(path string) (*Store, error) {
	return OpenWithConfig(DefaultConfig(path))
}

// OpenWithConfig creates a store with custom configuration, verifies the
// connection and applies the schema.
func OpenWithConfig(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn, path: cfg.Path}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	parent_entry_id TEXT REFERENCES entries(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	payload         TEXT,
	sequence_number INTEGER NOT NULL,
	timestamp       TIMESTAMP NOT NULL,
	labels          TEXT,
	UNIQUE (conversation_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_entries_conversation ON entries(conversation_id, sequence_number);

CREATE TABLE IF NOT EXISTS scores (
	id             TEXT PRIMARY KEY,
	entry_id       TEXT NOT NULL REFERENCES entries(id),
	score_type     TEXT NOT NULL,
	score_value    REAL NOT NULL,
	score_category TEXT NOT NULL DEFAULT '',
	rationale      TEXT NOT NULL DEFAULT '',
	scorer_id      TEXT NOT NULL DEFAULT '',
	timestamp      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scores_entry ON scores(entry_id);

CREATE TABLE IF NOT EXISTS sessions (
	session_id         TEXT PRIMARY KEY,
	conversation_id    TEXT NOT NULL,
	turn_count         INTEGER NOT NULL,
	status             TEXT NOT NULL,
	termination_reason TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMP NOT NULL,
	ended_at           TIMESTAMP
);

CREATE TABLE IF NOT EXISTS branches (
	conversation_id TEXT PRIMARY KEY,
	fork_entry_id   TEXT NOT NULL REFERENCES entries(id)
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

// AppendEntry validates linkage and ordering inside a transaction and
// inserts the entry atomically. See core.ConversationStore for the contract.
func (s *Store) AppendEntry(ctx context.Context, entry core.ConversationEntry) (string, error) {
	if entry.ConversationID == "" {
		return "", core.NewIntegrityError("append_entry", "missing conversation id")
	}
	if entry.ID == "" {
		entry.ID = core.NewID()
	}

	payload, err := marshalOrNil(entry.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	labels, err := marshalOrNil(entry.Labels)
	if err != nil {
		return "", fmt.Errorf("failed to encode labels: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if entry.ParentEntryID != "" {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE id = ?`, entry.ParentEntryID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return "", core.NewIntegrityError("append_entry", "parent entry %s does not resolve", entry.ParentEntryID)
		}
		if err != nil {
			return "", fmt.Errorf("failed to check parent: %w", err)
		}
	}

	// Current length and head of the path; the fork entry stands in as the
	// expected parent for the first entry of a branched conversation.
	var pathLen int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE conversation_id = ?`, entry.ConversationID).Scan(&pathLen); err != nil {
		return "", fmt.Errorf("failed to read conversation length: %w", err)
	}

	if entry.SequenceNumber != pathLen {
		return "", core.NewIntegrityError("append_entry",
			"sequence number %d conflicts with next position %d in conversation %s",
			entry.SequenceNumber, pathLen, entry.ConversationID)
	}

	expectedParent := ""
	if pathLen > 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM entries WHERE conversation_id = ? ORDER BY sequence_number DESC LIMIT 1`,
			entry.ConversationID).Scan(&expectedParent); err != nil {
			return "", fmt.Errorf("failed to read conversation head: %w", err)
		}
	} else {
		var fork string
		err := tx.QueryRowContext(ctx, `SELECT fork_entry_id FROM branches WHERE conversation_id = ?`, entry.ConversationID).Scan(&fork)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to read fork point: %w", err)
		}
		expectedParent = fork
	}
	if entry.ParentEntryID == "" {
		entry.ParentEntryID = expectedParent
	} else if entry.ParentEntryID != expectedParent {
		return "", core.NewIntegrityError("append_entry",
			"parent %s breaks lineage of conversation %s (expected %s)",
			entry.ParentEntryID, entry.ConversationID, expectedParent)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (id, conversation_id, parent_entry_id, role, content, payload, sequence_number, timestamp, labels)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ConversationID, nullable(entry.ParentEntryID), string(entry.Role), entry.Content,
		payload, entry.SequenceNumber, entry.Timestamp.UTC(), labels,
	)
	if err != nil {
		if isConstraintViolation(err) {
			// Lost a race on (conversation_id, sequence_number) or id. The
			// engine never overlaps turns for one conversation, so this is
			// a caller bug.
			return "", core.NewIntegrityError("append_entry", "constraint violation: %v", err)
		}
		return "", fmt.Errorf("failed to insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit entry: %w", err)
	}
	return entry.ID, nil
}

// AppendScore inserts a score after checking the scored entry resolves.
func (s *Store) AppendScore(ctx context.Context, score core.ScoreRecord) (string, error) {
	if score.ID == "" {
		score.ID = core.NewID()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO scores (id, entry_id, score_type, score_value, score_category, rationale, scorer_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		score.ID, score.EntryID, string(score.Type), score.Value, score.Category, score.Rationale, score.ScorerID, score.Timestamp.UTC(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return "", core.NewIntegrityError("append_score", "entry %s does not resolve", score.EntryID)
		}
		return "", fmt.Errorf("failed to insert score: %w", err)
	}
	return score.ID, nil
}

// GetConversationPath returns root-to-head entries in sequence order.
func (s *Store) GetConversationPath(ctx context.Context, conversationID string) ([]core.ConversationEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, conversation_id, parent_entry_id, role, content, payload, sequence_number, timestamp, labels
		 FROM entries WHERE conversation_id = ? ORDER BY sequence_number`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation path: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Branch records a fork point and returns the new conversation id.
func (s *Store) Branch(ctx context.Context, fromEntryID string) (string, error) {
	conversationID := core.NewID()
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO branches (conversation_id, fork_entry_id) VALUES (?, ?)`, conversationID, fromEntryID)
	if err != nil {
		if isConstraintViolation(err) {
			return "", core.NewIntegrityError("branch", "fork entry %s does not resolve", fromEntryID)
		}
		return "", fmt.Errorf("failed to record branch: %w", err)
	}
	return conversationID, nil
}

// QueryByLabel returns a timestamp-ordered snapshot of entries labeled
// key=value. Labels are stored as a JSON object and matched with
// json_extract so no auxiliary label table is needed. The key is quoted in
// the JSON path so keys containing dots resolve as a single object key;
// keys containing a double quote are not supported.
func (s *Store) QueryByLabel(ctx context.Context, key, value string) ([]core.ConversationEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, conversation_id, parent_entry_id, role, content, payload, sequence_number, timestamp, labels
		 FROM entries WHERE json_extract(labels, '$."' || ? || '"') = ? ORDER BY timestamp, id`, key, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query by label: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetScores returns all scores recorded for an entry.
func (s *Store) GetScores(ctx context.Context, entryID string) ([]core.ScoreRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, entry_id, score_type, score_value, score_category, rationale, scorer_id, timestamp
		 FROM scores WHERE entry_id = ? ORDER BY timestamp, id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scores: %w", err)
	}
	defer rows.Close()

	scores := make([]core.ScoreRecord, 0)
	for rows.Next() {
		var sc core.ScoreRecord
		var scoreType string
		if err := rows.Scan(&sc.ID, &sc.EntryID, &scoreType, &sc.Value, &sc.Category, &sc.Rationale, &sc.ScorerID, &sc.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		sc.Type = core.ScoreType(scoreType)
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

// SaveSession upserts a session snapshot keyed by session id.
func (s *Store) SaveSession(ctx context.Context, session core.AttackSession) error {
	var endedAt any
	if session.EndedAt != nil {
		endedAt = session.EndedAt.UTC()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sessions (session_id, conversation_id, turn_count, status, termination_reason, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			turn_count = excluded.turn_count,
			status = excluded.status,
			termination_reason = excluded.termination_reason,
			ended_at = excluded.ended_at`,
		session.SessionID, session.ConversationID, session.TurnCount, string(session.Status),
		session.TerminationReason, session.StartedAt.UTC(), endedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the last saved snapshot for a session id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (core.AttackSession, error) {
	var session core.AttackSession
	var status string
	var endedAt sql.NullTime
	err := s.conn.QueryRowContext(ctx,
		`SELECT session_id, conversation_id, turn_count, status, termination_reason, started_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&session.SessionID, &session.ConversationID, &session.TurnCount, &status,
			&session.TerminationReason, &session.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AttackSession{}, core.ErrSessionNotFound
	}
	if err != nil {
		return core.AttackSession{}, fmt.Errorf("failed to load session: %w", err)
	}
	session.Status = core.SessionStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}
	return session, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.conn.PingContext(ctx) }

func scanEntries(rows *sql.Rows) ([]core.ConversationEntry, error) {
	entries := make([]core.ConversationEntry, 0)
	for rows.Next() {
		var e core.ConversationEntry
		var parent sql.NullString
		var role string
		var payload, labels sql.NullString
		if err := rows.Scan(&e.ID, &e.ConversationID, &parent, &role, &e.Content, &payload, &e.SequenceNumber, &e.Timestamp, &labels); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.ParentEntryID = parent.String
		e.Role = core.Role(role)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for entry %s: %w", e.ID, err)
			}
		}
		if labels.Valid && labels.String != "" {
			if err := json.Unmarshal([]byte(labels.String), &e.Labels); err != nil {
				return nil, fmt.Errorf("failed to decode labels for entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func marshalOrNil(v any) (any, error) {
	switch m := v.(type) {
	case map[string]any:
		if len(m) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(m) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
