// Package session persists chat sessions and their message history.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSessionNotFound indicates the session ID does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRole indicates a message role outside user/assistant.
	ErrInvalidRole = errors.New("invalid message role")
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one conversation.
type Session struct {
	ID        uuid.UUID
	StartedAt time.Time
	Title     string
}

// Message is one utterance within a session.
type Message struct {
	ID        int64
	SessionID uuid.UUID
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store persists sessions and messages.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create starts a new session with the given title.
func (s *Store) Create(ctx context.Context, title string) (Session, error) {
	sess := Session{Title: title}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (title)
		VALUES ($1)
		RETURNING session_id, started_at`,
		title,
	).Scan(&sess.ID, &sess.StartedAt)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Ensure returns the session with the given ID, creating it if absent.
// Resuming a conversation under a caller-chosen ID is therefore safe to
// repeat.
func (s *Store) Ensure(ctx context.Context, id uuid.UUID, title string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (session_id, title)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING session_id, started_at, title`,
		id, title,
	).Scan(&sess.ID, &sess.StartedAt, &sess.Title)
	if err != nil {
		return Session{}, fmt.Errorf("ensure session: %w", err)
	}
	return sess, nil
}

// Get returns one session.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, started_at, title FROM sessions WHERE session_id = $1`, id,
	).Scan(&sess.ID, &sess.StartedAt, &sess.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// AppendMessage appends one message to a session's history. Only user
// and assistant roles are accepted.
func (s *Store) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	msg := Message{SessionID: sessionID, Role: role, Content: content}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (session_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		sessionID, role, content,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// List returns the most recent sessions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, started_at, title
		FROM sessions
		ORDER BY started_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &sess.Title); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Messages returns a session's messages in chronological order. The
// insertion ID breaks ties between messages sharing a timestamp.
func (s *Store) Messages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
