// Package store persists meetings, their transcripts, summaries and chat
// history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rohit-iwnl/EchoMind/internal/observability"
)

// ErrNotFound is returned when a meeting does not exist
var ErrNotFound = errors.New("meeting not found")

// Priority ranks an action item
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps free text onto a priority, defaulting to medium
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// ActionItem is a follow-up extracted from a meeting
type ActionItem struct {
	Text       string   `json:"action"`
	AssignedTo string   `json:"assigned_to,omitempty"`
	Priority   Priority `json:"priority"`
}

// Summary is the generated digest of a meeting
type Summary struct {
	Title       string       `json:"title"`
	Summary     string       `json:"summary"`
	ActionItems []ActionItem `json:"action_items"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Meeting is a recorded meeting
type Meeting struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	AudioPath  string    `json:"audio_path,omitempty"`
	Done       bool      `json:"done"`
	Transcript string    `json:"transcript"`
	Summary    *Summary  `json:"summary,omitempty"`
}

// ChatMessage is one turn of a Q&A conversation about a meeting
type ChatMessage struct {
	ID            string    `json:"id"`
	MeetingID     string    `json:"meeting_id"`
	Content       string    `json:"content"`
	IsUserMessage bool      `json:"is_user_message"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store is a SQLite-backed meeting store
type Store struct {
	db     *sql.DB
	clock  func() time.Time
	logger zerolog.Logger
}

// Open opens or creates the database at path
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, clock: time.Now, logger: observability.Component("store")}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s.logger.Info().Str("path", path).Msg("Meeting store opened")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS meetings (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    audio_path TEXT NOT NULL DEFAULT '',
    done INTEGER NOT NULL DEFAULT 0,
    transcript TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS summaries (
    meeting_id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(meeting_id) REFERENCES meetings(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS action_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    meeting_id TEXT NOT NULL,
    action TEXT NOT NULL,
    assigned_to TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL,
    FOREIGN KEY(meeting_id) REFERENCES meetings(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS chat_messages (
    id TEXT PRIMARY KEY,
    meeting_id TEXT NOT NULL,
    content TEXT NOT NULL,
    is_user INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(meeting_id) REFERENCES meetings(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chat_meeting_created ON chat_messages(meeting_id, created_at);
CREATE INDEX IF NOT EXISTS idx_meetings_created ON meetings(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateMeeting inserts a meeting, assigning an ID and creation time when
// missing
func (s *Store) CreateMeeting(ctx context.Context, m Meeting) (Meeting, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings(id, title, created_at, audio_path, done, transcript)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.CreatedAt, m.AudioPath, m.Done, m.Transcript)
	if err != nil {
		return Meeting{}, fmt.Errorf("insert meeting: %w", err)
	}
	return m, nil
}

// GetMeeting loads a meeting with its summary
func (s *Store) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, audio_path, done, transcript FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Meeting{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Meeting{}, err
	}

	summary, err := s.GetSummary(ctx, id)
	switch {
	case err == nil:
		m.Summary = &summary
	case errors.Is(err, ErrNotFound):
	default:
		return Meeting{}, err
	}
	return m, nil
}

// ListMeetings returns meetings newest first, without summaries
func (s *Store) ListMeetings(ctx context.Context, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, audio_path, done, transcript
		 FROM meetings ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// DeleteMeeting removes a meeting and everything attached to it
func (s *Store) DeleteMeeting(ctx context.Context, id string) error {
	return s.update(ctx, id, `DELETE FROM meetings WHERE id = ?`, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row scanner) (Meeting, error) {
	var m Meeting
	if err := row.Scan(&m.ID, &m.Title, &m.CreatedAt, &m.AudioPath, &m.Done, &m.Transcript); err != nil {
		return Meeting{}, err
	}
	return m, nil
}

// AppendTranscriptText appends committed text to a meeting's transcript,
// separated from earlier text by a single space
func (s *Store) AppendTranscriptText(ctx context.Context, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.update(ctx, id,
		`UPDATE meetings SET transcript = CASE WHEN transcript = '' THEN ? ELSE transcript || ' ' || ? END WHERE id = ?`,
		text, text, id)
}

// MarkDone flags a meeting as finished recording
func (s *Store) MarkDone(ctx context.Context, id string) error {
	return s.update(ctx, id, `UPDATE meetings SET done = 1 WHERE id = ?`, id)
}

// SetTitle renames a meeting
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	return s.update(ctx, id, `UPDATE meetings SET title = ? WHERE id = ?`, title, id)
}

// SetAudioURL records where a meeting's audio lives
func (s *Store) SetAudioURL(ctx context.Context, id, path string) error {
	return s.update(ctx, id, `UPDATE meetings SET audio_path = ? WHERE id = ?`, path, id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SaveSummary replaces the summary and action items of a meeting. The
// meeting takes the summary title when it has none of its own.
func (s *Store) SaveSummary(ctx context.Context, meetingID string, summary Summary) (err error) {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.clock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM meetings WHERE id = ?`, meetingID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		err = fmt.Errorf("%w: %s", ErrNotFound, meetingID)
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO summaries(meeting_id, title, summary, created_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(meeting_id) DO UPDATE SET title=excluded.title, summary=excluded.summary, created_at=excluded.created_at`,
		meetingID, summary.Title, summary.Summary, summary.CreatedAt.UTC()); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM action_items WHERE meeting_id = ?`, meetingID); err != nil {
		return err
	}
	for _, item := range summary.ActionItems {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO action_items(meeting_id, action, assigned_to, priority) VALUES(?, ?, ?, ?)`,
			meetingID, item.Text, item.AssignedTo, string(ParsePriority(string(item.Priority)))); err != nil {
			return err
		}
	}
	if summary.Title != "" {
		if _, err = tx.ExecContext(ctx,
			`UPDATE meetings SET title = ? WHERE id = ? AND title = ''`, summary.Title, meetingID); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// GetSummary loads the summary of a meeting
func (s *Store) GetSummary(ctx context.Context, meetingID string) (Summary, error) {
	var summary Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT title, summary, created_at FROM summaries WHERE meeting_id = ?`, meetingID).
		Scan(&summary.Title, &summary.Summary, &summary.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, fmt.Errorf("%w: no summary for %s", ErrNotFound, meetingID)
	}
	if err != nil {
		return Summary{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT action, assigned_to, priority FROM action_items WHERE meeting_id = ? ORDER BY id ASC`, meetingID)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()

	summary.ActionItems = []ActionItem{}
	for rows.Next() {
		var item ActionItem
		var priority string
		if err := rows.Scan(&item.Text, &item.AssignedTo, &priority); err != nil {
			return Summary{}, err
		}
		item.Priority = Priority(priority)
		summary.ActionItems = append(summary.ActionItems, item)
	}
	return summary, rows.Err()
}

// AddChatMessage stores one Q&A turn for a meeting
func (s *Store) AddChatMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages(id, meeting_id, content, is_user, created_at) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, msg.MeetingID, msg.Content, msg.IsUserMessage, msg.Timestamp)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

// ChatMessages lists a meeting's Q&A history oldest first
func (s *Store) ChatMessages(ctx context.Context, meetingID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meeting_id, content, is_user, created_at
		 FROM chat_messages WHERE meeting_id = ? ORDER BY created_at ASC, rowid ASC`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.MeetingID, &msg.Content, &msg.IsUserMessage, &msg.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
