package threadstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for chat threads and messages.
//
// Notes:
// - Data is scoped by user_id; a thread and all of its messages belong to one user.
// - Messages are ordered by message_id. Ids are UUIDv7-based, so lexical order
//   is chronological order; no separate sequence column exists.
// - WAL is enabled to support concurrent reads while a stream is appending.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Thread struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Title    string `json:"title"`

	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type Message struct {
	RowID    int64  `json:"row_id"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`

	MessageID string `json:"message_id"`
	Sender    string `json:"sender"` // user|llm
	Status    string `json:"status"` // precreated|streaming|done|error
	Model     string `json:"model"`

	// TextContent is nil until the first content arrives. Readers must treat
	// nil as "nothing yet", not absence of the message.
	TextContent *string `json:"text_content"`

	AttachmentsJSON string `json:"attachments_json"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// IDPair maps a source message id to the freshly generated id of its copy.
type IDPair struct {
	SourceMessageID string `json:"source_message_id"`
	NewMessageID    string `json:"new_message_id"`
}

const (
	SenderUser = "user"
	SenderLLM  = "llm"

	StatusPrecreated = "precreated"
	StatusStreaming  = "streaming"
	StatusDone       = "done"
	StatusError      = "error"
)

func normalizeStatus(status string) string {
	status = strings.TrimSpace(status)
	switch status {
	case StatusPrecreated, StatusStreaming, StatusDone, StatusError:
		return status
	default:
		return StatusPrecreated
	}
}

type ThreadsCursor struct {
	UpdatedAtUnixMs int64
	ThreadID        string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c ThreadsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ThreadID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ThreadID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (ThreadsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ThreadsCursor{}, false
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return ThreadsCursor{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || ms <= 0 {
		return ThreadsCursor{}, false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return ThreadsCursor{}, false
	}
	return ThreadsCursor{UpdatedAtUnixMs: ms, ThreadID: id}, true
}

func (s *Store) ListThreads(ctx context.Context, userID string, limit int, cursor ThreadsCursor) ([]Thread, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, "", errors.New("missing user_id")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{userID}
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ThreadID) != "" {
		where = "AND (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND thread_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ThreadID))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT
  thread_id, user_id, title,
  created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM chat_threads
WHERE user_id = ?
%s
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		var t Thread
		if err := rows.Scan(
			&t.ThreadID,
			&t.UserID,
			&t.Title,
			&t.CreatedAtUnixMs,
			&t.UpdatedAtUnixMs,
			&t.LastMessageAtUnixMs,
			&t.LastMessagePreview,
		); err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) < limit {
		return out, "", nil
	}
	last := out[len(out)-1]
	return out, EncodeCursor(ThreadsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ThreadID: last.ThreadID}), nil
}

func (s *Store) GetThread(ctx context.Context, userID string, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, errors.New("invalid request")
	}

	var t Thread
	err := s.db.QueryRowContext(ctx, `
SELECT
  thread_id, user_id, title,
  created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms, last_message_preview
FROM chat_threads
WHERE user_id = ? AND thread_id = ?
`, userID, threadID).Scan(
		&t.ThreadID,
		&t.UserID,
		&t.Title,
		&t.CreatedAtUnixMs,
		&t.UpdatedAtUnixMs,
		&t.LastMessageAtUnixMs,
		&t.LastMessagePreview,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.ThreadID = strings.TrimSpace(t.ThreadID)
	t.UserID = strings.TrimSpace(t.UserID)
	t.Title = strings.TrimSpace(t.Title)
	if t.ThreadID == "" || t.UserID == "" {
		return errors.New("invalid thread")
	}

	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = t.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_threads(
  thread_id, user_id, title,
  created_at_unix_ms, updated_at_unix_ms,
  last_message_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, ?, ?, ?)
`,
		t.ThreadID,
		t.UserID,
		t.Title,
		t.CreatedAtUnixMs,
		t.UpdatedAtUnixMs,
		t.LastMessageAtUnixMs,
		t.LastMessagePreview,
	)
	return err
}

func (s *Store) RenameThread(ctx context.Context, userID string, threadID string, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	title = strings.TrimSpace(title)
	if userID == "" || threadID == "" {
		return errors.New("invalid request")
	}
	if len(title) > 200 {
		return errors.New("title too long")
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE chat_threads
SET title = ?, updated_at_unix_ms = ?
WHERE user_id = ? AND thread_id = ?
`, title, now, userID, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteThread removes a thread and cascades to its messages.
func (s *Store) DeleteThread(ctx context.Context, userID string, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE user_id = ? AND thread_id = ?`, userID, threadID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_threads WHERE user_id = ? AND thread_id = ?`, userID, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// InsertMessage inserts a message row and updates thread metadata in the same
// transaction. An llm message is typically inserted before any text exists
// (TextContent nil, status streaming) so clients can render a placeholder.
//
// It also seeds the thread title from the first user message when the thread
// title is still empty.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.ThreadID = strings.TrimSpace(m.ThreadID)
	m.UserID = strings.TrimSpace(m.UserID)
	m.MessageID = strings.TrimSpace(m.MessageID)
	m.Sender = strings.TrimSpace(m.Sender)
	m.Status = normalizeStatus(m.Status)
	m.Model = strings.TrimSpace(m.Model)
	if strings.TrimSpace(m.AttachmentsJSON) == "" {
		m.AttachmentsJSON = "[]"
	}

	if m.ThreadID == "" || m.UserID == "" || m.MessageID == "" {
		return 0, errors.New("invalid message")
	}
	if m.Sender != SenderUser && m.Sender != SenderLLM {
		return 0, errors.New("invalid sender")
	}

	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}
	if m.UpdatedAtUnixMs <= 0 {
		m.UpdatedAtUnixMs = m.CreatedAtUnixMs
	}

	text := ""
	if m.TextContent != nil {
		text = *m.TextContent
	}
	preview := buildPreview(m.Sender, text)
	titleCandidate := ""
	if m.Sender == SenderUser {
		titleCandidate = buildTitleCandidate(text)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the thread exists and belongs to the user.
	var existingTitle string
	if err := tx.QueryRowContext(ctx, `
SELECT title
FROM chat_threads
WHERE user_id = ? AND thread_id = ?
`, m.UserID, m.ThreadID).Scan(&existingTitle); err != nil {
		return 0, err
	}

	var textArg any
	if m.TextContent != nil {
		textArg = *m.TextContent
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages(
  thread_id, user_id, message_id, sender, status, model,
  text_content, attachments_json,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		m.ThreadID,
		m.UserID,
		m.MessageID,
		m.Sender,
		m.Status,
		m.Model,
		textArg,
		m.AttachmentsJSON,
		m.CreatedAtUnixMs,
		m.UpdatedAtUnixMs,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	nextTitle := strings.TrimSpace(existingTitle)
	if nextTitle == "" && titleCandidate != "" {
		nextTitle = titleCandidate
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE chat_threads
SET title = ?,
    updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE user_id = ? AND thread_id = ?
`,
		nextTitle,
		m.UpdatedAtUnixMs,
		m.CreatedAtUnixMs,
		preview,
		m.UserID,
		m.ThreadID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// AppendMessageText appends a delta to a message without a read-modify-write:
// COALESCE makes the first append against a NULL text_content safe.
func (s *Store) AppendMessageText(ctx context.Context, threadID string, messageID string, delta string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return errors.New("invalid request")
	}
	if delta == "" {
		return nil
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE chat_messages
SET text_content = COALESCE(text_content, '') || ?,
    updated_at_unix_ms = ?
WHERE thread_id = ? AND message_id = ?
`, delta, now, threadID, messageID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FinishMessage marks a message done and overwrites its text with the final
// value. Applying it twice with the same text is harmless.
func (s *Store) FinishMessage(ctx context.Context, threadID string, messageID string, finalText string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return errors.New("invalid request")
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	if err := tx.QueryRowContext(ctx, `
SELECT user_id FROM chat_messages WHERE thread_id = ? AND message_id = ?
`, threadID, messageID).Scan(&userID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE chat_messages
SET text_content = ?, status = ?, updated_at_unix_ms = ?
WHERE thread_id = ? AND message_id = ?
`, finalText, StatusDone, now, threadID, messageID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE chat_threads
SET updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE user_id = ? AND thread_id = ?
`, now, now, buildPreview(SenderLLM, finalText), userID, threadID); err != nil {
		return err
	}

	return tx.Commit()
}

// FailMessage marks a message as terminally failed. Text accumulated so far
// is kept for inspection.
func (s *Store) FailMessage(ctx context.Context, threadID string, messageID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return errors.New("invalid request")
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE chat_messages
SET status = ?, updated_at_unix_ms = ?
WHERE thread_id = ? AND message_id = ?
`, StatusError, now, threadID, messageID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, threadID string, messageID string) (*Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	if threadID == "" || messageID == "" {
		return nil, errors.New("invalid request")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT
  id, thread_id, user_id, message_id, sender, status, model,
  text_content, attachments_json, created_at_unix_ms, updated_at_unix_ms
FROM chat_messages
WHERE thread_id = ? AND message_id = ?
`, threadID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var text sql.NullString
	if err := row.Scan(
		&m.RowID,
		&m.ThreadID,
		&m.UserID,
		&m.MessageID,
		&m.Sender,
		&m.Status,
		&m.Model,
		&text,
		&m.AttachmentsJSON,
		&m.CreatedAtUnixMs,
		&m.UpdatedAtUnixMs,
	); err != nil {
		return nil, err
	}
	if text.Valid {
		v := text.String
		m.TextContent = &v
	}
	return &m, nil
}

// ListMessages returns a thread's messages in ascending message_id order,
// which is chronological order by construction of the id scheme.
func (s *Store) ListMessages(ctx context.Context, userID string, threadID string, limit int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, errors.New("invalid request")
	}
	if limit <= 0 {
		// SQLite treats a negative LIMIT as unbounded. Turn context assembly
		// reads the whole thread; a silent cap would drop the newest history.
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT
  id, thread_id, user_id, message_id, sender, status, model,
  text_content, attachments_json, created_at_unix_ms, updated_at_unix_ms
FROM chat_messages
WHERE user_id = ? AND thread_id = ?
ORDER BY message_id ASC
LIMIT ?
`, userID, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CopyPrefix persists a branch: it creates newThreadID for the user and
// copies each source message named in pairs into it under the paired new id,
// forcing every copy to done status. All-or-nothing: a missing source message
// rolls the whole branch back with sql.ErrNoRows.
//
// Callers pass pairs in ascending source-id order (the branch walk order);
// copies keep their source timestamps so relative ordering survives.
func (s *Store) CopyPrefix(ctx context.Context, userID string, fromThreadID string, newThreadID string, title string, pairs []IDPair) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	fromThreadID = strings.TrimSpace(fromThreadID)
	newThreadID = strings.TrimSpace(newThreadID)
	if userID == "" || fromThreadID == "" || newThreadID == "" || len(pairs) == 0 {
		return errors.New("invalid request")
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Source thread must exist and belong to the user.
	var srcTitle string
	if err := tx.QueryRowContext(ctx, `
SELECT title FROM chat_threads WHERE user_id = ? AND thread_id = ?
`, userID, fromThreadID).Scan(&srcTitle); err != nil {
		return err
	}

	if strings.TrimSpace(title) == "" {
		title = srcTitle
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_threads(
  thread_id, user_id, title,
  created_at_unix_ms, updated_at_unix_ms,
  last_message_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, ?, 0, '')
`, newThreadID, userID, strings.TrimSpace(title), now, now); err != nil {
		return err
	}

	lastPreview := ""
	lastAt := int64(0)
	for _, pair := range pairs {
		srcID := strings.TrimSpace(pair.SourceMessageID)
		newID := strings.TrimSpace(pair.NewMessageID)
		if srcID == "" || newID == "" {
			return errors.New("invalid id mapping")
		}

		row := tx.QueryRowContext(ctx, `
SELECT
  id, thread_id, user_id, message_id, sender, status, model,
  text_content, attachments_json, created_at_unix_ms, updated_at_unix_ms
FROM chat_messages
WHERE user_id = ? AND thread_id = ? AND message_id = ?
`, userID, fromThreadID, srcID)
		src, err := scanMessage(row)
		if err != nil {
			return err
		}

		text := ""
		if src.TextContent != nil {
			text = *src.TextContent
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages(
  thread_id, user_id, message_id, sender, status, model,
  text_content, attachments_json,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			newThreadID,
			userID,
			newID,
			src.Sender,
			StatusDone,
			src.Model,
			text,
			src.AttachmentsJSON,
			src.CreatedAtUnixMs,
			now,
		); err != nil {
			return err
		}
		lastPreview = buildPreview(src.Sender, text)
		lastAt = src.CreatedAtUnixMs
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE chat_threads
SET last_message_at_unix_ms = ?, last_message_preview = ?
WHERE user_id = ? AND thread_id = ?
`, lastAt, lastPreview, userID, newThreadID); err != nil {
		return err
	}

	return tx.Commit()
}

// ResetForRetry truncates a thread after the target message and resets the
// target for re-streaming: empty text, streaming status, the new model.
// All-or-nothing: an unknown target returns sql.ErrNoRows with no mutation.
func (s *Store) ResetForRetry(ctx context.Context, userID string, threadID string, messageID string, model string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	messageID = strings.TrimSpace(messageID)
	model = strings.TrimSpace(model)
	if userID == "" || threadID == "" || messageID == "" {
		return errors.New("invalid request")
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int64
	if err := tx.QueryRowContext(ctx, `
SELECT id FROM chat_messages WHERE user_id = ? AND thread_id = ? AND message_id = ?
`, userID, threadID, messageID).Scan(&exists); err != nil {
		return err
	}

	// Ids order chronologically, so "later than the target" is a string compare.
	if _, err := tx.ExecContext(ctx, `
DELETE FROM chat_messages
WHERE user_id = ? AND thread_id = ? AND message_id > ?
`, userID, threadID, messageID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE chat_messages
SET text_content = '', status = ?, model = ?, updated_at_unix_ms = ?
WHERE user_id = ? AND thread_id = ? AND message_id = ?
`, StatusStreaming, model, now, userID, threadID, messageID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE chat_threads
SET updated_at_unix_ms = ?
WHERE user_id = ? AND thread_id = ?
`, now, userID, threadID); err != nil {
		return err
	}

	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chat_threads (
  thread_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_chat_threads_user_updated ON chat_threads(user_id, updated_at_unix_ms DESC, thread_id DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chat_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  sender TEXT NOT NULL,
  status TEXT NOT NULL,
  model TEXT NOT NULL DEFAULT '',
  text_content TEXT,
  attachments_json TEXT NOT NULL DEFAULT '[]',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  UNIQUE(thread_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages(user_id, thread_id, message_id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func buildPreview(sender string, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	prefix := ""
	if sender == SenderUser {
		prefix = "You: "
	}
	return truncateRunes(prefix+text, 160)
}

func buildTitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if idx := strings.IndexAny(text, "\r\n"); idx >= 0 {
		text = strings.TrimSpace(text[:idx])
	}
	return truncateRunes(text, 80)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
