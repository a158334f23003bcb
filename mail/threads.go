package mail

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/hrpulse/errors"
)

// ErrThreadNotFound is returned when recording a reply to a thread that has
// no outbound message.
var ErrThreadNotFound = errors.Wrap(errors.ErrNotFound, "email thread not found")

// Threads reads and appends to email threads.
type Threads struct {
	db *sql.DB
}

// NewThreads creates a thread store
func NewThreads(db *sql.DB) *Threads {
	return &Threads{db: db}
}

// RecordInbound stores a reply received on threadID and returns its id.
// threadID may be the thread key or the id of any message in it.
func (t *Threads) RecordInbound(ctx context.Context, threadID, from, body string, receivedAt time.Time) (string, error) {
	var thread, subject, parent string
	err := t.db.QueryRowContext(ctx, `
		SELECT thread_id, subject, id FROM email_messages
		WHERE (thread_id = ? OR id = ?) AND direction = 'outbound'
		ORDER BY created_at DESC LIMIT 1`, threadID, threadID).Scan(&thread, &subject, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrThreadNotFound, "thread %s", threadID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to look up thread %s", threadID)
	}

	id := uuid.NewString()
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO email_messages (id, thread_id, direction, from_addr, subject, body, in_reply_to, created_at)
		VALUES (?, ?, 'inbound', ?, ?, ?, ?, ?)`,
		id, thread, from, "Re: "+subject, body, parent, receivedAt.UTC())
	if err != nil {
		return "", errors.Wrapf(err, "failed to record reply on thread %s", thread)
	}
	return id, nil
}

// HasReplySince reports whether an inbound message arrived on threadID
// strictly after since. threadID may be the thread key or the id of any
// message in the thread.
func (t *Threads) HasReplySince(ctx context.Context, threadID string, since time.Time) (bool, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_messages
		WHERE direction = 'inbound' AND created_at > ?
		  AND thread_id IN (
			SELECT ? UNION SELECT thread_id FROM email_messages WHERE id = ?
		  )`, since.UTC(), threadID, threadID).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check replies on thread %s", threadID)
	}
	return n > 0, nil
}

// StoredMessage is a persisted thread entry.
type StoredMessage struct {
	ID        string
	ThreadID  string
	Direction string
	From      string
	To        string
	Subject   string
	Body      string
	InReplyTo string
	CreatedAt time.Time
}

// List returns the messages of a thread, oldest first.
func (t *Threads) List(ctx context.Context, threadID string) ([]*StoredMessage, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, thread_id, direction, from_addr, to_addr, subject, body, in_reply_to, created_at
		FROM email_messages WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC`, threadID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list thread %s", threadID)
	}
	defer rows.Close()

	var out []*StoredMessage
	for rows.Next() {
		var m StoredMessage
		var inReplyTo sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Direction, &m.From, &m.To, &m.Subject, &m.Body, &inReplyTo, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan email message")
		}
		m.InReplyTo = inReplyTo.String
		out = append(out, &m)
	}
	return out, rows.Err()
}
