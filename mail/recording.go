package mail

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/logger"
)

// RecordingTransport persists every successful send as an outbound row in
// email_messages. A message starts a new thread keyed by its own id unless
// it names a thread or replies into one.
type RecordingTransport struct {
	db    *sql.DB
	next  Transport
	log   *zap.SugaredLogger
	now   func() time.Time
	outID func() string
}

// NewRecordingTransport wraps next.
func NewRecordingTransport(db *sql.DB, next Transport, log *zap.SugaredLogger) *RecordingTransport {
	return &RecordingTransport{
		db:    db,
		next:  next,
		log:   logger.AddMailSymbol(log.Named("mail")),
		now:   func() time.Time { return time.Now().UTC() },
		outID: uuid.NewString,
	}
}

// SetClock replaces the time source used for created_at.
func (t *RecordingTransport) SetClock(now func() time.Time) { t.now = now }

// Send delivers through the wrapped transport, then records the message.
// A recording failure after delivery is logged, not returned: the email
// went out and retrying would send it twice.
func (t *RecordingTransport) Send(ctx context.Context, msg Message) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}

	threadID, err := t.resolveThread(ctx, msg)
	if err != nil {
		return Result{}, err
	}

	res, err := t.next.Send(ctx, msg)
	if err != nil {
		return Result{}, err
	}
	if res.EmailID == "" {
		res.EmailID = t.outID()
	}
	if threadID == "" {
		threadID = res.EmailID
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO email_messages (id, thread_id, direction, from_addr, to_addr, subject, body, in_reply_to, created_at)
		VALUES (?, ?, 'outbound', ?, ?, ?, ?, ?, ?)`,
		res.EmailID, threadID, msg.From, msg.To, msg.Subject, bodyOf(msg),
		sql.NullString{String: msg.ReplyToID, Valid: msg.ReplyToID != ""}, t.now().UTC())
	if err != nil {
		t.log.Errorw("Failed to record sent email",
			logger.FieldEmailID, res.EmailID,
			"thread_id", threadID,
			logger.FieldError, err)
	}
	return res, nil
}

func (t *RecordingTransport) resolveThread(ctx context.Context, msg Message) (string, error) {
	if msg.ThreadID != "" || msg.ReplyToID == "" {
		return msg.ThreadID, nil
	}
	var thread string
	err := t.db.QueryRowContext(ctx, `SELECT thread_id FROM email_messages WHERE id = ?`, msg.ReplyToID).Scan(&thread)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown parent: thread under its id so replies to it still match
		return msg.ReplyToID, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve thread of %s", msg.ReplyToID)
	}
	return thread, nil
}

func bodyOf(msg Message) string {
	if msg.TextBody != "" {
		return msg.TextBody
	}
	return msg.HTMLBody
}

// OutboxTransport delivers nothing. Paired with RecordingTransport it keeps
// the full send history for development and demos.
type OutboxTransport struct {
	log *zap.SugaredLogger
}

// NewOutboxTransport creates an outbox transport.
func NewOutboxTransport(log *zap.SugaredLogger) *OutboxTransport {
	return &OutboxTransport{log: logger.AddMailSymbol(log.Named("outbox"))}
}

// Send logs msg and returns a fresh email id.
func (t *OutboxTransport) Send(ctx context.Context, msg Message) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}
	id := uuid.NewString()
	t.log.Infow("Email held in outbox",
		logger.FieldEmailID, id,
		"to", msg.To,
		"subject", msg.Subject)
	return Result{EmailID: id}, nil
}
