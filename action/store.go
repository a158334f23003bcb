package action

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/hrpulse/errors"
)

// DefaultLease is how long a PROCESSING action belongs to the worker that
// claimed it. After that a redelivered job may claim it again, which is how
// an action orphaned by a crashed worker is recovered.
const DefaultLease = 15 * time.Minute

// Store persists queued actions.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	lease time.Duration
}

// NewStore creates a new action store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		lease: DefaultLease,
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Now returns the store's current time in UTC.
func (s *Store) Now() time.Time { return s.now().UTC() }

const actionColumns = `id, subject_id, kind, from_state, to_state, transition_id, template_id, owner_id,
		scheduled_for, status, skip_requested, result_ref, error, last_error, attempts,
		processed_at, sent_at, parent_result_ref, parent_sent_at, escalate_after_hours,
		escalated_at, escalation_outcome, created_at, updated_at`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func scanAction(row interface{ Scan(...interface{}) error }) (*Action, error) {
	var a Action
	var fromState, toState, transitionID, templateID, ownerID sql.NullString
	var resultRef, errMsg, lastErr, parentRef, outcome sql.NullString
	var processedAt, sentAt, parentSentAt, escalatedAt sql.NullTime
	var escalateAfter sql.NullInt64

	err := row.Scan(
		&a.ID, &a.SubjectID, &a.Kind, &fromState, &toState, &transitionID, &templateID, &ownerID,
		&a.ScheduledFor, &a.Status, &a.SkipRequested, &resultRef, &errMsg, &lastErr, &a.Attempts,
		&processedAt, &sentAt, &parentRef, &parentSentAt, &escalateAfter,
		&escalatedAt, &outcome, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.FromState = fromState.String
	a.ToState = toState.String
	a.TransitionID = transitionID.String
	a.TemplateID = templateID.String
	a.OwnerID = ownerID.String
	a.ResultRef = resultRef.String
	a.Error = errMsg.String
	a.LastError = lastErr.String
	a.ParentResultRef = parentRef.String
	a.EscalationOutcome = EscalationOutcome(outcome.String)
	a.EscalateAfterHours = int(escalateAfter.Int64)
	a.ProcessedAt = timePtr(processedAt)
	a.SentAt = timePtr(sentAt)
	a.ParentSentAt = timePtr(parentSentAt)
	a.EscalatedAt = timePtr(escalatedAt)
	return &a, nil
}

// dedupPredicate returns the condition identifying an existing action that
// makes a redundant, or "" when a is always inserted.
//
// A transition id identifies one triggering event: any action for it, in
// any status, means the event was already handled. Otherwise a STAGE_EMAIL
// is redundant while another one for the same subject and state is still
// PENDING or PROCESSING, and a REMINDER is redundant once one exists for
// the same parent email.
func dedupPredicate(a *Action) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if a.TransitionID != "" {
		conds = append(conds, `(transition_id = ? AND kind = ?)`)
		args = append(args, a.TransitionID, a.Kind)
	}
	switch {
	case a.Kind == KindStageEmail && a.Status == StatusPending:
		conds = append(conds, `(kind = 'STAGE_EMAIL' AND subject_id = ? AND to_state = ? AND status IN ('PENDING', 'PROCESSING'))`)
		args = append(args, a.SubjectID, a.ToState)
	case a.Kind == KindReminder && a.ParentResultRef != "":
		conds = append(conds, `(kind = 'REMINDER' AND parent_result_ref = ?)`)
		args = append(args, a.ParentResultRef)
	}
	return strings.Join(conds, " OR "), args
}

func validateNew(a *Action) error {
	if a.SubjectID == "" {
		return errors.NewInvalidRequestError("queued action requires a subject id")
	}
	if !a.Kind.IsValid() {
		return errors.NewInvalidRequestError("invalid queued action kind %q", a.Kind)
	}
	switch a.Status {
	case StatusPending, StatusCancelled:
	case StatusSent:
		if a.ResultRef == "" {
			return errors.NewInvalidRequestError("a SENT action requires a result ref")
		}
	default:
		return errors.NewInvalidRequestError("queued actions cannot be created in status %s", a.Status)
	}
	return nil
}

// Create inserts a. When an equivalent action already exists its id is
// returned with existed=true and nothing is written; callers treat that as
// success.
//
// The existence check and the insert are one statement, so two concurrent
// creates for the same trigger produce one row.
func (s *Store) Create(ctx context.Context, a *Action) (id string, existed bool, err error) {
	if a.Status == "" {
		a.Status = StatusPending
	}
	if err := validateNew(a); err != nil {
		return "", false, err
	}

	now := s.Now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ScheduledFor.IsZero() {
		a.ScheduledFor = now
	}
	a.ScheduledFor = a.ScheduledFor.UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status.IsTerminal() {
		a.ProcessedAt = &now
	}
	if a.Status == StatusSent && a.SentAt == nil {
		a.SentAt = &now
	}

	values := []interface{}{
		a.ID, a.SubjectID, a.Kind, nullString(a.FromState), nullString(a.ToState),
		nullString(a.TransitionID), nullString(a.TemplateID), nullString(a.OwnerID),
		a.ScheduledFor, a.Status, a.SkipRequested, nullString(a.ResultRef), nullString(a.Error),
		nullString(a.LastError), a.Attempts, nullTime(a.ProcessedAt), nullTime(a.SentAt),
		nullString(a.ParentResultRef), nullTime(a.ParentSentAt),
		sql.NullInt64{Int64: int64(a.EscalateAfterHours), Valid: a.EscalateAfterHours > 0},
		nullTime(a.EscalatedAt), nullString(string(a.EscalationOutcome)), a.CreatedAt, a.UpdatedAt,
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")

	pred, predArgs := dedupPredicate(a)
	query := `INSERT INTO queued_actions (` + actionColumns + `) VALUES (` + placeholders + `)`
	args := values
	if pred != "" {
		query = `INSERT INTO queued_actions (` + actionColumns + `)
			SELECT ` + placeholders + `
			WHERE NOT EXISTS (SELECT 1 FROM queued_actions WHERE ` + pred + `)`
		args = append(append([]interface{}{}, values...), predArgs...)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", false, errors.WithDetail(
			errors.Wrapf(err, "failed to create %s action", a.Kind),
			fmt.Sprintf("Subject ID: %s", a.SubjectID))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		return a.ID, false, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM queued_actions WHERE `+pred+` ORDER BY created_at ASC LIMIT 1`, predArgs...).Scan(&existing)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to look up existing action")
	}
	return existing, true, nil
}

// Get returns the action with id.
func (s *Store) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM queued_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "action %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get action %s", id)
	}
	return a, nil
}

// transition runs a conditional update. When it matches no row the action
// is re-read to tell a missing id from a lost race.
func (s *Store) transition(ctx context.Context, id, op string, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to %s action %s", op, id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		return nil
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrAlreadyTerminal, "cannot %s action %s in status %s", op, id, a.Status)
}

// Claim moves a PENDING action to PROCESSING and returns it. This is the
// single point where duplicate deliveries are told apart: exactly one
// caller wins, the rest get ErrAlreadyTerminal. A PROCESSING action whose
// lease expired can be claimed again.
func (s *Store) Claim(ctx context.Context, id string) (*Action, error) {
	now := s.Now()
	err := s.transition(ctx, id, "claim", `
		UPDATE queued_actions SET status = 'PROCESSING', updated_at = ?
		WHERE id = ? AND (status = 'PENDING' OR (status = 'PROCESSING' AND updated_at <= ?))`,
		now, id, now.Add(-s.lease))
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Complete records a successful side effect. Only a PROCESSING action can
// complete, so an effect is always bracketed by Claim and Complete.
func (s *Store) Complete(ctx context.Context, id, resultRef string) error {
	if resultRef == "" {
		return errors.NewInvalidRequestError("complete requires a result ref")
	}
	now := s.Now()
	return s.transition(ctx, id, "complete", `
		UPDATE queued_actions
		SET status = 'SENT', result_ref = ?, sent_at = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'`,
		resultRef, now, now, now, id)
}

// RecordResult stores resultRef on a PROCESSING action without completing
// it. A side effect that succeeded but could not be completed is then
// completed by the next claim instead of being repeated.
func (s *Store) RecordResult(ctx context.Context, id, resultRef string) error {
	if resultRef == "" {
		return errors.NewInvalidRequestError("record requires a result ref")
	}
	return s.transition(ctx, id, "record result of", `
		UPDATE queued_actions SET result_ref = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'`,
		resultRef, s.Now(), id)
}

// Fail moves a non-terminal action to FAILED with reason.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	now := s.Now()
	return s.transition(ctx, id, "fail", `
		UPDATE queued_actions
		SET status = 'FAILED', error = ?, last_error = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		reason, reason, now, now, id)
}

// Cancel moves a non-terminal action to CANCELLED. reason is kept in
// last_error for the audit trail.
func (s *Store) Cancel(ctx context.Context, id, reason string) error {
	now := s.Now()
	return s.transition(ctx, id, "cancel", `
		UPDATE queued_actions
		SET status = 'CANCELLED', last_error = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		nullString(reason), now, now, id)
}

// Release hands a PROCESSING action back to PENDING after a transient
// failure and counts the attempt. Returns the new attempt count.
func (s *Store) Release(ctx context.Context, id, reason string) (int, error) {
	now := s.Now()
	err := s.transition(ctx, id, "release", `
		UPDATE queued_actions
		SET status = 'PENDING', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'`,
		nullString(reason), now, id)
	if err != nil {
		return 0, err
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Attempts, nil
}

// Unclaim hands a PROCESSING action back to PENDING without counting an
// attempt. Used when the action could not even be tried, such as a missing
// template.
func (s *Store) Unclaim(ctx context.Context, id, reason string) error {
	now := s.Now()
	return s.transition(ctx, id, "unclaim", `
		UPDATE queued_actions SET status = 'PENDING', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'`,
		nullString(reason), now, id)
}

// RequestSkip flags a PENDING action so its handler cancels it instead of
// performing the side effect.
func (s *Store) RequestSkip(ctx context.Context, id string) error {
	return s.transition(ctx, id, "skip", `
		UPDATE queued_actions SET skip_requested = 1, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		s.Now(), id)
}

// MarkEscalated stamps escalated_at on a SENT reminder that has not been
// escalated. It is the atomic guard of the escalation sweep: of any number
// of concurrent sweeps exactly one gets true.
func (s *Store) MarkEscalated(ctx context.Context, id string, at time.Time, outcome EscalationOutcome) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_actions SET escalated_at = ?, escalation_outcome = ?, updated_at = ?
		WHERE id = ? AND kind = 'REMINDER' AND status = 'SENT' AND escalated_at IS NULL`,
		at.UTC(), outcome, s.Now(), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark action %s escalated", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// ClearEscalation undoes a MarkEscalated stamped at at, so a later sweep
// retries. Used when the notification could not be created.
func (s *Store) ClearEscalation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queued_actions SET escalated_at = NULL, escalation_outcome = NULL, updated_at = ?
		WHERE id = ? AND escalated_at = ?`,
		s.Now(), id, at.UTC())
	return errors.Wrapf(err, "failed to clear escalation of action %s", id)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query actions")
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan action")
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating actions")
	}
	return actions, nil
}

// ListDueReminders returns non-skipped reminders scheduled at or before now
// and after the cursor, oldest first. Reminders are due while PENDING or
// while PROCESSING under an expired lease.
func (s *Store) ListDueReminders(ctx context.Context, now time.Time, after Cursor, limit int) ([]*Action, error) {
	return s.query(ctx, `
		SELECT `+actionColumns+` FROM queued_actions
		WHERE kind = 'REMINDER' AND skip_requested = 0 AND scheduled_for <= ?
		  AND (status = 'PENDING' OR (status = 'PROCESSING' AND updated_at <= ?))
		  AND (? = '' OR scheduled_for > ? OR (scheduled_for = ? AND id > ?))
		ORDER BY scheduled_for ASC, id ASC LIMIT ?`,
		now.UTC(), now.UTC().Add(-s.lease), after.ID, after.At.UTC(), after.At.UTC(), after.ID, limit)
}

// ListSkippedDueReminders returns due PENDING reminders an operator asked
// to skip.
func (s *Store) ListSkippedDueReminders(ctx context.Context, now time.Time, limit int) ([]*Action, error) {
	return s.query(ctx, `
		SELECT `+actionColumns+` FROM queued_actions
		WHERE kind = 'REMINDER' AND status = 'PENDING' AND skip_requested = 1 AND scheduled_for <= ?
		ORDER BY scheduled_for ASC LIMIT ?`, now.UTC(), limit)
}

// ListEscalationCandidates returns SENT, unescalated reminders sent after
// the cursor whose escalation window has closed by now, oldest first. The
// window is compared in whole seconds; callers needing sub-second
// precision recheck EscalationDue.
func (s *Store) ListEscalationCandidates(ctx context.Context, now time.Time, after Cursor, limit int) ([]*Action, error) {
	return s.query(ctx, `
		SELECT `+actionColumns+` FROM queued_actions
		WHERE kind = 'REMINDER' AND status = 'SENT' AND escalated_at IS NULL
		  AND escalate_after_hours > 0 AND sent_at <= ?
		  AND unixepoch(sent_at) + escalate_after_hours * 3600 <= unixepoch(?)
		  AND (? = '' OR sent_at > ? OR (sent_at = ? AND id > ?))
		ORDER BY sent_at ASC, id ASC LIMIT ?`,
		now.UTC(), now.UTC(), after.ID, after.At.UTC(), after.At.UTC(), after.ID, limit)
}

// List returns actions matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Action, error) {
	var conds []string
	var args []interface{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, f.SubjectID)
	}

	query := `SELECT ` + actionColumns + ` FROM queued_actions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, query, args...)
}

// Counts returns the number of actions per kind and status.
func (s *Store) Counts(ctx context.Context) (map[Kind]map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, status, COUNT(*) FROM queued_actions GROUP BY kind, status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count actions")
	}
	defer rows.Close()

	counts := make(map[Kind]map[Status]int)
	for rows.Next() {
		var kind Kind
		var status Status
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan action count")
		}
		if counts[kind] == nil {
			counts[kind] = make(map[Status]int)
		}
		counts[kind][status] = n
	}
	return counts, rows.Err()
}
