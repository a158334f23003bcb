package people

import (
	"context"
	"database/sql"

	"github.com/teranos/hrpulse/errors"
)

// ActorAutomation is the audit actor for engine writes.
const ActorAutomation = "automation"

// RecordAudit appends an audit entry.
func (s *Store) RecordAudit(ctx context.Context, e *AuditEntry) error {
	e.ID = newID(e.ID)
	e.CreatedAt = s.Now()
	if e.Actor == "" {
		e.Actor = ActorAutomation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, candidate_id, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityType, e.EntityID, e.Action, nullString(e.CandidateID), e.Actor,
		nullString(e.Details), e.CreatedAt)
	return errors.Wrapf(err, "failed to record audit for %s %s", e.EntityType, e.EntityID)
}

// ListAudit returns audit entries triggered by a candidate, oldest first.
func (s *Store) ListAudit(ctx context.Context, candidateID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, candidate_id, actor, details, created_at
		FROM audit_log WHERE candidate_id = ? ORDER BY created_at ASC, rowid ASC`, candidateID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var candidate, details sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &candidate, &e.Actor, &details, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		e.CandidateID = candidate.String
		e.Details = details.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CreateNotification inserts an in-app notification.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	if n.RecipientID == "" {
		return errors.NewInvalidRequestError("notification requires a recipient")
	}
	n.ID = newID(n.ID)
	n.CreatedAt = s.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, title, body, subject_id, action_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, n.Kind, n.Title, n.Body, nullString(n.SubjectID), nullString(n.ActionID), n.CreatedAt)
	return errors.Wrapf(err, "failed to create notification for %s", n.RecipientID)
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, recipientID string) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, kind, title, body, subject_id, action_id, read_at, created_at
		FROM notifications WHERE recipient_id = ? ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var subject, actionID sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Title, &n.Body, &subject, &actionID, &readAt, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		n.SubjectID = subject.String
		n.ActionID = actionID.String
		n.ReadAt = timePtr(readAt)
		out = append(out, &n)
	}
	return out, rows.Err()
}
