package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across hrpulse.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldActionID    = "action_id"
	FieldSubjectID   = "subject_id"
	FieldCandidateID = "candidate_id"
	FieldEmployeeID  = "employee_id"
	FieldOfferID     = "offer_id"
	FieldOwnerID     = "owner_id"
	FieldEmailID     = "email_id"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"
	FieldSweep     = "sweep"

	// State machine
	FieldKind      = "kind"
	FieldStatus    = "status"
	FieldFromState = "from_state"
	FieldToState   = "to_state"
	FieldAttempt   = "attempt"

	// Timing
	FieldDurationMS   = "duration_ms"
	FieldScheduledFor = "scheduled_for"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts
	FieldCount = "count"

	// Symbol glyph (꩜, ✉, ⊕, ...)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext decorates l with the fields carried by ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
