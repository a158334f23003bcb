// Package mail sends templated email and keeps the thread history used to
// detect replies.
//
// Transports compose: the daemon sends through
//
//	NewRecordingTransport(db, NewRateLimitedTransport(smtp, perMinute), log)
//
// so every delivered message lands in email_messages, which is also what
// Threads reads when deciding whether a candidate has replied.
package mail

import (
	"context"
	"strings"

	"github.com/teranos/hrpulse/errors"
)

// Message is one outbound email.
type Message struct {
	To        string
	From      string
	Subject   string
	HTMLBody  string
	TextBody  string
	ReplyToID string // Email id this message answers; sets In-Reply-To
	ThreadID  string // Thread to record the message in; defaults to ReplyToID's thread
}

// Result identifies a delivered message.
type Result struct {
	EmailID string
}

// Transport delivers a message. A non-nil error means nothing was sent.
type Transport interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) (Result, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, msg Message) (Result, error) {
	return f(ctx, msg)
}

// ErrInvalidMessage is returned for messages no transport could deliver.
var ErrInvalidMessage = errors.Wrap(errors.ErrInvalidRequest, "invalid message")

// Validate checks the fields every transport needs.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.To) == "":
		return errors.Wrap(ErrInvalidMessage, "missing recipient")
	case strings.TrimSpace(m.From) == "":
		return errors.Wrap(ErrInvalidMessage, "missing sender")
	case m.HTMLBody == "" && m.TextBody == "":
		return errors.Wrap(ErrInvalidMessage, "empty body")
	case strings.ContainsAny(m.To+m.From+m.Subject, "\r\n"):
		return errors.Wrap(ErrInvalidMessage, "header contains a line break")
	}
	return nil
}
