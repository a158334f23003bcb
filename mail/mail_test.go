package mail

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/hrpulse/errors"
	hrtest "github.com/teranos/hrpulse/internal/testing"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeTransport records messages and fails while err is set.
type fakeTransport struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakeTransport) Send(_ context.Context, msg Message) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Result{}, f.err
	}
	f.sent = append(f.sent, msg)
	return Result{EmailID: uuid.NewString()}, nil
}

func msg(to string) Message {
	return Message{To: to, From: "recruiting@acme.test", Subject: "Hello", TextBody: "Hi there"}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Message)
		ok   bool
	}{
		{"complete", func(*Message) {}, true},
		{"html only", func(m *Message) { m.TextBody = ""; m.HTMLBody = "<p>Hi</p>" }, true},
		{"no recipient", func(m *Message) { m.To = " " }, false},
		{"no sender", func(m *Message) { m.From = "" }, false},
		{"no body", func(m *Message) { m.TextBody = "" }, false},
		{"header injection", func(m *Message) { m.Subject = "Hi\r\nBcc: x@evil.test" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := msg("ada@example.com")
			tt.mod(&m)
			err := m.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidMessage))
			}
		})
	}
}

func TestRecordingTransportThreads(t *testing.T) {
	ctx := context.Background()
	db := hrtest.CreateTestDB(t)
	inner := &fakeTransport{}
	rec := NewRecordingTransport(db, inner, zaptest.NewLogger(t).Sugar())
	now := t0
	rec.SetClock(func() time.Time { return now })
	threads := NewThreads(db)

	first, err := rec.Send(ctx, msg("ada@example.com"))
	require.NoError(t, err)
	require.NotEmpty(t, first.EmailID)

	now = t0.Add(72 * time.Hour)
	follow := msg("ada@example.com")
	follow.ReplyToID = first.EmailID
	second, err := rec.Send(ctx, follow)
	require.NoError(t, err)

	list, err := threads.List(ctx, first.EmailID)
	require.NoError(t, err)
	require.Len(t, list, 2, "a reply joins the parent's thread")
	assert.Equal(t, first.EmailID, list[0].ID)
	assert.Equal(t, second.EmailID, list[1].ID)
	assert.Equal(t, first.EmailID, list[1].InReplyTo)
	assert.Equal(t, "outbound", list[1].Direction)

	t.Run("failed send is not recorded", func(t *testing.T) {
		inner.err = errors.New("relay down")
		defer func() { inner.err = nil }()

		_, err := rec.Send(ctx, msg("grace@example.com"))
		require.Error(t, err)

		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM email_messages`).Scan(&n))
		assert.Equal(t, 2, n)
	})

	t.Run("invalid message never reaches the transport", func(t *testing.T) {
		before := len(inner.sent)
		_, err := rec.Send(ctx, Message{To: "ada@example.com"})
		assert.True(t, errors.IsInvalidRequestError(err))
		assert.Len(t, inner.sent, before)
	})
}

func TestReplyDetection(t *testing.T) {
	ctx := context.Background()
	db := hrtest.CreateTestDB(t)
	rec := NewRecordingTransport(db, NewOutboxTransport(zaptest.NewLogger(t).Sugar()), zaptest.NewLogger(t).Sugar())
	rec.SetClock(func() time.Time { return t0 })
	threads := NewThreads(db)

	sent, err := rec.Send(ctx, msg("ada@example.com"))
	require.NoError(t, err)

	replied, err := threads.HasReplySince(ctx, sent.EmailID, t0)
	require.NoError(t, err)
	assert.False(t, replied)

	_, err = threads.RecordInbound(ctx, sent.EmailID, "ada@example.com", "Thanks!", t0.Add(time.Hour))
	require.NoError(t, err)

	replied, err = threads.HasReplySince(ctx, sent.EmailID, t0)
	require.NoError(t, err)
	assert.True(t, replied)

	replied, err = threads.HasReplySince(ctx, sent.EmailID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, replied, "replies before the cutoff do not count")

	replied, err = threads.HasReplySince(ctx, "other-thread", t0)
	require.NoError(t, err)
	assert.False(t, replied)

	_, err = threads.RecordInbound(ctx, "missing", "x@example.com", "hi", t0)
	assert.True(t, errors.Is(err, ErrThreadNotFound))

	list, err := threads.List(ctx, sent.EmailID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Re: Hello", list[1].Subject)
	assert.Equal(t, sent.EmailID, list[1].InReplyTo)
}

func TestRateLimitedTransport(t *testing.T) {
	inner := &fakeTransport{}
	limited := NewRateLimitedTransport(inner, 1)

	_, err := limited.Send(context.Background(), msg("ada@example.com"))
	require.NoError(t, err, "burst of one goes through")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Send(ctx, msg("ada@example.com"))
	require.Error(t, err, "next token is a minute away")
	assert.Len(t, inner.sent, 1)

	unlimited := NewRateLimitedTransport(inner, 0)
	for i := 0; i < 5; i++ {
		_, err := unlimited.Send(context.Background(), msg("ada@example.com"))
		require.NoError(t, err)
	}
	assert.Len(t, inner.sent, 6)
}
