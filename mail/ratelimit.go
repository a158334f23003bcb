package mail

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/hrpulse/errors"
)

// RateLimitedTransport caps the send rate of the wrapped transport. Send
// blocks until a token is available or ctx ends.
type RateLimitedTransport struct {
	next    Transport
	limiter *rate.Limiter
}

// NewRateLimitedTransport allows perMinute sends per minute with a burst of
// one. perMinute <= 0 disables limiting.
func NewRateLimitedTransport(next Transport, perMinute int) *RateLimitedTransport {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &RateLimitedTransport{next: next, limiter: rate.NewLimiter(limit, 1)}
}

// Send waits for the limiter, then delivers.
func (t *RateLimitedTransport) Send(ctx context.Context, msg Message) (Result, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Result{}, errors.Wrap(err, "mail rate limit wait aborted")
	}
	return t.next.Send(ctx, msg)
}
