package federation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"concord/pkg/authz"
	"concord/pkg/codec"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns values in [0,1); tests pin it.
	rand func() float64
}

// DefaultBackoff is used when a component is configured without one.
var DefaultBackoff = Backoff{Base: 500 * time.Millisecond, Max: time.Minute, Jitter: 0.2}

// Delay returns the wait before retry number attempt, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoff.Max
	}
	rnd := b.rand
	if rnd == nil {
		rnd = rand.Float64
	}

	// base * 2^attempt, capped
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}

	// +/- jitter
	delay += delay * b.Jitter * (2*rnd() - 1)
	if delay < 0 {
		delay = float64(base)
	}
	return time.Duration(delay)
}

// IsRetryable reports whether err is worth another attempt. Codec and
// authorization failures never are; network failures and timeouts are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, codec.ErrMalformedContent),
		errors.Is(err, codec.ErrSignatureInvalid),
		errors.Is(err, codec.ErrUnknownSigningKey),
		errors.Is(err, authz.ErrAuthDenied),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}

	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC error, consider it retryable
		return true
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		return false
	}
}
