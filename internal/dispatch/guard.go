package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/howard-nolan/edgeproxy/internal/provider"
)

// DefaultTimeout bounds a single attempt when none is configured.
const DefaultTimeout = 15 * time.Second

// Guard bounds one attempt. Each attempt gets its own deadline; nothing is
// shared between attempts.
type Guard struct {
	Timeout time.Duration
}

// Run calls fn with a context that expires after g.Timeout. Whichever
// finishes first wins: if the deadline fires before fn returns, Run returns
// a transport_error Failure for c straight away, even if fn ignores its
// context. The timer is released as soon as Run returns, which also
// cancels the in-flight HTTP call so fn's goroutine can exit.
func (g Guard) Run(ctx context.Context, c Candidate, fn func(ctx context.Context) provider.Outcome) provider.Outcome {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so the goroutine can always deliver and exit, even after
	// we've stopped listening.
	done := make(chan provider.Outcome, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		detail := fmt.Sprintf("timed out after %s", timeout)
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			detail = "canceled before completion"
		}
		return provider.Fail(c.Provider, c.Model, provider.ReasonTransportError, 0, detail)
	}
}
