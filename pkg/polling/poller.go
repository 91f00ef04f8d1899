// Package polling provides a generic "submit async, poll until terminal"
// helper. The same shape drives local job records and remote management
// agents; only the refresh and predicate callbacks differ.
package polling

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout indicates the polling deadline passed before the operation
// reached a terminal state. The underlying operation may still be
// progressing; a later poll can observe its terminal state.
var ErrTimeout = errors.New("polling timed out")

// DefaultInterval is the sleep between completion checks.
const DefaultInterval = time.Second

// Poller repeatedly refreshes a handle until it is complete or a deadline
// passes.
type Poller[H any] struct {
	// Refresh re-reads the handle's current state. Required.
	Refresh func(ctx context.Context, h H) (H, error)

	// Complete reports whether the handle reached a terminal state.
	// Required. A handle can complete by failing; see Successful.
	Complete func(h H) bool

	// Successful reports whether a complete handle ended well. Optional;
	// IsSuccessful returns false without it.
	Successful func(h H) bool

	// Interval is the sleep between checks. Zero means DefaultInterval.
	Interval time.Duration
}

// IsComplete reports whether h is terminal.
func (p *Poller[H]) IsComplete(h H) bool {
	return p.Complete(h)
}

// IsSuccessful reports whether h completed successfully. Distinct from
// IsComplete: a failed job is complete but not successful.
func (p *Poller[H]) IsSuccessful(h H) bool {
	return p.Successful != nil && p.Successful(h)
}

// PollForCompletion refreshes h until it is complete, the timeout passes,
// or ctx is canceled. The last observed handle is always returned; on
// timeout the error is ErrTimeout, which abandons the wait but not the
// underlying operation.
func (p *Poller[H]) PollForCompletion(ctx context.Context, h H, timeout time.Duration) (H, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fresh, err := p.Refresh(ctx, h)
		if err != nil {
			return h, err
		}
		h = fresh
		if p.Complete(h) {
			return h, nil
		}
		if !time.Now().Before(deadline) {
			return h, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return h, ctx.Err()
		case <-ticker.C:
		}
	}
}
