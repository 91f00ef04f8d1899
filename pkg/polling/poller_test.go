package polling

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeJob struct {
	state   string
	fetches int
}

func TestPollForCompletion(t *testing.T) {
	// Terminal after the third refresh.
	p := &Poller[*fakeJob]{
		Interval: time.Millisecond,
		Refresh: func(_ context.Context, h *fakeJob) (*fakeJob, error) {
			h.fetches++
			if h.fetches >= 3 {
				h.state = "Completed"
			}
			return h, nil
		},
		Complete:   func(h *fakeJob) bool { return h.state == "Completed" || h.state == "Failed" },
		Successful: func(h *fakeJob) bool { return h.state == "Completed" },
	}

	h, err := p.PollForCompletion(context.Background(), &fakeJob{state: "Running"}, time.Second)
	if err != nil {
		t.Fatalf("PollForCompletion failed: %v", err)
	}
	if h.fetches != 3 {
		t.Fatalf("fetches = %d, want 3", h.fetches)
	}
	if !p.IsComplete(h) || !p.IsSuccessful(h) {
		t.Fatal("completed job not reported complete and successful")
	}
}

func TestPollTimeout(t *testing.T) {
	p := &Poller[*fakeJob]{
		Interval: time.Millisecond,
		Refresh: func(_ context.Context, h *fakeJob) (*fakeJob, error) {
			h.fetches++
			return h, nil
		},
		Complete: func(h *fakeJob) bool { return false },
	}

	h, err := p.PollForCompletion(context.Background(), &fakeJob{state: "Running"}, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("PollForCompletion = %v, want ErrTimeout", err)
	}
	// The last observed handle comes back even on timeout; the operation
	// itself is not abandoned.
	if h == nil || h.fetches == 0 {
		t.Fatal("timeout did not return the last observed handle")
	}
	if h.state != "Running" {
		t.Fatalf("state = %q, want Running", h.state)
	}
}

func TestPollContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller[*fakeJob]{
		Interval: time.Millisecond,
		Refresh: func(_ context.Context, h *fakeJob) (*fakeJob, error) {
			h.fetches++
			if h.fetches == 1 {
				cancel()
			}
			return h, nil
		},
		Complete: func(h *fakeJob) bool { return false },
	}

	_, err := p.PollForCompletion(ctx, &fakeJob{}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("PollForCompletion = %v, want context.Canceled", err)
	}
}

func TestPollRefreshError(t *testing.T) {
	boom := errors.New("boom")
	p := &Poller[*fakeJob]{
		Interval: time.Millisecond,
		Refresh: func(_ context.Context, h *fakeJob) (*fakeJob, error) {
			return h, boom
		},
		Complete: func(h *fakeJob) bool { return true },
	}

	if _, err := p.PollForCompletion(context.Background(), &fakeJob{}, time.Second); !errors.Is(err, boom) {
		t.Fatalf("PollForCompletion = %v, want refresh error", err)
	}
}

func TestIsSuccessfulWithoutPredicate(t *testing.T) {
	p := &Poller[*fakeJob]{
		Refresh:  func(_ context.Context, h *fakeJob) (*fakeJob, error) { return h, nil },
		Complete: func(h *fakeJob) bool { return true },
	}
	if p.IsSuccessful(&fakeJob{}) {
		t.Fatal("IsSuccessful without predicate must be false")
	}
}
