package remote

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/skyforge/provisd/pkg/job"
)

// SubmittedReturnCode is the code an agent reports for an accepted
// submission. Any other code on submit is an error.
const SubmittedReturnCode = 200

// ReturnCodeError indicates the agent answered with a return code other
// than the one semantically expected for the operation. Description is
// looked up from the agent's own return-code table.
type ReturnCodeError struct {
	Expected    int
	Actual      int
	Description string
}

// Error implements the error interface.
func (e *ReturnCodeError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("unexpected return code: expected %d, got %d (%s)", e.Expected, e.Actual, e.Description)
	}
	return fmt.Sprintf("unexpected return code: expected %d, got %d", e.Expected, e.Actual)
}

// valueMap is a server-provided lookup table (return codes or job states)
// with explicit refresh and TTL, owned by the client that needs it. A
// stale table is refetched on the next lookup; Refresh forces it.
type valueMap struct {
	mu      sync.Mutex
	values  map[int]string
	fetched time.Time
	ttl     time.Duration
	fetch   func(ctx context.Context) (map[int]string, error)
}

func newValueMap(ttl time.Duration, fetch func(ctx context.Context) (map[int]string, error)) *valueMap {
	return &valueMap{ttl: ttl, fetch: fetch}
}

// Refresh refetches the table unconditionally.
func (m *valueMap) Refresh(ctx context.Context) error {
	values, err := m.fetch(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values = values
	m.fetched = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *valueMap) lookup(ctx context.Context, code int) (string, bool, error) {
	m.mu.Lock()
	stale := m.values == nil || (m.ttl > 0 && time.Since(m.fetched) > m.ttl)
	m.mu.Unlock()

	if stale {
		if err := m.Refresh(ctx); err != nil {
			return "", false, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[code]
	return v, ok, nil
}

// decodeValueMap parses the wire form, which keys by decimal strings.
func decodeValueMap(wire map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(wire))
	for k, v := range wire {
		code, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("bad value-map key %q: %w", k, err)
		}
		out[code] = v
	}
	return out, nil
}

// mapJobState translates an agent's numeric job state into a job.Status
// using the server-provided value map.
func mapJobState(name string) (job.Status, error) {
	st := job.Status(name)
	if !st.Valid() {
		return "", fmt.Errorf("agent reported unknown job state %q", name)
	}
	return st, nil
}
