package job

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/skyforge/provisd/pkg/kvstore"
)

// Registry hands out per-type stores over one key-value backend and
// answers cross-type status queries for the REST facade.
type Registry struct {
	kv kvstore.Store

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry returns a Registry over kv. Stores are created on first use
// and registered so cross-type queries know which types exist.
func NewRegistry(kv kvstore.Store, jobTypes ...string) (*Registry, error) {
	r := &Registry{
		kv:     kv,
		stores: make(map[string]*Store),
	}
	for _, jt := range jobTypes {
		if _, err := r.Store(jt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Store returns the store for jobType, creating and registering it if
// needed.
func (r *Registry) Store(jobType string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[jobType]; ok {
		return s, nil
	}
	s, err := NewStore(r.kv, jobType)
	if err != nil {
		return nil, err
	}
	r.stores[jobType] = s
	return s, nil
}

// Has reports whether jobType is registered.
func (r *Registry) Has(jobType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stores[jobType]
	return ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.stores))
	for jt := range r.stores {
		types = append(types, jt)
	}
	sort.Strings(types)
	return types
}

// SweepExpired runs the expiry sweep across every registered type and
// returns the total number of records removed.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for _, jt := range r.Types() {
		s, err := r.Store(jt)
		if err != nil {
			return total, err
		}
		n, err := s.SweepExpired(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Filter narrows a Summaries query.
type Filter struct {
	// TypePattern is a glob matched against the job type ("instance-*").
	// Empty matches every type.
	TypePattern string

	// Status keeps only jobs in the given state. Empty keeps all.
	Status Status
}

// Summary is the read-side view of a job exposed to status clients.
type Summary struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Status   Status  `json:"status"`
	Created  float64 `json:"created"`
	Modified float64 `json:"modified"`

	CloudType  string `json:"cloudType,omitempty"`
	CloudName  string `json:"cloudName,omitempty"`
	ImageID    string `json:"imageId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`

	History []LogEntry     `json:"history,omitempty"`
	Result  []string       `json:"result,omitempty"`
	Error   *ErrorResponse `json:"errorResponse,omitempty"`
}

// Summarize builds the read-side view of one record, including its
// history.
func Summarize(ctx context.Context, rec *Record) (Summary, error) {
	history, err := rec.Logs(ctx)
	if err != nil {
		return Summary{}, err
	}
	errResp, err := rec.ErrorResponse()
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		ID:         rec.ID(),
		Type:       rec.Type(),
		Status:     rec.Status(),
		Created:    rec.Created(),
		Modified:   rec.Modified(),
		CloudType:  rec.CloudType(),
		CloudName:  rec.CloudName(),
		ImageID:    rec.ImageID(),
		InstanceID: rec.InstanceID(),
		History:    history,
		Result:     rec.Result(),
		Error:      errResp,
	}, nil
}

// Summaries returns the live jobs matching the filter, sorted by creation
// time ascending. The store itself guarantees no ordering; the sort here
// is the contract status clients rely on.
func (r *Registry) Summaries(ctx context.Context, filter Filter) ([]Summary, error) {
	if filter.TypePattern != "" {
		if !doublestar.ValidatePattern(filter.TypePattern) {
			return nil, fmt.Errorf("invalid type pattern %q", filter.TypePattern)
		}
	}

	var out []Summary
	for _, jt := range r.Types() {
		if filter.TypePattern != "" {
			ok, err := doublestar.Match(filter.TypePattern, jt)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		s, err := r.Store(jt)
		if err != nil {
			return nil, err
		}
		records, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if filter.Status != "" && rec.Status() != filter.Status {
				continue
			}
			summary, err := Summarize(ctx, rec)
			if err != nil {
				return nil, err
			}
			out = append(out, summary)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
