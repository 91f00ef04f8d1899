package job

import (
	"context"
	"strings"

	"github.com/skyforge/provisd/pkg/kvstore"
)

// Store manages the jobs of one job type: creation, lookup, enumeration,
// and the expiry sweep.
//
// Expiry is split into two explicit operations: List skips expired records
// so readers never observe one, and SweepExpired deletes them. Composing
// the two (the server runs the sweep on a schedule) gives the same
// behavior as the classic delete-on-enumerate, with the side effect
// visible and independently testable.
type Store struct {
	kv      kvstore.Store
	jobType string
}

// NewStore returns a Store for jobs of the given type.
func NewStore(kv kvstore.Store, jobType string) (*Store, error) {
	if err := kvstore.ValidateSegment(jobType); err != nil {
		return nil, &ValidationError{Field: FieldType, Message: "invalid job type"}
	}
	return &Store{kv: kv, jobType: jobType}, nil
}

// Type returns the job type this store manages.
func (s *Store) Type() string {
	return s.jobType
}

// Create allocates a new job record, stamps its type and timestamps, and
// persists the initial fields. Invalid input is rejected before anything
// is written.
func (s *Store) Create(ctx context.Context, fields map[string]any) (*Record, error) {
	for name, value := range fields {
		if name == FieldType {
			return nil, &ValidationError{Field: FieldType, Message: "type is fixed at creation"}
		}
		if !KnownField(name) {
			return nil, &ValidationError{Field: name, Message: "unknown field"}
		}
		if value == nil {
			return nil, &ValidationError{Field: name, Message: "initial value must not be nil"}
		}
		if _, err := encodeField(name, value); err != nil {
			return nil, err
		}
		if name == FieldStatus {
			if st := Status(value.(string)); !st.Valid() {
				return nil, &ValidationError{Field: FieldStatus, Message: "unknown status value"}
			}
		}
	}

	id, err := s.kv.NewCollection(ctx, s.jobType)
	if err != nil {
		return nil, err
	}

	now := Now()
	rec := newRecord(s.kv, s.jobType, id)

	created := now
	if v, ok := fields[FieldCreated].(float64); ok {
		created = v
	}
	ttl := DefaultTTL
	if v, ok := intValue(fields[FieldTTL]); ok {
		ttl = v
	}
	expiration := created + float64(ttl)
	if v, ok := fields[FieldExpiration].(float64); ok {
		expiration = v
	}
	status := string(StatusStarted)
	if v, ok := fields[FieldStatus].(string); ok {
		status = v
	}

	// Initial population goes through the internal path; modified is
	// stamped exactly once at the end.
	defaults := map[string]any{
		FieldType:       s.jobType,
		FieldCreated:    created,
		FieldTTL:        ttl,
		FieldExpiration: expiration,
		FieldStatus:     status,
	}
	for name, value := range defaults {
		if err := rec.set(ctx, name, value, false); err != nil {
			return nil, err
		}
	}
	for name, value := range fields {
		switch name {
		case FieldCreated, FieldTTL, FieldExpiration, FieldStatus, FieldModified:
			continue
		}
		if err := rec.set(ctx, name, value, false); err != nil {
			return nil, err
		}
	}

	modified := now
	if v, ok := fields[FieldModified].(float64); ok {
		modified = v
	}
	if err := rec.set(ctx, FieldModified, modified, false); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record for id, or ErrNotFound when the id is unknown or
// the record has expired. Expired records are not deleted here; the sweep
// owns deletion.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if err := kvstore.ValidateSegment(id); err != nil {
		return nil, ErrNotFound
	}

	exists, err := s.kv.Exists(ctx, s.jobType+"/"+id+"/"+FieldType)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rec := newRecord(s.kv, s.jobType, id)
	if err := rec.load(ctx); err != nil {
		if kvstore.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.Expired(Now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns the live records of this type. Expired records are
// skipped, as is any record deleted between enumeration and load; that
// race is expected under concurrent sweeps and is not an error.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	ids, err := s.kv.Enumerate(ctx, s.jobType)
	if err != nil {
		return nil, err
	}

	now := Now()
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if kvstore.ValidateSegment(id) != nil {
			continue
		}
		exists, err := s.kv.Exists(ctx, s.jobType+"/"+id+"/"+FieldType)
		if err != nil || !exists {
			continue
		}
		rec := newRecord(s.kv, s.jobType, id)
		if err := rec.load(ctx); err != nil {
			if kvstore.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if rec.Expired(now) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// SweepExpired deletes every record of this type past its expiration and
// returns how many were removed. Ids without a type field are collections
// left behind by a create that failed midway; they are reaped too, since
// nothing else will ever delete them.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.kv.Enumerate(ctx, s.jobType)
	if err != nil {
		return 0, err
	}

	now := Now()
	swept := 0
	for _, id := range ids {
		if kvstore.ValidateSegment(id) != nil {
			continue
		}
		exists, err := s.kv.Exists(ctx, s.jobType+"/"+id+"/"+FieldType)
		if err != nil {
			return swept, err
		}
		if !exists {
			if err := s.kv.Delete(ctx, s.jobType+"/"+id); err != nil {
				return swept, err
			}
			swept++
			continue
		}
		rec := newRecord(s.kv, s.jobType, id)
		if err := rec.load(ctx); err != nil {
			if kvstore.IsNotFound(err) {
				continue
			}
			return swept, err
		}
		if !rec.Expired(now) {
			continue
		}
		if err := s.kv.Delete(ctx, s.jobType+"/"+id); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

const resultSeparator = "\n"

func joinResult(entries []string) string {
	return strings.Join(entries, resultSeparator)
}

func splitResult(raw string) []string {
	parts := strings.Split(raw, resultSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
