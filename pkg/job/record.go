package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/skyforge/provisd/pkg/kvstore"
)

// LogEntry is one append-only history entry on a job.
type LogEntry struct {
	Timestamp float64 `json:"timestamp"`
	Content   string  `json:"content"`
}

// logRecord pairs a persisted entry with its sequence number, the true
// storage key. The timestamp is a sortable attribute, not the key, so two
// entries logged in the same millisecond both survive.
type logRecord struct {
	seq   int
	entry LogEntry
}

// Record is a typed, lazily-loaded view of one job's fields and log,
// backed by the key-value store.
//
// A record has exactly one logical writer (the runner or the action it
// drives); any number of readers may hold their own Record for the same id
// and observe durably persisted state.
type Record struct {
	kv      kvstore.Store
	jobType string
	id      string

	mu         sync.Mutex
	vals       map[string]any
	logs       []logRecord
	logsLoaded bool
	nextSeq    int
}

func newRecord(kv kvstore.Store, jobType, id string) *Record {
	return &Record{
		kv:      kv,
		jobType: jobType,
		id:      id,
		vals:    make(map[string]any),
	}
}

func (r *Record) fieldKey(name string) string {
	return r.jobType + "/" + r.id + "/" + name
}

func (r *Record) logsPrefix() string {
	return r.jobType + "/" + r.id + "/logs"
}

// load reads every known field and applies defaults in memory. Defaults
// never bump modified and are not written back; the next durable write
// will carry them.
func (r *Record) load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vals := make(map[string]any, len(fieldTable))
	for _, f := range fieldTable {
		raw, err := r.kv.Get(ctx, r.fieldKey(f.name))
		if err != nil {
			if kvstore.IsNotFound(err) {
				continue
			}
			return err
		}
		v, err := decodeField(f.name, string(raw))
		if err != nil {
			return fmt.Errorf("load job %s/%s: %w", r.jobType, r.id, err)
		}
		vals[f.name] = v
	}
	r.vals = vals

	if _, ok := r.vals[FieldTTL]; !ok {
		r.vals[FieldTTL] = DefaultTTL
	}
	if _, ok := r.vals[FieldModified]; !ok {
		r.vals[FieldModified] = Now()
	}
	if _, ok := r.vals[FieldExpiration]; !ok {
		r.vals[FieldExpiration] = r.vals[FieldModified].(float64) + float64(r.vals[FieldTTL].(int))
	}
	if _, ok := r.vals[FieldStatus]; !ok {
		r.vals[FieldStatus] = string(StatusStarted)
	}
	return nil
}

// Refresh re-reads the record's fields from the store, discarding cached
// values. The log cache is kept; logs are append-only.
func (r *Record) Refresh(ctx context.Context) error {
	return r.load(ctx)
}

// ID returns the job's immutable id.
func (r *Record) ID() string {
	return r.id
}

// Type returns the job type the record belongs to.
func (r *Record) Type() string {
	return r.jobType
}

// set writes one field through its codec. touch controls the secondary
// modified write; writes to modified itself never cascade.
func (r *Record) set(ctx context.Context, name string, value any, touch bool) error {
	if value == nil {
		if err := r.kv.Delete(ctx, r.fieldKey(name)); err != nil {
			return err
		}
		r.mu.Lock()
		delete(r.vals, name)
		r.mu.Unlock()
	} else {
		raw, err := encodeField(name, value)
		if err != nil {
			return err
		}
		decoded, err := decodeField(name, raw)
		if err != nil {
			return err
		}
		if err := r.kv.Set(ctx, r.fieldKey(name), []byte(raw)); err != nil {
			return err
		}
		r.mu.Lock()
		r.vals[name] = decoded
		r.mu.Unlock()
	}

	if touch && name != FieldModified {
		return r.set(ctx, FieldModified, Now(), false)
	}
	return nil
}

// Set writes a field value and bumps the modified timestamp. A nil value
// deletes the field. Unknown field names are a programmer error and are
// rejected. The type field is fixed at creation, and status writes go
// through the same transition check as SetStatus.
func (r *Record) Set(ctx context.Context, name string, value any) error {
	if !KnownField(name) {
		return &ValidationError{Field: name, Message: "unknown field"}
	}
	switch name {
	case FieldType:
		return &ValidationError{Field: name, Message: "type is fixed at creation"}
	case FieldStatus:
		s, ok := value.(string)
		if !ok {
			if st, isStatus := value.(Status); isStatus {
				s = string(st)
			} else {
				return &ValidationError{Field: name, Message: "status must be a string"}
			}
		}
		next := Status(s)
		if !next.Valid() {
			return &ValidationError{Field: name, Message: fmt.Sprintf("unknown status %q", s)}
		}
		return r.SetStatus(ctx, next)
	}
	return r.set(ctx, name, value, true)
}

func (r *Record) getString(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vals[name].(string); ok {
		return v
	}
	return ""
}

func (r *Record) getFloat(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vals[name].(float64); ok {
		return v
	}
	return 0
}

func (r *Record) getInt(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vals[name].(int); ok {
		return v
	}
	return 0
}

// Status returns the job's current status.
func (r *Record) Status() Status {
	return Status(r.getString(FieldStatus))
}

// SetStatus advances the job's status. Transitions only move forward;
// attempting to regress or to leave a terminal state returns
// ErrStatusRegression.
func (r *Record) SetStatus(ctx context.Context, status Status) error {
	cur := r.Status()
	if !cur.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, cur, status)
	}
	return r.set(ctx, FieldStatus, string(status), true)
}

// Created returns the creation timestamp (seconds since epoch).
func (r *Record) Created() float64 {
	return r.getFloat(FieldCreated)
}

// Modified returns the last-mutation timestamp.
func (r *Record) Modified() float64 {
	return r.getFloat(FieldModified)
}

// Expiration returns the timestamp past which the record may be swept.
func (r *Record) Expiration() float64 {
	return r.getFloat(FieldExpiration)
}

// TTL returns the record's time-to-live in seconds.
func (r *Record) TTL() int {
	return r.getInt(FieldTTL)
}

// PID returns the diagnostic owner identifier, if recorded.
func (r *Record) PID() string {
	return r.getString(FieldPID)
}

// CloudName returns the cloudName extension field.
func (r *Record) CloudName() string {
	return r.getString(FieldCloudName)
}

// CloudType returns the cloudType extension field.
func (r *Record) CloudType() string {
	return r.getString(FieldCloudType)
}

// ImageID returns the imageId extension field.
func (r *Record) ImageID() string {
	return r.getString(FieldImageID)
}

// InstanceID returns the instanceId extension field.
func (r *Record) InstanceID() string {
	return r.getString(FieldInstanceID)
}

// Expired reports whether the record is past its expiration at time now.
func (r *Record) Expired(now float64) bool {
	return r.Expiration() < now
}

// Result returns the job's result entries (resource hrefs or ids). They
// are stored newline-joined in a single field.
func (r *Record) Result() []string {
	raw := r.getString(FieldResult)
	if raw == "" {
		return nil
	}
	return splitResult(raw)
}

// SetResult records the job's result entries.
func (r *Record) SetResult(ctx context.Context, result []string) error {
	return r.set(ctx, FieldResult, joinResult(result), true)
}

// ErrorResponse returns the structured failure payload, or nil when the
// job has none.
func (r *Record) ErrorResponse() (*ErrorResponse, error) {
	raw := r.getString(FieldErrorResponse)
	if raw == "" {
		return nil, nil
	}
	return decodeErrorResponse(raw)
}

// SetErrorResponse records the structured failure payload.
func (r *Record) SetErrorResponse(ctx context.Context, code int, message, traceback string, productCodes map[string]string) error {
	resp := &ErrorResponse{
		Code:         code,
		Message:      message,
		Traceback:    traceback,
		ProductCodes: productCodes,
	}
	raw, err := resp.marshal()
	if err != nil {
		return err
	}
	return r.set(ctx, FieldErrorResponse, raw, true)
}

// RequestCancel sets the cooperative cancellation flag. The running action
// observes it through CancelRequested; nothing is interrupted forcibly.
func (r *Record) RequestCancel(ctx context.Context) error {
	return r.set(ctx, FieldCancelRequested, "true", true)
}

// CancelRequested reports whether cancellation has been requested. It
// re-reads the flag so a long-running action polls durable state, not its
// own cache.
func (r *Record) CancelRequested(ctx context.Context) bool {
	raw, err := r.kv.Get(ctx, r.fieldKey(FieldCancelRequested))
	if err != nil {
		return false
	}
	return string(raw) == "true"
}

// RecordPID stamps the worker identifier that owns execution.
func (r *Record) RecordPID(ctx context.Context) error {
	return r.set(ctx, FieldPID, strconv.Itoa(os.Getpid()), true)
}

// AddLog appends a history entry stamped with the current time.
func (r *Record) AddLog(ctx context.Context, content string) error {
	return r.AddLogAt(ctx, content, Now())
}

// AddLogAt appends a history entry with an explicit timestamp. Entries are
// keyed by a monotonic sequence number; the timestamp orders them at read
// time.
func (r *Record) AddLogAt(ctx context.Context, content string, ts float64) error {
	if err := r.ensureLogs(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	seq := r.nextSeq
	r.nextSeq++
	r.mu.Unlock()

	entry := LogEntry{Timestamp: ts, Content: content}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	key := fmt.Sprintf("%s/%08d", r.logsPrefix(), seq)
	if err := r.kv.Set(ctx, key, b); err != nil {
		return err
	}

	r.mu.Lock()
	r.logs = append(r.logs, logRecord{seq: seq, entry: entry})
	r.mu.Unlock()

	return r.set(ctx, FieldModified, Now(), false)
}

// Logs returns the job's history sorted by timestamp ascending, sequence
// number as tiebreaker.
func (r *Record) Logs(ctx context.Context) ([]LogEntry, error) {
	if err := r.ensureLogs(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	records := make([]logRecord, len(r.logs))
	copy(records, r.logs)
	r.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].entry.Timestamp != records[j].entry.Timestamp {
			return records[i].entry.Timestamp < records[j].entry.Timestamp
		}
		return records[i].seq < records[j].seq
	})

	entries := make([]LogEntry, len(records))
	for i, rec := range records {
		entries[i] = rec.entry
	}
	return entries, nil
}

func (r *Record) ensureLogs(ctx context.Context) error {
	r.mu.Lock()
	loaded := r.logsLoaded
	r.mu.Unlock()
	if loaded {
		return nil
	}

	ids, err := r.kv.Enumerate(ctx, r.logsPrefix())
	if err != nil {
		return err
	}

	records := make([]logRecord, 0, len(ids))
	next := 0
	for _, id := range ids {
		seq, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		raw, err := r.kv.Get(ctx, r.logsPrefix()+"/"+id)
		if err != nil {
			if kvstore.IsNotFound(err) {
				continue
			}
			return err
		}
		var entry LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("parse log entry %s: %w", id, err)
		}
		records = append(records, logRecord{seq: seq, entry: entry})
		if seq >= next {
			next = seq + 1
		}
	}

	r.mu.Lock()
	r.logs = records
	r.nextSeq = next
	r.logsLoaded = true
	r.mu.Unlock()
	return nil
}
