package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Standard field names. Each job persists its scalar fields as
// <jobType>/<jobID>/<fieldName>; log entries live under
// <jobType>/<jobID>/logs/.
const (
	FieldType            = "type"
	FieldStatus          = "status"
	FieldCreated         = "created"
	FieldModified        = "modified"
	FieldExpiration      = "expiration"
	FieldTTL             = "ttl"
	FieldPID             = "pid"
	FieldResult          = "result"
	FieldErrorResponse   = "errorResponse"
	FieldCancelRequested = "cancelRequested"

	// Provisioning extension fields.
	FieldCloudName  = "cloudName"
	FieldCloudType  = "cloudType"
	FieldImageID    = "imageId"
	FieldInstanceID = "instanceId"
)

// DefaultTTL is the record lifetime in seconds when no ttl is supplied.
const DefaultTTL = 7200

// fieldKind selects the codec used to persist a field value.
type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindTimestamp
)

// fieldTable is the static list of known fields and their codecs. Field
// iteration for load and serialization walks this table; there is no
// reflective dispatch.
var fieldTable = []struct {
	name string
	kind fieldKind
}{
	{FieldType, kindString},
	{FieldStatus, kindString},
	{FieldCreated, kindTimestamp},
	{FieldModified, kindTimestamp},
	{FieldExpiration, kindTimestamp},
	{FieldTTL, kindInt},
	{FieldPID, kindString},
	{FieldResult, kindString},
	{FieldErrorResponse, kindString},
	{FieldCancelRequested, kindString},
	{FieldCloudName, kindString},
	{FieldCloudType, kindString},
	{FieldImageID, kindString},
	{FieldInstanceID, kindString},
}

var fieldKinds = func() map[string]fieldKind {
	m := make(map[string]fieldKind, len(fieldTable))
	for _, f := range fieldTable {
		m[f.name] = f.kind
	}
	return m
}()

// KnownField reports whether name is in the field table.
func KnownField(name string) bool {
	_, ok := fieldKinds[name]
	return ok
}

// intValue normalizes the integer widths the int codec accepts.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

// Now returns the current time as floating-point seconds since the epoch,
// truncated to millisecond precision to match the stored format.
func Now() float64 {
	return float64(time.Now().UnixMilli()) / 1000
}

// FormatTimestamp renders a timestamp with the fixed 3-decimal precision
// used on disk.
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 3, 64)
}

// ParseTimestamp parses a 3-decimal timestamp string.
func ParseTimestamp(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// encodeField renders a typed value to its stored string form.
func encodeField(name string, value any) (string, error) {
	kind, ok := fieldKinds[name]
	if !ok {
		return "", fmt.Errorf("unknown job field %q", name)
	}
	switch kind {
	case kindString:
		s, ok := value.(string)
		if !ok {
			return "", &ValidationError{Field: name, Message: fmt.Sprintf("expected string, got %T", value)}
		}
		return s, nil
	case kindInt:
		switch v := value.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		default:
			return "", &ValidationError{Field: name, Message: fmt.Sprintf("expected integer, got %T", value)}
		}
	case kindTimestamp:
		v, ok := value.(float64)
		if !ok {
			return "", &ValidationError{Field: name, Message: fmt.Sprintf("expected timestamp, got %T", value)}
		}
		return FormatTimestamp(v), nil
	}
	return "", fmt.Errorf("unknown field kind for %q", name)
}

// decodeField parses a stored string into the field's typed value.
func decodeField(name, raw string) (any, error) {
	kind, ok := fieldKinds[name]
	if !ok {
		return nil, fmt.Errorf("unknown job field %q", name)
	}
	switch kind {
	case kindString:
		return raw, nil
	case kindInt:
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return v, nil
	case kindTimestamp:
		v, err := ParseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown field kind for %q", name)
}
