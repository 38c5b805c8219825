// Package metric projects single fields out of Tacitus snapshots.
//
// Absence is data, not a fault: a record that disappeared between polls, a
// field the API left out and an explicit null all read as "not present".
package metric

import (
	"strconv"

	"tacitus/internal/tacitus"
)

// Value is a scalar taken from a record: string, float64 or bool
type Value = any

// Transform post-processes a present value. Returning false turns the value into "not present".
type Transform func(Value) (Value, bool)

// Find returns the first record, in snapshot order, whose identity field equals key
func Find(snap *tacitus.Snapshot, identityField, key string) (tacitus.Record, bool) {
	if snap == nil {
		return nil, false
	}
	for _, record := range snap.Records {
		id, ok := record.String(identityField)
		if ok && id == key {
			return record, true
		}
	}
	return nil, false
}

// Read returns field of the record identified by key, or false when the record or field is absent
func Read(snap *tacitus.Snapshot, identityField, key, field string) (Value, bool) {
	record, ok := Find(snap, identityField, key)
	if !ok {
		return nil, false
	}
	return record.Lookup(field)
}

// Reader extracts one field for records identified by IdentityField
type Reader struct {
	IdentityField string
	Field         string
	Transform     Transform
}

// Read projects the reader's field for key and applies the transform, if any
func (r Reader) Read(snap *tacitus.Snapshot, key string) (Value, bool) {
	v, ok := Read(snap, r.IdentityField, key, r.Field)
	if !ok {
		return nil, false
	}
	if r.Transform == nil {
		return v, true
	}
	return r.Transform(v)
}

// InvertBool flips a boolean; used to turn smart_status_passed into a problem flag.
// Non-boolean values are treated as absent rather than guessed.
func InvertBool(v Value) (Value, bool) {
	b, ok := v.(bool)
	if !ok {
		return nil, false
	}
	return !b, true
}

// Float converts numbers and numeric strings to float64
func Float(v Value) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// FormatState renders a value the way Home Assistant expects a state string
func FormatState(v Value) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "on"
		}
		return "off"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return ""
	}
}
