// Package document converts between typed records and the loosely typed
// maps exchanged with document stores.
//
// Outbound values are cleaned of unset fields at every depth, since stores of
// this kind reject explicit nulls. Inbound maps are decoded and validated
// into typed records; anything that does not fit yields a
// *MalformedRecordError.
package document

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/comandos-hq/fieldlink/pkg/core"
)

// Data is a document body as stored remotely.
type Data = map[string]any

// MalformedRecordError reports a snapshot that could not be turned into a
// typed record.
type MalformedRecordError struct {
	Path string
	Err  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %s: %v", e.Path, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// Encode turns v into a Data map with every unset field removed.
func Encode(v any) (Data, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out Data
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if out == nil {
		return nil, errors.New("encode document: value is not an object")
	}
	return Clean(out).(Data), nil
}

// Clean removes nil values from maps and slices, recursing through nested
// structures. Clean(Clean(v)) equals Clean(v).
func Clean(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = Clean(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if val == nil {
				continue
			}
			out = append(out, Clean(val))
		}
		return out
	default:
		return v
	}
}

// Decode converts data into T, wrapping any failure in MalformedRecordError.
func Decode[T any](path string, data Data) (T, error) {
	var out T
	if data == nil {
		return out, &MalformedRecordError{Path: path, Err: errors.New("empty document")}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return out, &MalformedRecordError{Path: path, Err: err}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &MalformedRecordError{Path: path, Err: err}
	}
	return out, nil
}

// DecodeOperation decodes and validates the operation document.
func DecodeOperation(path string, data Data) (core.Operation, error) {
	op, err := Decode[core.Operation](path, data)
	if err != nil {
		return core.Operation{}, err
	}
	seen := make(map[string]bool, len(op.Missions))
	for i, m := range op.Missions {
		if m.ID == "" {
			return core.Operation{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("mission %d has no id", i)}
		}
		if seen[m.ID] {
			return core.Operation{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("duplicate mission %s", m.ID)}
		}
		seen[m.ID] = true
		if m.Status != "" && !m.Status.Valid() {
			return core.Operation{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("mission %s has status %q", m.ID, m.Status)}
		}
		for _, a := range m.Armies {
			if !a.Valid() {
				return core.Operation{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("mission %s has army %q", m.ID, a)}
			}
		}
	}
	if op.ID == "" {
		op.ID = core.OperationID
	}
	return op, nil
}

// DecodeOperator decodes and validates one operator document. id is the
// document id, used when the body omits it.
func DecodeOperator(path, id string, data Data) (core.Operator, error) {
	op, err := Decode[core.Operator](path, data)
	if err != nil {
		return core.Operator{}, err
	}
	if op.ID == "" {
		op.ID = id
	}
	if op.ID == "" {
		return core.Operator{}, &MalformedRecordError{Path: path, Err: errors.New("operator has no id")}
	}
	if !op.Army.Valid() {
		return core.Operator{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("army %q", op.Army)}
	}
	if op.Status != "" && !op.Status.Valid() {
		return core.Operator{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("status %q", op.Status)}
	}
	if op.Score < 0 {
		return core.Operator{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("negative score %d", op.Score)}
	}
	for mid, p := range op.MissionsProgress {
		if !p.Status.Valid() {
			return core.Operator{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("progress %s has status %q", mid, p.Status)}
		}
	}
	if op.Callsign == "" {
		op.Callsign = op.ID
	}
	return op, nil
}
