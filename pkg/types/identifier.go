package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout of Identifier.DateID.
const DateLayout = "2006-01-02"

// NoneValue is how an absent optional field is written to, and read from,
// persisted attributes and field mappings.
const NoneValue = "None"

// Identifier field names used in field mappings, attributes and query filters.
const (
	FieldPrefix      = "prefix"
	FieldAcqID       = "acqID"
	FieldDatasetType = "datasetType"
	FieldChannelID   = "channelID"
	FieldDateID      = "dateID"
	FieldPosID       = "posID"
	FieldSliceID     = "sliceID"
	FieldReplicateID = "replicateID"
	FieldAttributeOf = "attributeOf"
)

// IdentifierFields lists the field names in their canonical order.
var IdentifierFields = []string{
	FieldPrefix,
	FieldAcqID,
	FieldDatasetType,
	FieldChannelID,
	FieldDateID,
	FieldPosID,
	FieldSliceID,
	FieldReplicateID,
	FieldAttributeOf,
}

// Identifier names one record in a datastore. Prefix, AcqID and DatasetType
// are required. Optional fields are absent when nil; absence is never encoded
// as a zero value.
type Identifier struct {
	Prefix      string  `json:"prefix"`
	AcqID       int     `json:"acqID"`
	DatasetType string  `json:"datasetType"`
	ChannelID   *string `json:"channelID"`
	DateID      *string `json:"dateID"`
	PosID       []int   `json:"posID"`
	SliceID     *int    `json:"sliceID"`
	ReplicateID *int    `json:"replicateID"`

	// AttributeOf names the dataset type this record describes. Empty for
	// primary records.
	AttributeOf string `json:"attributeOf"`
}

// String returns a pointer to s, for setting optional string fields.
func String(s string) *string { return &s }

// Int returns a pointer to i, for setting optional integer fields.
func Int(i int) *int { return &i }

// Validate checks the field invariants of the identifier. It does not check
// the dataset type against a registry; see Registry.Validate.
func (id Identifier) Validate() error {
	if id.Prefix == "" {
		return fmt.Errorf("%w: prefix is required", ErrDatasetID)
	}
	if strings.Contains(id.Prefix, "/") {
		return fmt.Errorf("%w: prefix %q contains '/'", ErrDatasetID, id.Prefix)
	}
	if id.AcqID < 0 {
		return fmt.Errorf("%w: acqID must be non-negative, got %d", ErrDatasetID, id.AcqID)
	}
	if id.DatasetType == "" {
		return fmt.Errorf("%w: datasetType is required", ErrDatasetID)
	}
	if id.ChannelID != nil {
		ch := *id.ChannelID
		if ch == "" || strings.ContainsAny(ch, "_/") {
			return fmt.Errorf("%w: channelID %q must be non-empty and free of '_' and '/'", ErrDatasetID, ch)
		}
	}
	if id.DateID != nil {
		if _, err := time.Parse(DateLayout, *id.DateID); err != nil {
			return fmt.Errorf("%w: dateID %q is not of the form YYYY-MM-DD", ErrDatasetID, *id.DateID)
		}
	}
	if id.PosID != nil {
		if len(id.PosID) != 1 && len(id.PosID) != 2 {
			return fmt.Errorf("%w: posID must have 1 or 2 elements, got %d", ErrDatasetID, len(id.PosID))
		}
		for _, p := range id.PosID {
			if p < 0 {
				return fmt.Errorf("%w: posID elements must be non-negative", ErrDatasetID)
			}
		}
	}
	if id.SliceID != nil && *id.SliceID < 0 {
		return fmt.Errorf("%w: sliceID must be non-negative", ErrDatasetID)
	}
	if id.ReplicateID != nil && *id.ReplicateID < 0 {
		return fmt.Errorf("%w: replicateID must be non-negative", ErrDatasetID)
	}
	return nil
}

// IsAttribute reports whether the record describes another dataset type.
func (id Identifier) IsAttribute() bool {
	return id.AttributeOf != ""
}

// Equal reports whether two identifiers have the same field values.
func (id Identifier) Equal(o Identifier) bool {
	if id.Prefix != o.Prefix || id.AcqID != o.AcqID ||
		id.DatasetType != o.DatasetType || id.AttributeOf != o.AttributeOf {
		return false
	}
	if !eqStr(id.ChannelID, o.ChannelID) || !eqStr(id.DateID, o.DateID) ||
		!eqInt(id.SliceID, o.SliceID) || !eqInt(id.ReplicateID, o.ReplicateID) {
		return false
	}
	if (id.PosID == nil) != (o.PosID == nil) || len(id.PosID) != len(o.PosID) {
		return false
	}
	for i := range id.PosID {
		if id.PosID[i] != o.PosID[i] {
			return false
		}
	}
	return true
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Fields returns the identifier as a field-name mapping. Absent optional
// fields map to nil.
func (id Identifier) Fields() map[string]any {
	m := map[string]any{
		FieldPrefix:      id.Prefix,
		FieldAcqID:       id.AcqID,
		FieldDatasetType: id.DatasetType,
		FieldChannelID:   nil,
		FieldDateID:      nil,
		FieldPosID:       nil,
		FieldSliceID:     nil,
		FieldReplicateID: nil,
		FieldAttributeOf: nil,
	}
	if id.ChannelID != nil {
		m[FieldChannelID] = *id.ChannelID
	}
	if id.DateID != nil {
		m[FieldDateID] = *id.DateID
	}
	if id.PosID != nil {
		m[FieldPosID] = append([]int(nil), id.PosID...)
	}
	if id.SliceID != nil {
		m[FieldSliceID] = *id.SliceID
	}
	if id.ReplicateID != nil {
		m[FieldReplicateID] = *id.ReplicateID
	}
	if id.AttributeOf != "" {
		m[FieldAttributeOf] = id.AttributeOf
	}
	return m
}

// IdentifierFromFields builds an Identifier from a field-name mapping such
// as the datasetIDs produced by a Parser. Missing keys, nil values and the
// string "None" mean absent. Prefix and acqID must be present.
func IdentifierFromFields(fields map[string]any) (Identifier, error) {
	var id Identifier

	prefix, ok, err := fieldString(fields, FieldPrefix)
	if err != nil {
		return id, err
	}
	if !ok {
		return id, fmt.Errorf("%w: prefix is required", ErrDatasetID)
	}
	id.Prefix = prefix

	acq, ok, err := fieldInt(fields, FieldAcqID)
	if err != nil {
		return id, err
	}
	if !ok {
		return id, fmt.Errorf("%w: acqID is required", ErrDatasetID)
	}
	id.AcqID = acq

	if dt, ok, err := fieldString(fields, FieldDatasetType); err != nil {
		return id, err
	} else if ok {
		id.DatasetType = dt
	}
	if ch, ok, err := fieldString(fields, FieldChannelID); err != nil {
		return id, err
	} else if ok {
		id.ChannelID = String(ch)
	}
	if d, ok, err := fieldString(fields, FieldDateID); err != nil {
		return id, err
	} else if ok {
		id.DateID = String(d)
	}
	if pos, ok, err := fieldIntSlice(fields, FieldPosID); err != nil {
		return id, err
	} else if ok {
		id.PosID = pos
	}
	if s, ok, err := fieldInt(fields, FieldSliceID); err != nil {
		return id, err
	} else if ok {
		id.SliceID = Int(s)
	}
	if r, ok, err := fieldInt(fields, FieldReplicateID); err != nil {
		return id, err
	} else if ok {
		id.ReplicateID = Int(r)
	}
	if a, ok, err := fieldString(fields, FieldAttributeOf); err != nil {
		return id, err
	} else if ok {
		id.AttributeOf = a
	}
	return id, nil
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == NoneValue
}

func fieldString(fields map[string]any, name string) (string, bool, error) {
	v, ok := fields[name]
	if !ok || isAbsent(v) {
		return "", false, nil
	}
	switch s := v.(type) {
	case string:
		return s, true, nil
	case *string:
		if s == nil {
			return "", false, nil
		}
		return *s, true, nil
	default:
		return "", false, fmt.Errorf("%w: %s must be a string, got %T", ErrDatasetID, name, v)
	}
}

// NormalizeInt converts the numeric forms found in decoded JSON, YAML and CLI
// input to int. Non-integral floats are rejected.
func NormalizeInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	case *int:
		if n == nil {
			return 0, false
		}
		return *n, true
	default:
		return 0, false
	}
}

func fieldInt(fields map[string]any, name string) (int, bool, error) {
	v, ok := fields[name]
	if !ok || isAbsent(v) {
		return 0, false, nil
	}
	if p, isPtr := v.(*int); isPtr && p == nil {
		return 0, false, nil
	}
	i, ok := NormalizeInt(v)
	if !ok {
		return 0, false, fmt.Errorf("%w: %s must be an integer, got %v", ErrDatasetID, name, v)
	}
	return i, true, nil
}

func fieldIntSlice(fields map[string]any, name string) ([]int, bool, error) {
	v, ok := fields[name]
	if !ok || isAbsent(v) {
		return nil, false, nil
	}
	var out []int
	switch s := v.(type) {
	case []int:
		if s == nil {
			return nil, false, nil
		}
		out = append(out, s...)
	case []any:
		for _, e := range s {
			i, ok := NormalizeInt(e)
			if !ok {
				return nil, false, fmt.Errorf("%w: %s elements must be integers", ErrDatasetID, name)
			}
			out = append(out, i)
		}
	default:
		i, ok := NormalizeInt(v)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s must be an integer tuple, got %v", ErrDatasetID, name, v)
		}
		out = []int{i}
	}
	return out, true, nil
}
