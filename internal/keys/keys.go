// Package keys converts between types.Identifier values and datastore keys.
//
// A key has three '/'-separated segments:
//
//	prefix/prefix_acqID/Type[_Channel{c}][_Pos{n}|_Pos_{x}_{y}][_Slice{z}][_Date{YYYYMMDD}][_Replicate{v}]
//
// Suffixes appear in that fixed order and are omitted when the field is
// absent. Two-element positions are zero padded to three digits. An
// attribute record encodes the type it describes in place of its own, so it
// shares the key of its target.
package keys

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Separator joins key segments.
const Separator = "/"

const dateKeyLayout = "20060102"

var leafPattern = regexp.MustCompile(
	`^([A-Za-z][A-Za-z0-9]*)` +
		`(?:_Channel([^_/]+))?` +
		`(?:_Pos(?:(\d+)|_(\d{3,})_(\d{3,})))?` +
		`(?:_Slice(\d+))?` +
		`(?:_Date(\d{8}))?` +
		`(?:_Replicate(\d+))?$`)

// Encode returns the key for id. The identifier must satisfy
// types.Identifier.Validate.
func Encode(id types.Identifier) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}

	var leaf strings.Builder
	if id.IsAttribute() {
		leaf.WriteString(id.AttributeOf)
	} else {
		leaf.WriteString(id.DatasetType)
	}
	if id.ChannelID != nil {
		leaf.WriteString("_Channel")
		leaf.WriteString(*id.ChannelID)
	}
	switch len(id.PosID) {
	case 1:
		fmt.Fprintf(&leaf, "_Pos%d", id.PosID[0])
	case 2:
		fmt.Fprintf(&leaf, "_Pos_%03d_%03d", id.PosID[0], id.PosID[1])
	}
	if id.SliceID != nil {
		fmt.Fprintf(&leaf, "_Slice%d", *id.SliceID)
	}
	if id.DateID != nil {
		leaf.WriteString("_Date")
		leaf.WriteString(strings.ReplaceAll(*id.DateID, "-", ""))
	}
	if id.ReplicateID != nil {
		fmt.Fprintf(&leaf, "_Replicate%d", *id.ReplicateID)
	}

	return Group(id) + Separator + leaf.String(), nil
}

// Group returns the acquisition group key, prefix/prefix_acqID, that holds
// every record of one acquisition.
func Group(id types.Identifier) string {
	return id.Prefix + Separator + AcqSegment(id.Prefix, id.AcqID)
}

// AcqSegment returns the middle key segment for an acquisition.
func AcqSegment(prefix string, acqID int) string {
	return prefix + "_" + strconv.Itoa(acqID)
}

// Parent returns the key one level up, or "" for a top-level key.
func Parent(key string) string {
	i := strings.LastIndex(key, Separator)
	if i < 0 {
		return ""
	}
	return key[:i]
}

// Decode parses a key into the primary identifier it names. The type
// segment becomes DatasetType and AttributeOf is left empty; use DecodeAs to
// recover an attribute identifier. Keys that are not in canonical form, such
// as "_Slice01", are rejected so that every key names exactly one
// identifier.
func Decode(key string) (types.Identifier, error) {
	var id types.Identifier

	parts := strings.Split(key, Separator)
	if len(parts) != 3 {
		return id, fmt.Errorf("%w: %q must have 3 segments", types.ErrKeyFormat, key)
	}
	prefix, acq, leaf := parts[0], parts[1], parts[2]
	if prefix == "" {
		return id, fmt.Errorf("%w: %q has an empty prefix", types.ErrKeyFormat, key)
	}
	digits, ok := strings.CutPrefix(acq, prefix+"_")
	if !ok || digits == "" || strings.Trim(digits, "0123456789") != "" {
		return id, fmt.Errorf("%w: acquisition segment %q does not match prefix %q", types.ErrKeyFormat, acq, prefix)
	}
	acqID, err := strconv.Atoi(digits)
	if err != nil {
		return id, fmt.Errorf("%w: acquisition number %q: %v", types.ErrKeyFormat, digits, err)
	}
	id.Prefix = prefix
	id.AcqID = acqID

	m := leafPattern.FindStringSubmatch(leaf)
	if m == nil {
		return id, fmt.Errorf("%w: dataset segment %q", types.ErrKeyFormat, leaf)
	}
	id.DatasetType = m[1]
	if m[2] != "" {
		id.ChannelID = types.String(m[2])
	}
	switch {
	case m[3] != "":
		n, err := atoi(m[3])
		if err != nil {
			return id, err
		}
		id.PosID = []int{n}
	case m[4] != "":
		x, err := atoi(m[4])
		if err != nil {
			return id, err
		}
		y, err := atoi(m[5])
		if err != nil {
			return id, err
		}
		id.PosID = []int{x, y}
	}
	if m[6] != "" {
		n, err := atoi(m[6])
		if err != nil {
			return id, err
		}
		id.SliceID = types.Int(n)
	}
	if m[7] != "" {
		d, err := time.Parse(dateKeyLayout, m[7])
		if err != nil {
			return id, fmt.Errorf("%w: date %q", types.ErrKeyFormat, m[7])
		}
		id.DateID = types.String(d.Format(types.DateLayout))
	}
	if m[8] != "" {
		n, err := atoi(m[8])
		if err != nil {
			return id, err
		}
		id.ReplicateID = types.Int(n)
	}

	canonical, err := Encode(id)
	if err != nil {
		return id, fmt.Errorf("%w: %v", types.ErrKeyFormat, err)
	}
	if canonical != key {
		return id, fmt.Errorf("%w: %q is not canonical, expected %q", types.ErrKeyFormat, key, canonical)
	}
	return id, nil
}

// DecodeAs parses key as the identifier of a datasetType record. When
// attributeOf is non-empty the key's type segment must equal it and the
// result is an attribute identifier; otherwise the type segment must equal
// datasetType.
func DecodeAs(key, datasetType, attributeOf string) (types.Identifier, error) {
	id, err := Decode(key)
	if err != nil {
		return id, err
	}
	want := datasetType
	if attributeOf != "" {
		want = attributeOf
	}
	if id.DatasetType != want {
		return id, fmt.Errorf("%w: key %q names %s, not %s", types.ErrKeyFormat, key, id.DatasetType, want)
	}
	id.DatasetType = datasetType
	id.AttributeOf = attributeOf
	return id, nil
}

func atoi(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q: %v", types.ErrKeyFormat, s, err)
	}
	return n, nil
}
