package types

// FormatMap translates column names between two naming conventions. It is a
// bidirectional mapping: Forward looks up a name on the left side and Reverse
// a name on the right side. A name with no entry translates to itself, so
// unknown columns pass through a header conversion untouched.
type FormatMap struct {
	forward map[string]string
	reverse map[string]string
}

// NewFormatMap builds a FormatMap from left-to-right pairs. A later pair
// replaces any earlier pair sharing either side.
func NewFormatMap(pairs map[string]string) *FormatMap {
	m := &FormatMap{
		forward: make(map[string]string, len(pairs)),
		reverse: make(map[string]string, len(pairs)),
	}
	for k, v := range pairs {
		m.Set(k, v)
	}
	return m
}

// DefaultFormat maps the ThunderSTORM-style CSV headers to the short column
// names used by the processors.
func DefaultFormat() *FormatMap {
	return NewFormatMap(map[string]string{
		"x [nm]":             "x",
		"y [nm]":             "y",
		"z [nm]":             "z",
		"frame":              "frame",
		"uncertainty [nm]":   "precision",
		"intensity [photon]": "photons",
		"offset [photon]":    "background",
		"loglikelihood":      "loglikelihood",
		"sigma [nm]":         "sigma",
		"dx [nm]":            "dx",
		"dy [nm]":            "dy",
		"length [frames]":    "length",
	})
}

// Set adds the pair left <-> right, removing stale pairs on either side.
func (m *FormatMap) Set(left, right string) {
	if old, ok := m.forward[left]; ok {
		delete(m.reverse, old)
	}
	if old, ok := m.reverse[right]; ok {
		delete(m.forward, old)
	}
	m.forward[left] = right
	m.reverse[right] = left
}

// Delete removes the pair whose left side is left.
func (m *FormatMap) Delete(left string) {
	if right, ok := m.forward[left]; ok {
		delete(m.forward, left)
		delete(m.reverse, right)
	}
}

// Forward translates a left-side name, returning name itself when unmapped.
func (m *FormatMap) Forward(name string) string {
	if v, ok := m.forward[name]; ok {
		return v
	}
	return name
}

// Reverse translates a right-side name, returning name itself when unmapped.
func (m *FormatMap) Reverse(name string) string {
	if v, ok := m.reverse[name]; ok {
		return v
	}
	return name
}

// Len returns the number of pairs.
func (m *FormatMap) Len() int { return len(m.forward) }
