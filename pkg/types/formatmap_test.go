package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatMap(t *testing.T) {
	m := NewFormatMap(map[string]string{"x [nm]": "x", "y [nm]": "y"})

	assert.Equal(t, "x", m.Forward("x [nm]"))
	assert.Equal(t, "y [nm]", m.Reverse("y"))

	// Unmapped names translate to themselves in both directions.
	assert.Equal(t, "photons", m.Forward("photons"))
	assert.Equal(t, "photons", m.Reverse("photons"))

	// Re-pairing one side drops the stale pair.
	m.Set("x [um]", "x")
	assert.Equal(t, "x [um]", m.Reverse("x"))
	assert.Equal(t, "x [nm]", m.Forward("x [nm]"))
	assert.Equal(t, 2, m.Len())

	m.Delete("y [nm]")
	assert.Equal(t, "y", m.Reverse("y"))
	assert.Equal(t, 1, m.Len())
}

func TestDefaultFormat(t *testing.T) {
	m := DefaultFormat()
	assert.Equal(t, "precision", m.Forward("uncertainty [nm]"))
	assert.Equal(t, "intensity [photon]", m.Reverse("photons"))
	assert.Equal(t, "frame", m.Forward("frame"))
}

func TestBuildSummaryErr(t *testing.T) {
	var s BuildSummary
	assert.NoError(t, s.Err())

	s.Failures = append(s.Failures, BuildFailure{Path: "a.csv", DatasetType: TypeLocalizations, Err: ErrUnparsableFilename})
	err := s.Err()
	assert.ErrorIs(t, err, ErrUnparsableFilename)
	assert.Contains(t, err.Error(), "a.csv")
}
