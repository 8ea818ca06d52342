package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	m := NewManual(start)

	assert.Equal(t, time.UTC, m.Now().Location())
	assert.True(t, m.Now().Equal(start))

	m.Advance(90 * time.Second)
	assert.True(t, m.Now().Equal(start.Add(90*time.Second)))
}

func TestRealIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Real().Now().Location())
	assert.NotNil(t, OrReal(nil))
}
