package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	sev, err := ParseSeverity(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("urgent")
	assert.Error(t, err)

	et, err := ParseEventType("ddos_suspected")
	require.NoError(t, err)
	assert.Equal(t, EventDDoSSuspected, et)

	_, err = ParseEventType("")
	assert.Error(t, err)

	_, err = ParseBlockType("forever")
	assert.Error(t, err)

	lt, err := ParseListType("BLOCK")
	require.NoError(t, err)
	assert.Equal(t, ListBlock, lt)
}

func TestMetadataScan(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan(`{"endpoint":"/login","hits":3}`))
	assert.Equal(t, "/login", m["endpoint"])
	assert.Equal(t, float64(3), m["hits"])

	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)

	assert.Error(t, m.Scan(42))

	v, err := Metadata(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestIPListEntryActive(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.True(t, (&IPListEntry{}).Active(now))
	assert.True(t, (&IPListEntry{ExpiresAt: &future}).Active(now))
	assert.False(t, (&IPListEntry{ExpiresAt: &past}).Active(now))
	assert.False(t, (&IPListEntry{ExpiresAt: &now}).Active(now))
}

func TestScopeCeiling(t *testing.T) {
	assert.Equal(t, int64(70), RateLimitScope{Limit: 60, Burst: 10}.Ceiling())
	assert.Equal(t, int64(0), RateLimitScope{}.Ceiling())
}
