package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionOffsetStrategy(t *testing.T) {
	s := VersionOffsetStrategy{Offset: 5}
	assert.False(t, s.ShouldSnapshot(Progress{Version: 4}))
	assert.True(t, s.ShouldSnapshot(Progress{Version: 5}))
	assert.False(t, s.ShouldSnapshot(Progress{Version: 9, SnapshotVersion: 5}))
	assert.True(t, s.ShouldSnapshot(Progress{Version: 10, SnapshotVersion: 5}))
}

func TestTimeOffsetStrategy(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := TimeOffsetStrategy{Offset: time.Minute}
	assert.True(t, s.ShouldSnapshot(Progress{EventTime: base}), "no snapshot yet")
	assert.False(t, s.ShouldSnapshot(Progress{EventTime: base.Add(59 * time.Second), SnapshotTime: base}))
	assert.False(t, s.ShouldSnapshot(Progress{EventTime: base.Add(time.Minute), SnapshotTime: base}), "exactly the offset")
	assert.True(t, s.ShouldSnapshot(Progress{EventTime: base.Add(time.Minute + time.Millisecond), SnapshotTime: base}))
}

func TestAllAndNone(t *testing.T) {
	assert.True(t, AllStrategy{}.ShouldSnapshot(Progress{}))
	assert.False(t, NoneStrategy{}.ShouldSnapshot(Progress{Version: 100}))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, VersionOffsetStrategy{Offset: DefaultVersionOffset}, s)

	s, err = ParseStrategy("TIME_OFFSET", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, TimeOffsetStrategy{Offset: DefaultTimeOffset}, s)

	s, err = ParseStrategy("all", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StrategyAll, s.Name())

	s, err = ParseStrategy("none", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StrategyNone, s.Name())

	_, err = ParseStrategy("sometimes", 0, 0)
	assert.Error(t, err)
}
