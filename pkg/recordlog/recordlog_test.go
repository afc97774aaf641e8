package recordlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDrainPreservesOrder(t *testing.T) {
	rl := New(4)
	base := time.Unix(0, 0)
	require.NoError(t, rl.Write(Record{Kind: RegionEntry, CPU: 0, Time: base, Hash: 1}))
	require.NoError(t, rl.Write(Record{Kind: RegionExit, CPU: 0, Time: base.Add(time.Millisecond), Hash: 1}))

	recs := rl.Drain()
	require.Len(t, recs, 2)
	assert.Equal(t, RegionEntry, recs[0].Kind)
	assert.Equal(t, RegionExit, recs[1].Kind)

	assert.Empty(t, rl.Drain(), "drain empties the ring")
}

func TestWriteRejectsBackwardsTimestamp(t *testing.T) {
	rl := New(4)
	base := time.Unix(100, 0)
	require.NoError(t, rl.Write(Record{Kind: RegionEntry, CPU: 0, Time: base}))
	err := rl.Write(Record{Kind: RegionExit, CPU: 0, Time: base.Add(-time.Second)})
	assert.Error(t, err)
}

func TestMainRingOverflowFails(t *testing.T) {
	rl := New(1)
	base := time.Unix(0, 0)
	require.NoError(t, rl.Write(Record{Kind: RegionEntry, CPU: 0, Time: base}))
	err := rl.Write(Record{Kind: RegionEntry, CPU: 0, Time: base.Add(time.Millisecond)})
	assert.Error(t, err)
}

func TestShortRegionCoalescesByHashAndCPU(t *testing.T) {
	rl := New(4)
	base := time.Unix(0, 0)
	require.NoError(t, rl.Write(Record{Kind: ShortRegion, CPU: 1, Time: base, Hash: 42, Count: 1, Duration: time.Millisecond}))
	require.NoError(t, rl.Write(Record{Kind: ShortRegion, CPU: 1, Time: base.Add(time.Microsecond), Hash: 42, Count: 2, Duration: 2 * time.Millisecond}))

	count, total, err := rl.ShortRegion(42, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, 3*time.Millisecond, total)
}

func TestShortRegionUnknownHandleFails(t *testing.T) {
	rl := New(4)
	_, _, err := rl.ShortRegion(999, 0)
	assert.Error(t, err)
}

func TestEventNameAndType(t *testing.T) {
	for _, k := range []EventKind{RegionEntry, RegionExit, EpochCount, Hint, ShortRegion} {
		name, err := EventName(k)
		require.NoError(t, err)
		parsed, err := EventType(name)
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := EventType("NOT_AN_EVENT")
	assert.Error(t, err)
}
