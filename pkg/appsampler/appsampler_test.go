package appsampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/recordlog"
)

func TestUpdateRecordsMergesInTimeOrder(t *testing.T) {
	s := New()
	log1 := recordlog.New(8)
	log2 := recordlog.New(8)
	s.Attach(1, log1, nil)
	s.Attach(2, log2, nil)

	base := time.Unix(0, 0)
	require.NoError(t, log2.Write(recordlog.Record{Kind: recordlog.RegionEntry, CPU: 0, Time: base}))
	require.NoError(t, log1.Write(recordlog.Record{Kind: recordlog.RegionEntry, CPU: 0, Time: base.Add(time.Millisecond)}))

	s.UpdateRecords()
	recs := s.GetRecords()
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Time.Before(recs[1].Time))
}

func TestUpdateRecordsAppliesFilter(t *testing.T) {
	s := New()
	log := recordlog.New(8)
	require.NoError(t, log.Write(recordlog.Record{Kind: recordlog.RegionEntry, CPU: 0, Time: time.Unix(0, 0)}))
	require.NoError(t, log.Write(recordlog.Record{Kind: recordlog.RegionExit, CPU: 0, Time: time.Unix(1, 0)}))

	dropExits := func(_ int, recs []recordlog.Record) []recordlog.Record {
		var out []recordlog.Record
		for _, r := range recs {
			if r.Kind != recordlog.RegionExit {
				out = append(out, r)
			}
		}
		return out
	}
	s.Attach(1, log, dropExits)
	s.UpdateRecords()
	recs := s.GetRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, recordlog.RegionEntry, recs[0].Kind)
}

func TestGetRecordsBeforeUpdateIsEmpty(t *testing.T) {
	s := New()
	assert.Empty(t, s.GetRecords())
}

func TestDetachStopsTracking(t *testing.T) {
	s := New()
	log := recordlog.New(8)
	require.NoError(t, log.Write(recordlog.Record{Kind: recordlog.RegionEntry, CPU: 0, Time: time.Unix(0, 0)}))
	s.Attach(1, log, nil)
	s.Detach(1)
	s.UpdateRecords()
	assert.Empty(t, s.GetRecords())
}

func TestGetShortRegionDelegatesToOwningLog(t *testing.T) {
	s := New()
	log := recordlog.New(8)
	require.NoError(t, log.Write(recordlog.Record{
		Kind: recordlog.ShortRegion, CPU: 0, Time: time.Unix(0, 0),
		Hash: 7, Count: 3, Duration: 9 * time.Millisecond,
	}))
	s.Attach(1, log, nil)

	count, totalSeconds, err := s.GetShortRegion(1, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.InDelta(t, 0.009, totalSeconds, 1e-9)
}

func TestGetShortRegionUnknownPidFails(t *testing.T) {
	s := New()
	_, _, err := s.GetShortRegion(999, 1, 0)
	assert.Error(t, err)
}

func TestGetShortRegionUnknownHandleFails(t *testing.T) {
	s := New()
	log := recordlog.New(8)
	s.Attach(1, log, nil)
	_, _, err := s.GetShortRegion(1, 999, 0)
	assert.Error(t, err)
}
