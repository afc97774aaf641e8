package sampleagg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/pio/iogroup"
)

func TestMonotoneAccumulatesDeltaToEarlierRegion(t *testing.T) {
	a := New()
	a.PushSignal(1, iogroup.BehaviorMonotone)

	require.NoError(t, a.Update(1, 100, 0xAA, 0.0, false))
	require.NoError(t, a.Update(1, 150, 0xBB, 1.0, false))
	require.NoError(t, a.Update(1, 170, 0xBB, 2.0, false))

	// First delta (50) attributed to region active on the earlier tick: 0xAA.
	total, err := a.SampleRegion(1, 0xAA)
	require.NoError(t, err)
	assert.Equal(t, 50.0, total)

	// Second delta (20) attributed to 0xBB (earlier tick's region).
	total, err = a.SampleRegion(1, 0xBB)
	require.NoError(t, err)
	assert.Equal(t, 20.0, total)
}

func TestVariableIsTimeWeightedIntegral(t *testing.T) {
	a := New()
	a.PushSignal(1, iogroup.BehaviorVariable)
	require.NoError(t, a.Update(1, 10, 0x1, 0.0, false))
	require.NoError(t, a.Update(1, 20, 0x1, 2.0, false))

	period, err := a.SamplePeriodLast(1)
	require.NoError(t, err)
	assert.Equal(t, 30.0, period) // (10+20)/2 * 2
}

func TestConstantBehaviorReturnsLastObservation(t *testing.T) {
	a := New()
	a.PushSignal(1, iogroup.BehaviorConstant)
	require.NoError(t, a.Update(1, 42, 0x1, 0.0, false))
	require.NoError(t, a.Update(1, 43, 0x1, 1.0, false))

	v, err := a.SampleRegion(1, 0xDEAD)
	require.NoError(t, err)
	assert.Equal(t, 43.0, v)
}

func TestEpochAccountingTracksBaselineAndLastInterval(t *testing.T) {
	a := New()
	a.PushSignal(1, iogroup.BehaviorMonotone)

	require.NoError(t, a.Update(1, 0, UnmarkedHash, 0.0, true)) // first epoch tick
	require.NoError(t, a.Update(1, 10, 0x1, 1.0, false))
	require.NoError(t, a.Update(1, 25, 0x1, 2.0, true)) // second epoch boundary

	epoch, err := a.SampleEpoch(1)
	require.NoError(t, err)
	assert.Equal(t, 25.0, epoch)

	last, err := a.SampleEpochLast(1)
	require.NoError(t, err)
	assert.Equal(t, 25.0, last)
}

func TestTicksBeforeFirstEpochAttributeToUnmarked(t *testing.T) {
	a := New()
	a.PushSignal(1, iogroup.BehaviorMonotone)
	require.NoError(t, a.Update(1, 0, UnmarkedHash, 0.0, false))
	require.NoError(t, a.Update(1, 5, 0x1, 1.0, false))

	v, err := a.SampleRegion(1, UnmarkedHash)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestUnknownHandleFails(t *testing.T) {
	a := New()
	_, err := a.SampleRegion(99, 0)
	assert.Error(t, err)
}

func TestAggregateHashAgreement(t *testing.T) {
	assert.Equal(t, uint32(7), AggregateHash([]uint32{7, 7, 7}))
}

func TestAggregateHashDisagreementReturnsUnmarked(t *testing.T) {
	assert.Equal(t, UnmarkedHash, AggregateHash([]uint32{7, 8}))
}
