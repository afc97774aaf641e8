package appstatus

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetHintRejectsNonPowerOfTwo(t *testing.T) {
	a := New(4)
	require.NoError(t, a.SetHint(0, HintCompute))
	err := a.SetHint(0, Hint(3))
	assert.Error(t, err)
}

func TestSetHashRejectsHighBits(t *testing.T) {
	a := New(4)
	err := a.SetHash(0, 1<<40)
	assert.Error(t, err)
}

func TestWorkProgressNaNBeforeTotalSet(t *testing.T) {
	a := New(4)
	v, err := a.GetWorkProgress(0)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))
}

func TestWorkProgressMonotonicToOne(t *testing.T) {
	a := New(4)
	require.NoError(t, a.SetTotalWorkUnits(0, 4))
	for i := 0; i < 4; i++ {
		require.NoError(t, a.IncrementWorkUnit(0))
		v, err := a.GetWorkProgress(0)
		require.NoError(t, err)
		assert.Equal(t, float64(i+1)/4.0, v)
	}
	err := a.IncrementWorkUnit(0)
	assert.Error(t, err, "increment past total must fail")
}

func TestNegativeTotalWorkUnitsFails(t *testing.T) {
	a := New(4)
	err := a.SetTotalWorkUnits(0, -1)
	assert.Error(t, err)
}

func TestOutOfRangeCPUFails(t *testing.T) {
	a := New(4)
	_, err := a.Hint(99)
	assert.Error(t, err)
}

func TestHashRegionStable(t *testing.T) {
	h1 := HashRegion("my_region")
	h2 := HashRegion("my_region")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, HashRegion("other_region"))
}
