package nodepowergovernor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

type fakePlatform struct {
	nextHandle int
	reads      map[string]float64
	writes     map[string]float64
	adjusted   map[int]float64
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		reads: map[string]float64{
			"POWER_PACKAGE_MIN": 0,
			"POWER_PACKAGE_MAX": 300,
			"POWER_PACKAGE_TDP": 250,
		},
		writes:   make(map[string]float64),
		adjusted: make(map[int]float64),
	}
}

func (f *fakePlatform) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	h := f.nextHandle
	f.nextHandle++
	return h, nil
}
func (f *fakePlatform) PushControl(name string, domain topology.Domain, index int) (int, error) {
	h := f.nextHandle
	f.nextHandle++
	return h, nil
}
func (f *fakePlatform) Sample(handle int) (float64, error)     { return 0, nil }
func (f *fakePlatform) Adjust(handle int, value float64) error { f.adjusted[handle] = value; return nil }
func (f *fakePlatform) ReadBatch() error                       { return nil }
func (f *fakePlatform) WriteBatch() error                      { return nil }
func (f *fakePlatform) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	return f.reads[name], nil
}
func (f *fakePlatform) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	f.writes[name] = value
	return nil
}
func (f *fakePlatform) SignalAggregator(name string) (iogroup.Aggregator, error) {
	return iogroup.AggAverage, nil
}

func TestInitEnablesClampAndTimeWindowAtLeaf(t *testing.T) {
	a := New()
	p := newFakePlatform()
	require.NoError(t, a.Init(p, 0, 0, false))
	assert.Equal(t, powerTimeWindowSeconds, p.writes[timeWindowCtl])
	assert.Equal(t, 1.0, p.writes[limitEnableCtl])
	assert.Equal(t, 1.0, p.writes[clampEnableCtl])
}

func TestInitSkipsEnablementAboveLeaf(t *testing.T) {
	a := New()
	p := newFakePlatform()
	require.NoError(t, a.Init(p, 1, 2, false))
	assert.Empty(t, p.writes)
}

func TestSplitPolicyOnlySendsWhenBudgetChanges(t *testing.T) {
	a := New()
	p := newFakePlatform()
	require.NoError(t, a.Init(p, 1, 2, false))

	out := [][]float64{{math.NaN()}, {math.NaN()}}
	require.NoError(t, a.SplitPolicy([]float64{100}, out))
	assert.True(t, a.DoSendPolicy())
	assert.Equal(t, []float64{100}, out[0])

	require.NoError(t, a.SplitPolicy([]float64{100}, out))
	assert.False(t, a.DoSendPolicy())

	require.NoError(t, a.SplitPolicy([]float64{150}, out))
	assert.True(t, a.DoSendPolicy())
	assert.Equal(t, []float64{150}, out[1])
}
