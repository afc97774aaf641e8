package frequencymap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/appstatus"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

type fakePlatform struct {
	nextHandle int
	reads      map[string]float64
	hashOut    float64
	hintOut    float64
	adjusted   map[int]float64
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		reads: map[string]float64{
			freqMinSignal:    1.8e9,
			freqMaxSignal:    2.2e9,
			turboLimitSignal: 2.7e9,
		},
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
func (f *fakePlatform) Sample(handle int) (float64, error) {
	if handle == 0 {
		return f.hashOut, nil
	}
	return f.hintOut, nil
}
func (f *fakePlatform) Adjust(handle int, value float64) error { f.adjusted[handle] = value; return nil }
func (f *fakePlatform) ReadBatch() error                       { return nil }
func (f *fakePlatform) WriteBatch() error                      { return nil }
func (f *fakePlatform) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	return f.reads[name], nil
}
func (f *fakePlatform) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	return nil
}
func (f *fakePlatform) SignalAggregator(name string) (iogroup.Aggregator, error) {
	return iogroup.AggMax, nil
}

func TestHintDefaultDispatch(t *testing.T) {
	os.Unsetenv(EnvFrequencyMap)
	a := New()
	p := newFakePlatform()
	require.NoError(t, a.Init(p, 0, 0, false))

	cases := []struct {
		hint     float64
		wantFreq float64
	}{
		{float64(appstatus.HintCompute), a.freqMax},
		{float64(appstatus.HintMemory), a.freqMin},
		{float64(appstatus.HintSerial), a.freqMax},
		{float64(appstatus.HintNetwork), a.freqMin},
		{float64(appstatus.HintParallel), a.freqMax},
		{float64(appstatus.HintIO), a.freqMin},
		{float64(appstatus.HintIgnore), a.freqMax},
		{float64(appstatus.HintNetwork), a.freqMin},
		{float64(appstatus.HintUnknown), a.freqMax},
	}
	for i, c := range cases {
		p.hashOut = float64(0x1234 + i)
		p.hintOut = c.hint
		out := make([]float64, 0)
		require.NoError(t, a.SamplePlatform(out))
		require.NoError(t, a.AdjustPlatform([]float64{a.freqMin, a.freqMax}))
		assert.Equal(t, c.wantFreq, p.adjusted[a.controlHandle], "case %d", i)
	}
}

func TestEnvMapTakesPrecedenceOverHint(t *testing.T) {
	os.Setenv(EnvFrequencyMap, `{"mapped_region0": 2200000000, "mapped_region4": 1800000000}`)
	defer os.Unsetenv(EnvFrequencyMap)

	a := New()
	p := newFakePlatform()
	require.NoError(t, a.Init(p, 0, 0, false))

	p.hashOut = float64(regionHash("mapped_region0"))
	p.hintOut = float64(appstatus.HintMemory) // would otherwise select freqMin
	require.NoError(t, a.SamplePlatform(nil))
	require.NoError(t, a.AdjustPlatform([]float64{a.freqMin, a.freqMax}))
	assert.Equal(t, 2.2e9, p.adjusted[a.controlHandle])
}

func TestClampToTRLCapsAboveAllCoreTurboLimit(t *testing.T) {
	os.Setenv(EnvFrequencyMap, `{"hot_region": 3.0e9}`)
	defer os.Unsetenv(EnvFrequencyMap)

	a := New()
	p := newFakePlatform()
	require.NoError(t, a.Init(p, 0, 0, false))

	p.hashOut = float64(regionHash("hot_region"))
	require.NoError(t, a.SamplePlatform(nil))
	require.NoError(t, a.AdjustPlatform([]float64{a.freqMin, 3.0e9}))
	assert.Equal(t, a.turboLimit, p.adjusted[a.controlHandle])
}

func TestRegionHashIsDeterministic(t *testing.T) {
	assert.Equal(t, regionHash("mapped_region0"), regionHash("mapped_region0"))
	assert.NotEqual(t, regionHash("mapped_region0"), regionHash("mapped_region1"))
}

func TestPolicyNames(t *testing.T) {
	a := New()
	assert.Equal(t, []string{"FREQ_MIN", "FREQ_MAX"}, a.PolicyNames())
	assert.Nil(t, a.SampleNames())
}
