package powergovernor

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

type fakePlatform struct {
	nextHandle int
	signals    map[string]int
	samples    map[int]float64
	reads      map[string]float64
	adjusted   map[int]float64
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		signals:  make(map[string]int),
		samples:  make(map[int]float64),
		adjusted: make(map[int]float64),
		reads: map[string]float64{
			minSignal: 50,
			maxSignal: 300,
			tdpSignal: 250,
		},
	}
}

func (f *fakePlatform) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	h := f.nextHandle
	f.nextHandle++
	f.signals[name] = h
	return h, nil
}
func (f *fakePlatform) PushControl(name string, domain topology.Domain, index int) (int, error) {
	h := f.nextHandle
	f.nextHandle++
	return h, nil
}
func (f *fakePlatform) Sample(handle int) (float64, error) { return f.samples[handle], nil }
func (f *fakePlatform) Adjust(handle int, value float64) error {
	f.adjusted[handle] = value
	return nil
}
func (f *fakePlatform) ReadBatch() error  { return nil }
func (f *fakePlatform) WriteBatch() error { return nil }
func (f *fakePlatform) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	return f.reads[name], nil
}
func (f *fakePlatform) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	return nil
}
func (f *fakePlatform) SignalAggregator(name string) (iogroup.Aggregator, error) {
	return iogroup.AggAverage, nil
}

func setup(t *testing.T) (*Agent, *fakePlatform) {
	a := New()
	p := newFakePlatform()
	require.NoError(t, a.Init(p, 0, 0, false))
	return a, p
}

func TestValidatePolicyClampsToBounds(t *testing.T) {
	a, _ := setup(t)
	out, err := a.ValidatePolicy([]float64{1000})
	require.NoError(t, err)
	assert.Equal(t, 300.0, out[0])

	out, err = a.ValidatePolicy([]float64{0})
	require.NoError(t, err)
	assert.Equal(t, 50.0, out[0])
}

func TestValidatePolicyNaNResetsToTDP(t *testing.T) {
	a, _ := setup(t)
	out, err := a.ValidatePolicy([]float64{math.NaN()})
	require.NoError(t, err)
	assert.Equal(t, 250.0, out[0])
}

func TestAdjustPlatformWritesControl(t *testing.T) {
	a, p := setup(t)
	require.NoError(t, a.AdjustPlatform([]float64{123}))
	assert.Equal(t, 123.0, p.adjusted[a.controlHandle])
	assert.True(t, a.DoWriteBatch())
}

func TestSamplePlatformReportsConvergenceAfterWindow(t *testing.T) {
	a, p := setup(t)
	require.NoError(t, a.AdjustPlatform([]float64{100}))
	p.samples[a.powerHandle] = 50.5

	out := make([]float64, 3)
	for i := 0; i < convergedWindow; i++ {
		require.NoError(t, a.SamplePlatform(out))
	}
	assert.Equal(t, 0.0, out[1], "not converged until a full window of low-enough ticks has elapsed")

	require.NoError(t, a.SamplePlatform(out))
	assert.Equal(t, 1.0, out[1])
	assert.Equal(t, 100.0, out[2])
}

func TestAggregateSampleAveragesPowerAndANDsConvergence(t *testing.T) {
	a, _ := setup(t)
	in := [][]float64{
		{2.2, 0, 1.0},
		{3.3, 1, 2.0},
	}
	out := make([]float64, 3)
	require.NoError(t, a.AggregateSample(in, out))
	assert.Equal(t, 2.75, out[0])
	assert.Equal(t, 0.0, out[1])
	assert.Equal(t, 3.0, out[2])
}

func TestSplitPolicyCopiesSameLimitToEveryChild(t *testing.T) {
	a, _ := setup(t)
	out := [][]float64{{math.NaN()}, {math.NaN()}}
	require.NoError(t, a.SplitPolicy([]float64{77}, out))
	assert.Equal(t, []float64{77}, out[0])
	assert.Equal(t, []float64{77}, out[1])
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	a, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, a.Wait(ctx))
}
