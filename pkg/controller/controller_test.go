package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/agent"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// countingAgent is a minimal agent.Agent used only to exercise Tree's
// bridging logic: SamplePlatform reports a running counter, leaves
// forward it unconditionally, interior levels sum their children, and
// SplitPolicy copies the single incoming policy value to every child.
type countingAgent struct {
	platform  agent.Platform
	ticks     int32
	lastSplit float64
}

func (a *countingAgent) Init(platform agent.Platform, level, fanIn int, isLevelRoot bool) error {
	a.platform = platform
	return nil
}
func (a *countingAgent) PolicyNames() []string { return []string{"P"} }
func (a *countingAgent) SampleNames() []string { return []string{"S"} }
func (a *countingAgent) ValidatePolicy(policy []float64) ([]float64, error) {
	return policy, nil
}
func (a *countingAgent) SplitPolicy(in []float64, out [][]float64) error {
	a.lastSplit = in[0]
	for _, child := range out {
		child[0] = in[0]
	}
	return nil
}
func (a *countingAgent) DoSendPolicy() bool { return true }
func (a *countingAgent) AggregateSample(in [][]float64, out []float64) error {
	sum := 0.0
	for _, row := range in {
		sum += row[0]
	}
	out[0] = sum
	return nil
}
func (a *countingAgent) DoSendSample() bool { return true }
func (a *countingAgent) AdjustPlatform(inPolicy []float64) error { return nil }
func (a *countingAgent) DoWriteBatch() bool                     { return true }
func (a *countingAgent) SamplePlatform(out []float64) error {
	out[0] = float64(atomic.AddInt32(&a.ticks, 1))
	return nil
}
func (a *countingAgent) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
func (a *countingAgent) EnforcePolicy(policy []float64) error { return nil }
func (a *countingAgent) ReportHeader() map[string]string      { return nil }
func (a *countingAgent) ReportHost() map[string]string        { return nil }
func (a *countingAgent) ReportRegion(regionHash uint32) map[string]string {
	return nil
}
func (a *countingAgent) TraceNames() []string   { return nil }
func (a *countingAgent) TraceFormats() []string { return nil }
func (a *countingAgent) TraceValues() []float64 { return nil }

var _ agent.Agent = (*countingAgent)(nil)

type fakePlatform struct {
	mu          sync.Mutex
	writeBatches int
}

func (f *fakePlatform) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	return 0, nil
}
func (f *fakePlatform) PushControl(name string, domain topology.Domain, index int) (int, error) {
	return 0, nil
}
func (f *fakePlatform) Sample(handle int) (float64, error)     { return 0, nil }
func (f *fakePlatform) Adjust(handle int, value float64) error { return nil }
func (f *fakePlatform) ReadBatch() error                       { return nil }
func (f *fakePlatform) WriteBatch() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeBatches++
	return nil
}
func (f *fakePlatform) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	return 0, nil
}
func (f *fakePlatform) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	return nil
}
func (f *fakePlatform) SignalAggregator(name string) (iogroup.Aggregator, error) {
	return iogroup.AggAverage, nil
}

type fakePolicySource struct{ value float64 }

func (f *fakePolicySource) ReadPolicy(values []float64) error {
	values[0] = f.value
	return nil
}

type fakeSampleSink struct {
	mu     sync.Mutex
	values [][]float64
}

func (f *fakeSampleSink) WriteSample(values []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, append([]float64(nil), values...))
	return nil
}

func TestTreeBuildsExpectedNodeCounts(t *testing.T) {
	platform := &fakePlatform{}
	tree, err := NewTree(func() agent.Agent { return &countingAgent{} }, platform, nil, nil, []int{4, 2})
	require.NoError(t, err)
	require.Len(t, tree.levels, 3)
	assert.Len(t, tree.levels[0].nodes, 8) // leaf: 4*2
	assert.Len(t, tree.levels[1].nodes, 2) // interior
	assert.Len(t, tree.levels[2].nodes, 1) // root
	assert.Equal(t, 4, tree.levels[1].fanIn)
	assert.Equal(t, 2, tree.levels[2].fanIn)
	assert.Equal(t, 0, tree.levels[0].fanIn)
}

func TestTreeRunDescendsPolicyAndAscendsSamples(t *testing.T) {
	platform := &fakePlatform{}
	source := &fakePolicySource{value: 42}
	sink := &fakeSampleSink{}

	tree, err := NewTree(func() agent.Agent { return &countingAgent{} }, platform, source, sink, []int{2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = tree.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.values, "root should have published at least one aggregated sample")
	for _, row := range sink.values {
		assert.GreaterOrEqual(t, row[0], 0.0)
	}

	platform.mu.Lock()
	defer platform.mu.Unlock()
	assert.Greater(t, platform.writeBatches, 0)

	root := tree.levels[1].nodes[0].(*countingAgent)
	assert.Equal(t, 42.0, root.lastSplit)

	for _, leaf := range tree.levels[0].nodes {
		ca := leaf.(*countingAgent)
		assert.Greater(t, ca.ticks, int32(0))
	}
}

func TestTreeWithoutInteriorLevelsIsDegenerateLeafRoot(t *testing.T) {
	platform := &fakePlatform{}
	tree, err := NewTree(func() agent.Agent { return &countingAgent{} }, platform, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, tree.levels, 1)
	assert.True(t, tree.levels[0].isRoot)
}
