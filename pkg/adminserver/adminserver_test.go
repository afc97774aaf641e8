package adminserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/agent"
	"geopm/pkg/daemon"
	"geopm/pkg/endpoint"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

type fakeStore struct {
	policy        []float64
	setBestCalls  int
	setDefCalls   int
	lastSetPolicy []float64
}

func (f *fakeStore) GetBest(ctx context.Context, profile, agentName string, numPolicy int) ([]float64, error) {
	return f.policy, nil
}
func (f *fakeStore) SetBest(ctx context.Context, profile, agentName string, policy []float64) error {
	f.setBestCalls++
	f.lastSetPolicy = policy
	return nil
}
func (f *fakeStore) SetDefault(ctx context.Context, agentName string, policy []float64) error {
	f.setDefCalls++
	return nil
}

type fakeAgent struct {
	enforced []float64
}

func (a *fakeAgent) Init(platform agent.Platform, level, fanIn int, isLevelRoot bool) error {
	return nil
}
func (a *fakeAgent) PolicyNames() []string { return []string{"P"} }
func (a *fakeAgent) SampleNames() []string { return nil }
func (a *fakeAgent) ValidatePolicy(policy []float64) ([]float64, error) {
	return policy, nil
}
func (a *fakeAgent) SplitPolicy(in []float64, out [][]float64) error  { return nil }
func (a *fakeAgent) DoSendPolicy() bool                               { return false }
func (a *fakeAgent) AggregateSample(in [][]float64, out []float64) error {
	return nil
}
func (a *fakeAgent) DoSendSample() bool                        { return false }
func (a *fakeAgent) AdjustPlatform(inPolicy []float64) error   { return nil }
func (a *fakeAgent) DoWriteBatch() bool                        { return false }
func (a *fakeAgent) SamplePlatform(out []float64) error        { return nil }
func (a *fakeAgent) Wait(ctx context.Context) error             { return nil }
func (a *fakeAgent) EnforcePolicy(policy []float64) error {
	a.enforced = append([]float64(nil), policy...)
	return nil
}
func (a *fakeAgent) ReportHeader() map[string]string { return nil }
func (a *fakeAgent) ReportHost() map[string]string   { return nil }
func (a *fakeAgent) ReportRegion(regionHash uint32) map[string]string {
	return nil
}
func (a *fakeAgent) TraceNames() []string   { return nil }
func (a *fakeAgent) TraceFormats() []string { return nil }
func (a *fakeAgent) TraceValues() []float64 { return nil }

var _ agent.Agent = (*fakeAgent)(nil)

type stubPlatform struct{}

func (stubPlatform) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	return 0, nil
}
func (stubPlatform) PushControl(name string, domain topology.Domain, index int) (int, error) {
	return 0, nil
}
func (stubPlatform) Sample(handle int) (float64, error)     { return 0, nil }
func (stubPlatform) Adjust(handle int, value float64) error { return nil }
func (stubPlatform) ReadBatch() error                       { return nil }
func (stubPlatform) WriteBatch() error                      { return nil }
func (stubPlatform) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	return 0, nil
}
func (stubPlatform) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	return nil
}
func (stubPlatform) SignalAggregator(name string) (iogroup.Aggregator, error) {
	return iogroup.AggAverage, nil
}

func newTestServer(t *testing.T, cfg Config) (*AdminServer, *fakeStore, *fakeAgent, *daemon.Daemon, *endpoint.User) {
	t.Helper()
	dir := t.TempDir()
	store := &fakeStore{policy: []float64{5, 6}}
	dae, err := daemon.Open(dir, "admin-test", 2, 1, store)
	require.NoError(t, err)
	t.Cleanup(func() { dae.Close() })

	user, err := endpoint.Attach(dir, "admin-test", 2, 1)
	require.NoError(t, err)
	t.Cleanup(func() { user.Detach() })

	fa := &fakeAgent{}
	require.NoError(t, fa.Init(stubPlatform{}, 0, 0, true))

	srv := New(cfg, dae, store, fa, nil)
	return srv, store, fa, dae, user
}

func TestHealthReportsServing(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, Config{ServiceName: "geopmd"})
	resp, err := srv.Health(context.Background(), &HealthRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Serving)
}

func TestGetBestReturnsStorePolicy(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, Config{ServiceName: "geopmd"})
	resp, err := srv.GetBest(context.Background(), &GetBestRequest{Profile: "p", Agent: "monitor", NumPolicy: 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6}, resp.Policy)
}

func TestSetBestWithoutTokenConfiguredSucceeds(t *testing.T) {
	srv, store, _, _, _ := newTestServer(t, Config{ServiceName: "geopmd"})
	_, err := srv.SetBest(context.Background(), &SetBestRequest{Profile: "p", Agent: "monitor", Policy: []float64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, 1, store.setBestCalls)
}

func TestSetBestRequiresBearerTokenWhenConfigured(t *testing.T) {
	srv, store, _, _, _ := newTestServer(t, Config{ServiceName: "geopmd", AdminToken: "sekret"})
	_, err := srv.SetBest(context.Background(), &SetBestRequest{Profile: "p", Agent: "monitor", Policy: []float64{1, 2}})
	require.Error(t, err)
	assert.Equal(t, 0, store.setBestCalls)
}

func TestEnforcePolicyAppliesDirectlyToAgent(t *testing.T) {
	srv, _, fa, _, _ := newTestServer(t, Config{ServiceName: "geopmd"})
	_, err := srv.EnforcePolicy(context.Background(), &EnforcePolicyRequest{Policy: []float64{9}})
	require.NoError(t, err)
	assert.Equal(t, []float64{9}, fa.enforced)
}

func TestUpdateEndpointFromPolicyStorePublishesPolicy(t *testing.T) {
	srv, store, _, _, user := newTestServer(t, Config{ServiceName: "geopmd"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		user.Announce("monitor", "myprofile", "/tmp/h")
	}()

	_, err := srv.UpdateEndpointFromPolicyStore(context.Background(), &UpdateEndpointFromPolicyStoreRequest{
		TimeoutMillis: int64(time.Second / time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, store.setBestCalls) // GetBest, not SetBest, was used

	got := make([]float64, 2)
	require.NoError(t, user.ReadPolicy(got))
	assert.Equal(t, store.policy, got)
}
