package cpufreq

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/topology"
)

// fakeHost builds a fake /sys tree with 2 packages x 2 cores x 2 threads = 8
// CPUs and one cpufreq policy per core (siblings share a policy), matching
// a typical HyperThreading-enabled host.
func fakeHost(t *testing.T) (SysRoot, *topology.Topology) {
	t.Helper()
	root := t.TempDir()

	cpuBase := filepath.Join(root, "devices", "system", "cpu")
	type cpuSpec struct{ pkg, core int }
	specs := []cpuSpec{
		{0, 0}, {0, 0}, {0, 1}, {0, 1},
		{1, 0}, {1, 0}, {1, 1}, {1, 1},
	}
	for cpu, spec := range specs {
		topoDir := filepath.Join(cpuBase, "cpu"+itoa(cpu), "topology")
		require.NoError(t, os.MkdirAll(topoDir, 0o755))
		writeFileT(t, topoDir, "physical_package_id", itoa(spec.pkg))
		writeFileT(t, topoDir, "core_id", itoa(spec.pkg*10+spec.core))
	}
	topo, err := topology.Load(topology.SysRoot(root))
	require.NoError(t, err)

	policyBase := filepath.Join(root, policyGlob)
	policies := [][]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}}
	for i, cpus := range policies {
		dir := filepath.Join(policyBase, "policy"+itoa(i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		list := itoa(cpus[0]) + "-" + itoa(cpus[1])
		writeFileT(t, dir, "affected_cpus", list)
		writeFileT(t, dir, "scaling_cur_freq", "2000000")
		writeFileT(t, dir, "scaling_min_freq", "1000000")
		writeFileT(t, dir, "scaling_max_freq", "3000000")
	}

	return SysRoot(root), topo
}

func writeFileT(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + itoa(n%10)
}

func TestLoadClassifiesNativeDomainAsCore(t *testing.T) {
	root, topo := fakeHost(t)
	drv, err := Load(root, topo)
	require.NoError(t, err)

	dom, err := drv.SignalDomainType("CPUFREQ::SCALING_CUR_FREQ")
	require.NoError(t, err)
	assert.Equal(t, topology.Core, dom)
}

func TestPushReadBatchSample(t *testing.T) {
	root, topo := fakeHost(t)
	drv, err := Load(root, topo)
	require.NoError(t, err)

	h, err := drv.PushSignal("CPUFREQ::SCALING_CUR_FREQ", topology.Core, 0)
	require.NoError(t, err)

	require.NoError(t, drv.ReadBatch())
	v, err := drv.Sample(h)
	require.NoError(t, err)
	assert.Equal(t, 2_000_000_000.0, v)
}

func TestSampleBeforeBatchFails(t *testing.T) {
	root, topo := fakeHost(t)
	drv, err := Load(root, topo)
	require.NoError(t, err)

	h, err := drv.PushSignal("CPUFREQ::SCALING_CUR_FREQ", topology.Core, 0)
	require.NoError(t, err)
	_, err = drv.Sample(h)
	assert.Error(t, err)
}

func TestAdjustAndWriteBatch(t *testing.T) {
	root, topo := fakeHost(t)
	drv, err := Load(root, topo)
	require.NoError(t, err)

	h, err := drv.PushControl("CPUFREQ::SCALING_MIN_FREQ", topology.Core, 1)
	require.NoError(t, err)
	require.NoError(t, drv.Adjust(h, 1_500_000_000))
	require.NoError(t, drv.WriteBatch())

	v, err := drv.ReadSignal("CPUFREQ::SCALING_MIN_FREQ", topology.Core, 1)
	require.NoError(t, err)
	assert.Equal(t, 1_500_000_000.0, v)
}

func TestReadSignalParsesUnsupportedAsNaN(t *testing.T) {
	root, topo := fakeHost(t)
	policyDir := filepath.Join(string(root), policyGlob, "policy0")
	writeFileT(t, policyDir, "scaling_cur_freq", "<unsupported>")

	drv, err := Load(root, topo)
	require.NoError(t, err)
	v, err := drv.ReadSignal("CPUFREQ::SCALING_CUR_FREQ", topology.Core, 0)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))
}

func TestSaveRestoreRoundTrips(t *testing.T) {
	root, topo := fakeHost(t)
	drv, err := Load(root, topo)
	require.NoError(t, err)

	saveDir := t.TempDir()
	require.NoError(t, drv.SaveControl(saveDir))

	require.NoError(t, drv.WriteControl("CPUFREQ::SCALING_MIN_FREQ", topology.Core, 0, 1_200_000_000))
	require.NoError(t, drv.RestoreControl(saveDir))

	v, err := drv.ReadSignal("CPUFREQ::SCALING_MIN_FREQ", topology.Core, 0)
	require.NoError(t, err)
	assert.Equal(t, 1_000_000_000.0, v)
}

func TestPushUnknownSignalFails(t *testing.T) {
	root, topo := fakeHost(t)
	drv, err := Load(root, topo)
	require.NoError(t, err)

	_, err = drv.PushSignal("NOT_A_SIGNAL", topology.Core, 0)
	assert.Error(t, err)
}

func TestPushOutOfRangeIndexFails(t *testing.T) {
	root, topo := fakeHost(t)
	drv, err := Load(root, topo)
	require.NoError(t, err)

	_, err = drv.PushSignal("CPUFREQ::SCALING_CUR_FREQ", topology.Core, 99)
	assert.Error(t, err)
}
