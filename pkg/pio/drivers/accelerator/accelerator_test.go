package accelerator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/topology"
)

func fakeHost(t *testing.T) SysRoot {
	t.Helper()
	root := t.TempDir()
	base := filepath.Join(root, classGlob)

	for i, util := range []string{"0.25", "0.75"} {
		dir := filepath.Join(base, "accel"+string(rune('0'+i)))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "device"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, attrUtilization), []byte(util), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, attrPowerUsage), []byte("50000000"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, attrFreqCur), []byte("1.5"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "device", "numa_node"), []byte("0"), 0o644))
	}
	return SysRoot(root)
}

func TestLoadDiscoversDevices(t *testing.T) {
	drv, err := Load(fakeHost(t))
	require.NoError(t, err)
	assert.Len(t, drv.devices, 2)
}

func TestPushReadBatchSample(t *testing.T) {
	drv, err := Load(fakeHost(t))
	require.NoError(t, err)

	h, err := drv.PushSignal("ACCELERATOR::UTILIZATION", topology.Accelerator, 1)
	require.NoError(t, err)
	require.NoError(t, drv.ReadBatch())

	v, err := drv.Sample(h)
	require.NoError(t, err)
	assert.Equal(t, 0.75, v)
}

func TestReadSignalAppliesScale(t *testing.T) {
	drv, err := Load(fakeHost(t))
	require.NoError(t, err)

	v, err := drv.ReadSignal("ACCELERATOR::POWER", topology.Accelerator, 0)
	require.NoError(t, err)
	assert.Equal(t, 50.0, v)
}

func TestPushControlUnsupported(t *testing.T) {
	drv, err := Load(fakeHost(t))
	require.NoError(t, err)

	_, err = drv.PushControl("ACCELERATOR::UTILIZATION", topology.Accelerator, 0)
	assert.Error(t, err)
}

func TestPushOutOfRangeFails(t *testing.T) {
	drv, err := Load(fakeHost(t))
	require.NoError(t, err)

	_, err = drv.PushSignal("ACCELERATOR::UTILIZATION", topology.Accelerator, 5)
	assert.Error(t, err)
}

func TestLoadFailsWithoutClassDir(t *testing.T) {
	_, err := Load(SysRoot(t.TempDir()))
	assert.Error(t, err)
}
