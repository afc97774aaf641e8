package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost writes a minimal /sys tree with 2 packages x 2 cores x 2
// threads = 8 CPUs, one NUMA node per package.
func fakeHost(t *testing.T) SysRoot {
	t.Helper()
	root := t.TempDir()
	cpuBase := filepath.Join(root, "devices", "system", "cpu")
	nodeBase := filepath.Join(root, "devices", "system", "node")

	type cpuSpec struct{ pkg, core int }
	specs := []cpuSpec{
		{0, 0}, {0, 0}, {0, 1}, {0, 1},
		{1, 0}, {1, 0}, {1, 1}, {1, 1},
	}
	for cpu, spec := range specs {
		topoDir := filepath.Join(cpuBase, "cpu"+itoa(cpu), "topology")
		require.NoError(t, os.MkdirAll(topoDir, 0o755))
		writeFile(t, topoDir, "physical_package_id", itoa(spec.pkg))
		writeFile(t, topoDir, "core_id", itoa(spec.pkg*10+spec.core))
	}

	for node := 0; node < 2; node++ {
		nodeDir := filepath.Join(nodeBase, "node"+itoa(node))
		require.NoError(t, os.MkdirAll(nodeDir, 0o755))
		list := "0-3"
		if node == 1 {
			list = "4-7"
		}
		writeFile(t, nodeDir, "cpulist", list)
	}

	return SysRoot(root)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func TestLoadBuildsConsistentTopology(t *testing.T) {
	root := fakeHost(t)
	topo, err := Load(root)
	require.NoError(t, err)

	n, err := topo.NumDomain(Board)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = topo.NumDomain(Package)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = topo.NumDomain(Core)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = topo.NumDomain(CPU)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestDomainIdxNesting(t *testing.T) {
	topo, err := Load(fakeHost(t))
	require.NoError(t, err)

	pkgOf, err := topo.DomainIdx(Package, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, pkgOf)

	coreOf, err := topo.DomainIdx(Core, 0)
	require.NoError(t, err)
	coreOf2, err := topo.DomainIdx(Core, 1)
	require.NoError(t, err)
	assert.Equal(t, coreOf, coreOf2, "sibling threads share a core index")
}

func TestDomainNestedReturnsContainedIndices(t *testing.T) {
	topo, err := Load(fakeHost(t))
	require.NoError(t, err)

	cpus, err := topo.DomainNested(CPU, Package, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, cpus)

	cores, err := topo.DomainNested(Core, Package, 1)
	require.NoError(t, err)
	assert.Len(t, cores, 2)
}

func TestDomainNestedRejectsNonNestedPair(t *testing.T) {
	topo, err := Load(fakeHost(t))
	require.NoError(t, err)

	_, err = topo.DomainNested(Package, CPU, 0)
	require.Error(t, err)
}

func TestDomainIdxOutOfRangeCPU(t *testing.T) {
	topo, err := Load(fakeHost(t))
	require.NoError(t, err)

	_, err = topo.DomainIdx(Package, 999)
	require.Error(t, err)
}

func TestLoadFailsOnEmptyHost(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "devices", "system", "cpu"), 0o755))
	_, err := Load(SysRoot(root))
	require.Error(t, err)
}

func TestCreateAndLoadCacheRoundTrips(t *testing.T) {
	topo, err := Load(fakeHost(t))
	require.NoError(t, err)

	cachePath := filepath.Join(t.TempDir(), "topology.cache")
	require.NoError(t, CreateCache(topo, cachePath))

	reloaded, err := LoadCache(cachePath)
	require.NoError(t, err)

	n1, _ := topo.NumDomain(Core)
	n2, _ := reloaded.NumDomain(Core)
	assert.Equal(t, n1, n2)

	p1, _ := topo.DomainIdx(Package, 6)
	p2, _ := reloaded.DomainIdx(Package, 6)
	assert.Equal(t, p1, p2)
}

func TestLoadCacheRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cache")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err := LoadCache(path)
	require.Error(t, err)
}

func TestDomainStringAndParse(t *testing.T) {
	for _, d := range []Domain{Board, Package, Core, CPU, Memory, Accelerator} {
		parsed, err := ParseDomain(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
	_, err := ParseDomain("not-a-domain")
	require.Error(t, err)
}
