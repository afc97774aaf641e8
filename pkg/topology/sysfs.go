package topology

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"geopm/pkg/apperror"
)

// SysRoot is the root directory Load reads kernel topology from. Tests
// point it at a fabricated directory tree instead of the real /sys, the
// same injectable-root idiom the cpufreq driver uses for policy
// directories.
type SysRoot string

// DefaultSysRoot is the real kernel sysfs mount.
const DefaultSysRoot SysRoot = "/sys"

// Load enumerates the host's CPU topology by reading
// <root>/devices/system/cpu/cpu*/topology/{physical_package_id,core_id}
// and <root>/devices/system/node/node*/cpulist for memory affinity, then
// validates the result through New.
func Load(root SysRoot) (*Topology, error) {
	cpuDir := filepath.Join(string(root), "devices", "system", "cpu")
	cpuIdxs, err := listIndexed(cpuDir, "cpu")
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Unsupported, "platform-unsupported: cannot enumerate CPUs")
	}
	if len(cpuIdxs) == 0 {
		return nil, apperror.New(apperror.Unsupported, "platform-unsupported: no CPUs found under "+cpuDir)
	}

	numCPU := cpuIdxs[len(cpuIdxs)-1] + 1
	cpuPackage := fillDefault(numCPU, 0)
	cpuCore := fillDefault(numCPU, 0)

	coreIDSeen := map[[2]int]int{} // (package, core_id) -> dense core index
	nextCore := 0

	for _, cpu := range cpuIdxs {
		topoDir := filepath.Join(cpuDir, "cpu"+strconv.Itoa(cpu), "topology")
		pkg := readIntFile(topoDir, "physical_package_id", 0)
		coreID := readIntFile(topoDir, "core_id", cpu)

		cpuPackage[cpu] = pkg
		key := [2]int{pkg, coreID}
		dense, ok := coreIDSeen[key]
		if !ok {
			dense = nextCore
			coreIDSeen[key] = dense
			nextCore++
		}
		cpuCore[cpu] = dense
	}

	cpuMemory := fillDefault(numCPU, -1)
	nodeDir := filepath.Join(string(root), "devices", "system", "node")
	nodeIdxs, _ := listIndexed(nodeDir, "node")
	for _, node := range nodeIdxs {
		list := readStringFile(nodeDir, "node"+strconv.Itoa(node)+"/cpulist")
		for _, cpu := range ParseCPUList(list) {
			if cpu >= 0 && cpu < numCPU {
				cpuMemory[cpu] = node
			}
		}
	}
	if len(nodeIdxs) == 0 {
		for cpu := range cpuMemory {
			cpuMemory[cpu] = 0
		}
	}

	return New(Raw{
		NumCPU:     numCPU,
		CPUPackage: cpuPackage,
		CPUCore:    cpuCore,
		CPUMemory:  cpuMemory,
	})
}

func fillDefault(n, v int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// listIndexed returns the sorted set of N such that <dir>/<prefix>N
// exists, skipping names with a non-numeric suffix (e.g. "cpufreq",
// "cpuidle" living alongside "cpu0", "cpu1", ...).
func listIndexed(dir, prefix string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var idxs []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		idxs = append(idxs, n)
	}
	sort.Ints(idxs)
	return idxs, nil
}

func readIntFile(dir, name string, fallback int) int {
	s := readStringFile(dir, name)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func readStringFile(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// ParseCPUList parses a kernel cpulist ("0-3,8,10-11") into individual
// indices. Exported so the cpufreq driver can parse affected_cpus with the
// same logic used here for node cpulists.
func ParseCPUList(list string) []int {
	var out []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for n := loN; n <= hiN; n++ {
				out = append(out, n)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
