package topology

import (
	"fmt"
	"sync"

	"geopm/pkg/apperror"
)

// Topology answers domain cardinality, index, and nesting queries for one
// host. It is built once per process (by Load or LoadCache) and is safe
// for concurrent read access thereafter; its domain data never changes
// after construction, and DomainNested memoizes results under an internal
// lock.
type Topology struct {
	cardinality map[Domain]int

	// cpuToPackage/cpuToCore/cpuToMemory/cpuToAccelerator map a dense cpu
	// index to the index of the domain instance that contains it. -1
	// means "no affinity" (e.g. a host with no accelerators).
	cpuToPackage     []int
	cpuToCore        []int
	cpuToMemory      []int
	cpuToAccelerator []int

	mu           sync.RWMutex
	nestedCache  map[nestedKey][]int
}

type nestedKey struct {
	inner, outer Domain
	outerIdx     int
}

// New builds a Topology from an already-resolved raw enumeration. Drivers
// that parse the host (Load) and tests that fabricate a fake host both
// funnel through this constructor, so there is exactly one place that
// validates cardinality consistency.
func New(raw Raw) (*Topology, error) {
	if raw.NumCPU == 0 {
		return nil, apperror.New(apperror.Unsupported, "platform-unsupported: host reports zero CPUs")
	}
	if len(raw.CPUPackage) != raw.NumCPU || len(raw.CPUCore) != raw.NumCPU || len(raw.CPUMemory) != raw.NumCPU {
		return nil, apperror.New(apperror.Unsupported, "platform-unsupported: inconsistent per-cpu topology arrays")
	}

	numPackage := maxPlusOne(raw.CPUPackage)
	numCore := maxPlusOne(raw.CPUCore)
	numMemory := maxPlusOne(raw.CPUMemory)
	numAccel := maxPlusOne(raw.CPUAccelerator)

	t := &Topology{
		cardinality: map[Domain]int{
			Board:              1,
			Package:            numPackage,
			Core:                numCore,
			CPU:                 raw.NumCPU,
			Memory:              numMemory,
			PackageMemory:       numPackage,
			Accelerator:         numAccel,
			PackageAccelerator:  numPackage,
			NIC:                 0,
			PackageNIC:          0,
		},
		cpuToPackage:     raw.CPUPackage,
		cpuToCore:        raw.CPUCore,
		cpuToMemory:      raw.CPUMemory,
		cpuToAccelerator: raw.CPUAccelerator,
		nestedCache:      make(map[nestedKey][]int),
	}
	return t, nil
}

func maxPlusOne(vals []int) int {
	max := -1
	for _, v := range vals {
		if v > max {
			max = v
		}
	}
	return max + 1
}

// NumDomain returns the cardinality of d on this host.
func (t *Topology) NumDomain(d Domain) (int, error) {
	n, ok := t.cardinality[d]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown domain").WithDetail("domain", int(d))
	}
	return n, nil
}

// DomainIdx returns the index of the domain-d instance that contains cpu
// cpuIdx.
func (t *Topology) DomainIdx(d Domain, cpuIdx int) (int, error) {
	if cpuIdx < 0 || cpuIdx >= len(t.cpuToPackage) {
		return 0, apperror.New(apperror.Invalid, "cpu index out of range").WithDetail("cpu", cpuIdx)
	}
	switch d {
	case Board:
		return 0, nil
	case Package, PackageMemory, PackageAccelerator, PackageNIC:
		return t.cpuToPackage[cpuIdx], nil
	case Core:
		return t.cpuToCore[cpuIdx], nil
	case CPU:
		return cpuIdx, nil
	case Memory:
		if t.cpuToMemory[cpuIdx] < 0 {
			return 0, apperror.New(apperror.Unsupported, "no memory affinity for this cpu")
		}
		return t.cpuToMemory[cpuIdx], nil
	case Accelerator:
		if len(t.cpuToAccelerator) == 0 || t.cpuToAccelerator[cpuIdx] < 0 {
			return 0, apperror.New(apperror.Unsupported, "no accelerator affinity for this cpu")
		}
		return t.cpuToAccelerator[cpuIdx], nil
	case NIC:
		return 0, apperror.New(apperror.Unsupported, "platform has no NIC domain")
	default:
		return 0, apperror.New(apperror.Invalid, "unknown domain")
	}
}

// DomainNested returns the set of inner-domain indices contained within
// (outer, outerIdx). It fails with Invalid if inner is not strictly
// nested in outer (§4.1).
func (t *Topology) DomainNested(inner, outer Domain, outerIdx int) ([]int, error) {
	if !isNestedIn(inner, outer) {
		return nil, apperror.New(apperror.Invalid, fmt.Sprintf("%s is not nested in %s", inner, outer))
	}
	n, err := t.NumDomain(outer)
	if err != nil {
		return nil, err
	}
	if outerIdx < 0 || outerIdx >= n {
		return nil, apperror.New(apperror.Invalid, "outer index out of range").WithDetail("index", outerIdx)
	}

	key := nestedKey{inner, outer, outerIdx}
	t.mu.RLock()
	if cached, ok := t.nestedCache[key]; ok {
		t.mu.RUnlock()
		return cached, nil
	}
	t.mu.RUnlock()

	numCPU, _ := t.NumDomain(CPU)
	seen := make(map[int]bool)
	var result []int
	for cpu := 0; cpu < numCPU; cpu++ {
		outerOf, err := t.DomainIdx(outer, cpu)
		if err != nil || outerOf != outerIdx {
			continue
		}
		innerOf, err := t.DomainIdx(inner, cpu)
		if err != nil {
			continue
		}
		if !seen[innerOf] {
			seen[innerOf] = true
			result = append(result, innerOf)
		}
	}

	t.mu.Lock()
	t.nestedCache[key] = result
	t.mu.Unlock()
	return result, nil
}

// Raw is the intermediate, driver-agnostic enumeration a host scan
// produces before validation. It exists so Load (real /sys parsing) and
// tests (fabricated hosts) share exactly one validation path via New.
type Raw struct {
	NumCPU           int
	CPUPackage       []int
	CPUCore          []int
	CPUMemory        []int // -1 where unknown/unaffiliated
	CPUAccelerator   []int // -1 where unknown/unaffiliated, nil if no accelerators
}
