// Package topology enumerates the board/package/core/cpu/memory/accelerator
// domains of a host and answers nesting and index queries for them (C1).
package topology

import "geopm/pkg/apperror"

// Domain is one granularity level of the platform topology. The zero value
// is Board.
type Domain int

const (
	Board Domain = iota
	Package
	Core
	CPU
	Memory
	PackageMemory
	NIC
	PackageNIC
	Accelerator
	PackageAccelerator

	numDomains
)

var domainNames = [numDomains]string{
	Board:              "board",
	Package:            "package",
	Core:               "core",
	CPU:                "cpu",
	Memory:             "memory",
	PackageMemory:      "package_memory",
	NIC:                "nic",
	PackageNIC:         "package_nic",
	Accelerator:        "accelerator",
	PackageAccelerator: "package_accelerator",
}

// String returns the stable lowercase name used in signal/control requests
// and in the persisted topology cache.
func (d Domain) String() string {
	if d < 0 || d >= numDomains {
		return "invalid"
	}
	return domainNames[d]
}

// ParseDomain parses the stable name back into a Domain.
func ParseDomain(name string) (Domain, error) {
	for i, n := range domainNames {
		if n == name {
			return Domain(i), nil
		}
	}
	return 0, apperror.New(apperror.Invalid, "unknown domain: "+name)
}

// nestingParent gives each domain its immediate parent in the
// board>package>core>cpu chain, plus chains for memory/nic/accelerator
// that nest under their package-scoped domain and so under package and board. A domain strictly nests inside
// another iff the inner domain is reachable from the outer via this table.
var nestingParent = map[Domain]Domain{
	Package:            Board,
	Core:               Package,
	CPU:                Core,
	PackageMemory:      Package,
	Memory:             PackageMemory,
	PackageNIC:         Package,
	NIC:                PackageNIC,
	PackageAccelerator: Package,
	Accelerator:        PackageAccelerator,
}

// isNestedIn reports whether inner is strictly nested inside outer, i.e.
// outer appears somewhere on inner's chain of parents.
func isNestedIn(inner, outer Domain) bool {
	if inner == outer {
		return false
	}
	cur := inner
	for {
		parent, ok := nestingParent[cur]
		if !ok {
			return outer == Board && cur != Board
		}
		if parent == outer {
			return true
		}
		cur = parent
	}
}
