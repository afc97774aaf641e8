// Package iogroup defines the IOGroup contract (C3): the unit of
// registration PlatformIO (C4) aggregates. Each concrete driver package
// (msr, cpufreq, accelerator, ...) implements this interface; PlatformIO
// never talks to hardware directly.
package iogroup

import (
	"math"

	"geopm/pkg/topology"
)

// Aggregator names the reduction PlatformIO applies when a signal is
// requested at a domain coarser than its native domain.
type Aggregator string

const (
	AggSum         Aggregator = "sum"
	AggAverage     Aggregator = "average"
	AggMin         Aggregator = "min"
	AggMax         Aggregator = "max"
	AggMedian      Aggregator = "median"
	AggStddev      Aggregator = "stddev"
	AggLogicalAnd  Aggregator = "logical_and"
	AggLogicalOr   Aggregator = "logical_or"
	AggRegionHash  Aggregator = "region_hash"
	AggExpectSame  Aggregator = "expect_same"
	AggSelectFirst Aggregator = "select_first"
)

// Format names how a signal's double value should be rendered for
// humans; PlatformIO itself only ever moves float64s.
type Format string

const (
	FormatDecimal Format = "decimal"
	FormatInteger Format = "integer"
	FormatHex     Format = "hex"
	FormatBitmask Format = "bitmask"
)

// Behavior governs how SampleAggregator (C8) accumulates a signal across
// ticks.
type Behavior string

const (
	BehaviorConstant Behavior = "constant"
	BehaviorMonotone Behavior = "monotone"
	BehaviorVariable Behavior = "variable"
	BehaviorLabel    Behavior = "label"
)

// SignalInfo is the static metadata a driver declares for one signal
// name (§3 "Signal metadata").
type SignalInfo struct {
	Name        string
	Domain      topology.Domain
	Aggregator  Aggregator
	Format      Format
	Behavior    Behavior
	Description string
}

// ControlInfo is the static metadata a driver declares for one control
// name (§3 "Control metadata").
type ControlInfo struct {
	Name        string
	Domain      topology.Domain
	Description string
}

// IOGroup is the contract every driver-backed signal/control collection
// implements (§4.3). PlatformIO registers a set of IOGroups and routes
// every name lookup, push, batch, and save/restore call to exactly one of
// them.
type IOGroup interface {
	Name() string

	SignalNames() []string
	ControlNames() []string
	IsValidSignal(name string) bool
	IsValidControl(name string) bool
	SignalDomainType(name string) (topology.Domain, error)
	ControlDomainType(name string) (topology.Domain, error)

	PushSignal(name string, domain topology.Domain, index int) (int, error)
	PushControl(name string, domain topology.Domain, index int) (int, error)

	ReadBatch() error
	WriteBatch() error
	Sample(handle int) (float64, error)
	Adjust(handle int, value float64) error

	ReadSignal(name string, domain topology.Domain, index int) (float64, error)
	WriteControl(name string, domain topology.Domain, index int, value float64) error

	SaveControl(dir string) error
	RestoreControl(dir string) error

	AggFunction(name string) (Aggregator, error)
	FormatFunction(name string) (Format, error)
	SignalDescription(name string) (string, error)
	SignalBehavior(name string) (Behavior, error)
}

// ResettableIOGroup is implemented by drivers whose HandleTable can be
// reset to accept new pushes after a batch has been consumed (§3
// invariants, and the §9 open question on IOGroup reset/collision
// tie-break).
type ResettableIOGroup interface {
	IOGroup
	Reset()
}

// IsValidValue reports whether x should be treated as "present" at the
// PIO boundary. This is the only distinction the boundary makes between
// present and absent values (§4.4).
func IsValidValue(x float64) bool {
	return !math.IsNaN(x)
}
