// Package agent defines the Agent contract (C12): the callback
// interface every control policy (monitor, power governor, power
// balancer, frequency map, ...) implements, plus the Platform access
// surface and validation helpers shared by every concrete agent.
package agent

import (
	"context"

	"geopm/pkg/apperror"
	"geopm/pkg/pio"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// Platform is the subset of pio.PlatformIO an agent needs to push
// signals/controls and drive a batch. Narrowed to an interface so
// agent tests can substitute a fake instead of a real PlatformIO.
type Platform interface {
	PushSignal(name string, domain topology.Domain, index int) (int, error)
	PushControl(name string, domain topology.Domain, index int) (int, error)
	Sample(handle int) (float64, error)
	Adjust(handle int, value float64) error
	ReadBatch() error
	WriteBatch() error
	ReadSignal(name string, domain topology.Domain, index int) (float64, error)
	WriteControl(name string, domain topology.Domain, index int, value float64) error
	SignalAggregator(name string) (iogroup.Aggregator, error)
}

var _ Platform = (*pio.PlatformIO)(nil)

// Agent is the callback contract every concrete policy implements
// (spec.md §4.12's table). Non-leaf-only and leaf-only callbacks are
// still required on every Agent for a uniform interface; an agent type
// that doesn't need a given phase implements it as a no-op returning
// false/nil rather than omitting it.
type Agent interface {
	// Init is called once, before any tick. level is this agent's
	// position in the tree (0 = leaf), fanIn is its child count (0 for
	// a leaf), isLevelRoot marks the root of the whole tree.
	Init(platform Platform, level, fanIn int, isLevelRoot bool) error

	// PolicyNames/SampleNames declare the only valid vector lengths at
	// the policy/sample boundaries; any mismatch elsewhere fails logic.
	PolicyNames() []string
	SampleNames() []string

	// ValidatePolicy rejects NaN where forbidden and clamps to declared
	// bounds, returning the corrected vector.
	ValidatePolicy(policy []float64) ([]float64, error)

	// SplitPolicy distributes a validated policy to fanIn children,
	// writing one vector (len == len(PolicyNames())) per child into out.
	// May leave out unchanged most ticks.
	SplitPolicy(in []float64, out [][]float64) error
	// DoSendPolicy reports whether SplitPolicy produced a change that
	// must be pushed to children this tick.
	DoSendPolicy() bool

	// AggregateSample reduces fanIn children's sample vectors into out
	// (len == len(SampleNames())).
	AggregateSample(in [][]float64, out []float64) error
	// DoSendSample reports whether the aggregate must be forwarded
	// upward this tick.
	DoSendSample() bool

	// AdjustPlatform applies controls derived from inPolicy via the
	// Platform passed to Init.
	AdjustPlatform(inPolicy []float64) error
	// DoWriteBatch reports whether any control actually changed.
	DoWriteBatch() bool

	// SamplePlatform produces a fresh sample vector (len ==
	// len(SampleNames())) via the Platform passed to Init.
	SamplePlatform(out []float64) error

	// Wait blocks until the next cadence boundary or ctx is cancelled.
	Wait(ctx context.Context) error

	// EnforcePolicy applies policy once, with no sampling loop (the
	// admin one-shot path).
	EnforcePolicy(policy []float64) error

	// Reporting/tracing plumbing.
	ReportHeader() map[string]string
	ReportHost() map[string]string
	ReportRegion(regionHash uint32) map[string]string
	TraceNames() []string
	TraceFormats() []string
	TraceValues() []float64
}

// CheckVectorLength fails logic if got != want, the uniform boundary
// check spec.md §4.12 requires at every policy/sample vector edge.
func CheckVectorLength(kind string, got, want int) error {
	if got != want {
		return apperror.New(apperror.Logic, kind+" vector length mismatch").
			WithDetail("got", got).WithDetail("want", want)
	}
	return nil
}

// ValidateBounds clamps each element of policy to [lo[i], hi[i]],
// rejecting NaN unless allowNaN[i] is set (NaN-where-forbidden, §4.12;
// "NaN in a non-leading slot means use agent default for that slot"
// resolved per SPEC_FULL.md §5 by callers substituting a default before
// calling this, not by this helper).
func ValidateBounds(policy, lo, hi []float64, allowNaN []bool) ([]float64, error) {
	out := make([]float64, len(policy))
	for i, v := range policy {
		if isNaN(v) {
			if i < len(allowNaN) && allowNaN[i] {
				out[i] = v
				continue
			}
			return nil, apperror.New(apperror.Invalid, "policy slot forbids NaN").WithDetail("slot", i)
		}
		lov, hiv := lo[i], hi[i]
		switch {
		case v < lov:
			out[i] = lov
		case v > hiv:
			out[i] = hiv
		default:
			out[i] = v
		}
	}
	return out, nil
}

func isNaN(v float64) bool { return v != v }
