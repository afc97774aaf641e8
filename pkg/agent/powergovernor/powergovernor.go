// Package powergovernor implements the PowerGovernor agent (spec.md
// §4.12.2): a one-scalar-policy agent that medians a recent power
// window and writes a clamped power limit control.
package powergovernor

import (
	"context"
	"math"
	"time"

	"geopm/pkg/agent"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// convergedWindow is the fixed tick count spec.md §4.12.2 requires
// ("N=15") before IS_CONVERGED may report true.
const convergedWindow = 15

const cadence = 5 * time.Millisecond

// powerSignal/powerControl are the board-domain names a bare
// PowerGovernor pushes; NodePowerGovernor reuses this type at the same
// board domain with the MSR board-power signal and platform power
// limit control instead.
const (
	powerSignal  = "POWER_PACKAGE"
	powerControl = "PLATFORM_POWER_LIMIT"
	minSignal    = "POWER_PACKAGE_MIN"
	maxSignal    = "POWER_PACKAGE_MAX"
	tdpSignal    = "POWER_PACKAGE_TDP"
)

// Agent is the board-scope PowerGovernor. NodePowerGovernor embeds one
// built by NewWithDomain with its own signal and control names.
type Agent struct {
	platform agent.Platform
	domain   topology.Domain

	signalName  string
	controlName string

	powerHandle   int
	controlHandle int

	minPower, maxPower, tdp float64

	window       []float64
	convergedRun int
	lastWrite    float64
	haveWritten  bool
	lastSample   []float64
	lastWake     time.Time
}

// New constructs a board-scope PowerGovernor.
func New() *Agent {
	return &Agent{domain: topology.Board, signalName: powerSignal, controlName: powerControl}
}

// NewWithDomain builds a PowerGovernor scoped to domain instead of the
// board, using signalName/controlName in place of POWER_PACKAGE and
// PLATFORM_POWER_LIMIT. Used by pkg/agent/nodepowergovernor to run a
// single board-domain instance over the MSR platform power names.
func NewWithDomain(domain topology.Domain, signalName, controlName string) *Agent {
	return &Agent{domain: domain, signalName: signalName, controlName: controlName}
}

func (a *Agent) Init(platform agent.Platform, level, fanIn int, isLevelRoot bool) error {
	a.platform = platform

	h, err := platform.PushSignal(a.signalName, a.domain, 0)
	if err != nil {
		return err
	}
	a.powerHandle = h

	c, err := platform.PushControl(a.controlName, a.domain, 0)
	if err != nil {
		return err
	}
	a.controlHandle = c

	a.minPower, err = platform.ReadSignal(minSignal, a.domain, 0)
	if err != nil {
		return err
	}
	a.maxPower, err = platform.ReadSignal(maxSignal, a.domain, 0)
	if err != nil {
		return err
	}
	a.tdp, err = platform.ReadSignal(tdpSignal, a.domain, 0)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) PolicyNames() []string { return []string{"POWER_LIMIT"} }

func (a *Agent) SampleNames() []string { return []string{"MEAN_POWER", "IS_CONVERGED", "ENFORCED_POWER"} }

// ValidatePolicy clamps POWER_LIMIT to [minPower, maxPower]; NaN means
// "reset to TDP" rather than a forbidden value (§4.12.2).
func (a *Agent) ValidatePolicy(policy []float64) ([]float64, error) {
	if err := agent.CheckVectorLength("policy", len(policy), 1); err != nil {
		return nil, err
	}
	limit := policy[0]
	if math.IsNaN(limit) {
		limit = a.tdp
	}
	out, err := agent.ValidateBounds([]float64{limit}, []float64{a.minPower}, []float64{a.maxPower}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SplitPolicy distributes the same validated limit to every child:
// PowerGovernor does not subdivide a budget across the tree.
func (a *Agent) SplitPolicy(in []float64, out [][]float64) error {
	if err := agent.CheckVectorLength("policy", len(in), 1); err != nil {
		return err
	}
	for _, child := range out {
		child[0] = in[0]
	}
	return nil
}

func (a *Agent) DoSendPolicy() bool { return true }

// AggregateSample averages MEAN_POWER, sums ENFORCED_POWER, and
// logical-ANDs IS_CONVERGED, matching the teacher's PowerGovernorAgent
// tree-ascend semantics.
func (a *Agent) AggregateSample(in [][]float64, out []float64) error {
	if err := agent.CheckVectorLength("sample", len(out), 3); err != nil {
		return err
	}
	power := make([]float64, len(in))
	enforced := make([]float64, len(in))
	converged := true
	for i, row := range in {
		if err := agent.CheckVectorLength("sample", len(row), 3); err != nil {
			return err
		}
		power[i] = row[0]
		if row[1] == 0 {
			converged = false
		}
		enforced[i] = row[2]
	}
	meanPower, err := iogroup.Apply(iogroup.AggAverage, power)
	if err != nil {
		return err
	}
	enforcedSum, err := iogroup.Apply(iogroup.AggSum, enforced)
	if err != nil {
		return err
	}
	out[0] = meanPower
	out[1] = boolToFloat(converged)
	out[2] = enforcedSum
	return nil
}

func (a *Agent) DoSendSample() bool { return true }

// AdjustPlatform writes the validated limit to the control, and is
// expected to be called with an already-validated policy (the
// Controller runs ValidatePolicy before AdjustPlatform at the root).
func (a *Agent) AdjustPlatform(inPolicy []float64) error {
	if err := agent.CheckVectorLength("policy", len(inPolicy), 1); err != nil {
		return err
	}
	a.lastWrite = inPolicy[0]
	a.haveWritten = true
	return a.platform.Adjust(a.controlHandle, inPolicy[0])
}

func (a *Agent) DoWriteBatch() bool { return a.haveWritten }

// SamplePlatform appends to the median window and reports
// convergence once convergedWindow consecutive ticks have a median at
// or below the last-written limit.
func (a *Agent) SamplePlatform(out []float64) error {
	if err := agent.CheckVectorLength("sample", len(out), 3); err != nil {
		return err
	}
	v, err := a.platform.Sample(a.powerHandle)
	if err != nil {
		return err
	}
	a.window = append(a.window, v)
	if len(a.window) > convergedWindow {
		a.window = a.window[len(a.window)-convergedWindow:]
	}
	mean, err := iogroup.Apply(iogroup.AggAverage, a.window)
	if err != nil {
		return err
	}

	converged := false
	if a.haveWritten && len(a.window) == convergedWindow {
		median, err := iogroup.Apply(iogroup.AggMedian, a.window)
		if err != nil {
			return err
		}
		if median <= a.lastWrite {
			a.convergedRun++
		} else {
			a.convergedRun = 0
		}
		converged = a.convergedRun >= convergedWindow
	}

	out[0] = mean
	out[1] = boolToFloat(converged)
	out[2] = a.lastWrite
	a.lastSample = append([]float64(nil), out...)
	return nil
}

func (a *Agent) Wait(ctx context.Context) error {
	if a.lastWake.IsZero() {
		a.lastWake = time.Now()
	}
	next := a.lastWake.Add(cadence)
	d := time.Until(next)
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	a.lastWake = time.Now()
	return nil
}

// EnforcePolicy applies a validated limit once, with no sampling loop.
func (a *Agent) EnforcePolicy(policy []float64) error {
	validated, err := a.ValidatePolicy(policy)
	if err != nil {
		return err
	}
	return a.platform.Adjust(a.controlHandle, validated[0])
}

func (a *Agent) ReportHeader() map[string]string {
	return map[string]string{"agent": "power_governor"}
}

func (a *Agent) ReportHost() map[string]string { return map[string]string{} }

func (a *Agent) ReportRegion(regionHash uint32) map[string]string { return map[string]string{} }

func (a *Agent) TraceNames() []string { return a.SampleNames() }

func (a *Agent) TraceFormats() []string {
	return []string{string(iogroup.FormatDecimal), string(iogroup.FormatInteger), string(iogroup.FormatDecimal)}
}

func (a *Agent) TraceValues() []float64 {
	if a.lastSample == nil {
		return []float64{math.NaN(), 0, 0}
	}
	return append([]float64(nil), a.lastSample...)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var _ agent.Agent = (*Agent)(nil)
