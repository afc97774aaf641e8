// Package powerbalancer implements the PowerBalancer agent (spec.md
// §4.12.3): a three-phase state machine that redistributes a shared
// power cap toward the tree's slowest node, using a per-leaf
// runtimeRegulator to turn epoch runtime samples into "slack" (the
// supplemented EpochRuntimeRegulator feature from
// test/EpochRuntimeRegulatorTest.cpp, simplified to the single
// headroom quantity PowerBalancer needs instead of its full per-rank
// region accounting, which duplicates what pkg/recordlog/pkg/appsampler
// already do elsewhere in this tree).
package powerbalancer

import (
	"context"
	"math"
	"time"

	"geopm/pkg/agent"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// Phase is PowerBalancer's position in its three-step cycle, derived
// from STEP_COUNT mod 3.
type Phase int

const (
	PhaseSendDownLimit Phase = iota
	PhaseMeasureRuntime
	PhaseReduceLimit
	numPhases = 3
)

const cadence = 5 * time.Millisecond

const (
	powerSignal     = "POWER_PACKAGE"
	powerControl    = "PLATFORM_POWER_LIMIT"
	epochRuntimeSig = "EPOCH_RUNTIME"
	minSignal       = "POWER_PACKAGE_MIN"
	maxSignal       = "POWER_PACKAGE_MAX"
	tdpSignal       = "POWER_PACKAGE_TDP"
)

// runtimeRegulator turns an observed epoch runtime and the tree's
// current slowest-node runtime into a slack value: how much faster
// this node finished than the node setting the pace, i.e. how much
// power headroom it can safely give up.
type runtimeRegulator struct{}

func (runtimeRegulator) Slack(ownEpochRuntime, treeMaxEpochRuntime float64) float64 {
	if treeMaxEpochRuntime <= 0 {
		return 0
	}
	slack := treeMaxEpochRuntime - ownEpochRuntime
	if slack < 0 {
		return 0
	}
	return slack
}

// Agent is the PowerBalancer; the same type serves leaf, interior, and
// root roles, branching on level/isRoot set by Init.
type Agent struct {
	platform agent.Platform
	level    int
	fanIn    int
	isRoot   bool

	// leaf state
	powerHandle, epochHandle, controlHandle int
	minPower, maxPower                      float64
	regulator                               runtimeRegulator
	appliedCap                              float64
	capValid                                bool
	writeChanged                            bool
	lastStepIn, lastMaxEpochRuntimeIn       float64

	// non-leaf state
	step              int
	lastMaxEpochRuntime float64
	lastSlack           float64

	lastWake time.Time
}

// New constructs a PowerBalancer agent.
func New() *Agent {
	return &Agent{}
}

func (a *Agent) Init(platform agent.Platform, level, fanIn int, isLevelRoot bool) error {
	a.platform = platform
	a.level = level
	a.fanIn = fanIn
	a.isRoot = isLevelRoot

	if level != 0 {
		return nil
	}

	h, err := platform.PushSignal(powerSignal, topology.Board, 0)
	if err != nil {
		return err
	}
	a.powerHandle = h

	eh, err := platform.PushSignal(epochRuntimeSig, topology.Board, 0)
	if err != nil {
		return err
	}
	a.epochHandle = eh

	c, err := platform.PushControl(powerControl, topology.Board, 0)
	if err != nil {
		return err
	}
	a.controlHandle = c

	a.minPower, err = platform.ReadSignal(minSignal, topology.Board, 0)
	if err != nil {
		return err
	}
	a.maxPower, err = platform.ReadSignal(maxSignal, topology.Board, 0)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) PolicyNames() []string {
	return []string{"POWER_CAP", "STEP_COUNT", "MAX_EPOCH_RUNTIME", "POWER_SLACK"}
}

func (a *Agent) SampleNames() []string {
	return []string{"STEP_COUNT", "MAX_EPOCH_RUNTIME", "SUM_POWER_SLACK", "MIN_POWER_HEADROOM"}
}

// ValidatePolicy clamps POWER_CAP to [minPower, maxPower] when present
// (a zero cap is the "no new cap this tick" sentinel and passes
// through unclamped).
func (a *Agent) ValidatePolicy(policy []float64) ([]float64, error) {
	if err := agent.CheckVectorLength("policy", len(policy), 4); err != nil {
		return nil, err
	}
	out := append([]float64(nil), policy...)
	if out[0] > 0 {
		clamped, err := agent.ValidateBounds([]float64{out[0]}, []float64{a.minPower}, []float64{a.maxPower}, nil)
		if err != nil {
			return nil, err
		}
		out[0] = clamped[0]
	}
	return out, nil
}

// SplitPolicy implements the shared interior/root descend rule: a cap
// only propagates during PhaseSendDownLimit (all other phases send
// the 0 sentinel), the epoch-runtime field resets to 0 at the start
// of a new cycle, and accumulated slack is divided evenly among
// children exactly when a new cycle's cap redescends.
func (a *Agent) SplitPolicy(in []float64, out [][]float64) error {
	if err := agent.CheckVectorLength("policy", len(in), 4); err != nil {
		return err
	}
	phase := Phase(a.step % numPhases)

	cap := 0.0
	epc := in[2]
	slk := in[3]
	if phase == PhaseSendDownLimit {
		cap = in[0]
		epc = 0
		if len(out) > 0 {
			slk = in[3] / float64(len(out))
		}
	}

	for _, child := range out {
		child[0] = cap
		child[1] = float64(a.step)
		child[2] = epc
		child[3] = slk
	}
	a.step++
	return nil
}

func (a *Agent) DoSendPolicy() bool { return true }

// AggregateSample reduces fanIn children's {STEP_COUNT, epoch_runtime,
// slack, headroom} samples: step count is taken from the first child,
// epoch runtime is the max and slack the sum across children, headroom
// is the tightest of any child.
func (a *Agent) AggregateSample(in [][]float64, out []float64) error {
	if err := agent.CheckVectorLength("sample", len(out), 4); err != nil {
		return err
	}
	steps := make([]float64, len(in))
	epochs := make([]float64, len(in))
	slacks := make([]float64, len(in))
	headrooms := make([]float64, len(in))
	for i, row := range in {
		if err := agent.CheckVectorLength("sample", len(row), 4); err != nil {
			return err
		}
		steps[i] = row[0]
		epochs[i] = row[1]
		slacks[i] = row[2]
		headrooms[i] = row[3]
	}
	step, err := iogroup.Apply(iogroup.AggSelectFirst, steps)
	if err != nil {
		return err
	}
	maxEpoch, err := iogroup.Apply(iogroup.AggMax, epochs)
	if err != nil {
		return err
	}
	sumSlack, err := iogroup.Apply(iogroup.AggSum, slacks)
	if err != nil {
		return err
	}
	minHeadroom, err := iogroup.Apply(iogroup.AggMin, headrooms)
	if err != nil {
		return err
	}

	a.lastMaxEpochRuntime = maxEpoch
	a.lastSlack = sumSlack

	out[0] = step
	out[1] = maxEpoch
	out[2] = sumSlack
	out[3] = minHeadroom
	return nil
}

func (a *Agent) DoSendSample() bool { return true }

// AdjustPlatform writes a new power limit only when this tick's policy
// carries a genuine (nonzero) cap, per the SplitPolicy sentinel.
func (a *Agent) AdjustPlatform(inPolicy []float64) error {
	if err := agent.CheckVectorLength("policy", len(inPolicy), 4); err != nil {
		return err
	}
	a.lastStepIn = inPolicy[1]
	a.lastMaxEpochRuntimeIn = inPolicy[2]

	cap := inPolicy[0]
	if cap <= 0 {
		a.writeChanged = false
		return nil
	}
	changed := !a.capValid || a.appliedCap != cap
	a.appliedCap = cap
	a.capValid = true
	a.writeChanged = changed
	if !changed {
		return nil
	}
	return a.platform.Adjust(a.controlHandle, cap)
}

func (a *Agent) DoWriteBatch() bool { return a.writeChanged }

// SamplePlatform reports this node's own {STEP_COUNT, epoch_runtime,
// slack, headroom} using the epoch runtime and cap bounds most
// recently applied.
func (a *Agent) SamplePlatform(out []float64) error {
	if err := agent.CheckVectorLength("sample", len(out), 4); err != nil {
		return err
	}
	epoch, err := a.platform.Sample(a.epochHandle)
	if err != nil {
		return err
	}
	slack := a.regulator.Slack(epoch, a.lastMaxEpochRuntimeIn)
	headroom := 0.0
	if a.capValid {
		headroom = a.maxPower - a.appliedCap
		if headroom < 0 {
			headroom = 0
		}
	}
	out[0] = a.lastStepIn
	out[1] = epoch
	out[2] = slack
	out[3] = headroom
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

// EnforcePolicy applies a validated cap once, bypassing the phase
// machinery entirely.
func (a *Agent) EnforcePolicy(policy []float64) error {
	validated, err := a.ValidatePolicy(policy)
	if err != nil {
		return err
	}
	if validated[0] <= 0 {
		return nil
	}
	return a.platform.Adjust(a.controlHandle, validated[0])
}

func (a *Agent) ReportHeader() map[string]string {
	return map[string]string{"agent": "power_balancer"}
}

func (a *Agent) ReportHost() map[string]string { return map[string]string{} }

func (a *Agent) ReportRegion(regionHash uint32) map[string]string { return map[string]string{} }

func (a *Agent) TraceNames() []string {
	return []string{"epoch_runtime", "power_limit", "policy_step_count", "policy_max_epoch_runtime", "policy_power_slack"}
}

func (a *Agent) TraceFormats() []string {
	f := string(iogroup.FormatDecimal)
	return []string{f, f, f, f, f}
}

func (a *Agent) TraceValues() []float64 {
	epoch, _ := a.platform.Sample(a.epochHandle)
	limit := math.NaN()
	if a.capValid {
		limit = a.appliedCap
	}
	return []float64{epoch, limit, a.lastStepIn, a.lastMaxEpochRuntimeIn, a.lastSlack}
}

var _ agent.Agent = (*Agent)(nil)
