// Package nodepowergovernor implements NodePowerGovernor (spec.md
// §4.12.2's "and NodePowerGovernor" variant): the same governor loop as
// pkg/agent/powergovernor, scoped to the whole board's platform power
// limit control instead of a single package, and gated so a policy is
// only redescended when the budget actually changes.
package nodepowergovernor

import (
	"geopm/pkg/agent"
	"geopm/pkg/agent/powergovernor"
	"geopm/pkg/topology"
)

const (
	nodePowerSignal  = "MSR::BOARD_POWER"
	nodePowerControl = "MSR::PLATFORM_POWER_LIMIT:PL1_POWER_LIMIT"
	timeWindowCtl    = "MSR::PLATFORM_POWER_LIMIT:PL1_TIME_WINDOW"
	limitEnableCtl   = "MSR::PLATFORM_POWER_LIMIT:PL1_LIMIT_ENABLE"
	clampEnableCtl   = "MSR::PLATFORM_POWER_LIMIT:PL1_CLAMP_ENABLE"

	powerTimeWindowSeconds = 0.013
)

// Agent wraps powergovernor.Agent, scoping it to the board-wide
// platform power limit and enabling the control's clamp/time-window
// settings once at init, per NodePowerGovernorAgent::init_platform_io.
type Agent struct {
	*powergovernor.Agent

	lastBudget    float64
	haveBudget    bool
	budgetChanged bool
}

// New constructs a NodePowerGovernor agent.
func New() *Agent {
	return &Agent{Agent: powergovernor.NewWithDomain(topology.Board, nodePowerSignal, nodePowerControl)}
}

func (a *Agent) Init(platform agent.Platform, level, fanIn int, isLevelRoot bool) error {
	if err := a.Agent.Init(platform, level, fanIn, isLevelRoot); err != nil {
		return err
	}
	if level != 0 {
		return nil
	}
	if err := platform.WriteControl(timeWindowCtl, topology.Board, 0, powerTimeWindowSeconds); err != nil {
		return err
	}
	if err := platform.WriteControl(limitEnableCtl, topology.Board, 0, 1); err != nil {
		return err
	}
	return platform.WriteControl(clampEnableCtl, topology.Board, 0, 1)
}

// SplitPolicy only propagates a new budget to children when it
// actually differs from the last one sent, per
// NodePowerGovernorAgent::split_policy.
func (a *Agent) SplitPolicy(in []float64, out [][]float64) error {
	if err := agent.CheckVectorLength("policy", len(in), 1); err != nil {
		return err
	}
	budget := in[0]
	if a.haveBudget && a.lastBudget == budget {
		a.budgetChanged = false
		return nil
	}
	a.lastBudget = budget
	a.haveBudget = true
	a.budgetChanged = true
	for _, child := range out {
		child[0] = budget
	}
	return nil
}

func (a *Agent) DoSendPolicy() bool { return a.budgetChanged }

var _ agent.Agent = (*Agent)(nil)
