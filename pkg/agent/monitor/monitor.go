// Package monitor implements the Monitor agent (spec.md §4.12.1): a
// policy-free agent that samples a fixed or env-configured signal list
// at board domain and reports it unchanged as trace columns.
package monitor

import (
	"context"
	"os"
	"strings"
	"time"

	"geopm/pkg/agent"
	"geopm/pkg/apperror"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// EnvSignals names the environment variable carrying a comma-separated
// list of signals to sample instead of defaultSignals.
const EnvSignals = "MONITOR_AGENT_SIGNALS"

var defaultSignals = []string{"TIME", "POWER_PACKAGE", "FREQUENCY", "REGION_PROGRESS"}

type column struct {
	name   string
	handle int
	agg    iogroup.Aggregator
}

// Agent samples each configured signal at board domain every tick and
// emits the raw vector as both sample and trace output; it declares no
// policy slots.
type Agent struct {
	platform agent.Platform
	columns  []column
	fanIn    int
	lastWake time.Time
}

// New constructs a Monitor agent; Init reads EnvSignals for a custom
// signal list.
func New() *Agent {
	return &Agent{}
}

func signalList() []string {
	raw, ok := os.LookupEnv(EnvSignals)
	if !ok {
		return append([]string(nil), defaultSignals...)
	}
	var names []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			names = append(names, part)
		}
	}
	if len(names) == 0 {
		return append([]string(nil), defaultSignals...)
	}
	return names
}

func (a *Agent) Init(platform agent.Platform, level, fanIn int, isLevelRoot bool) error {
	a.platform = platform
	a.fanIn = fanIn
	for _, name := range signalList() {
		h, err := platform.PushSignal(name, topology.Board, 0)
		if err != nil {
			return err
		}
		agg, err := platform.SignalAggregator(name)
		if err != nil {
			return err
		}
		a.columns = append(a.columns, column{name: name, handle: h, agg: agg})
	}
	return nil
}

func (a *Agent) PolicyNames() []string { return nil }

func (a *Agent) SampleNames() []string {
	names := make([]string, len(a.columns))
	for i, c := range a.columns {
		names[i] = c.name
	}
	return names
}

// ValidatePolicy accepts only an empty vector: Monitor has no policy
// slots, so any non-empty vector is a caller mistake and fails.
func (a *Agent) ValidatePolicy(policy []float64) ([]float64, error) {
	if err := agent.CheckVectorLength("policy", len(policy), 0); err != nil {
		return nil, err
	}
	return nil, nil
}

// SplitPolicy is a no-op: there is nothing to distribute.
func (a *Agent) SplitPolicy(in []float64, out [][]float64) error { return nil }

func (a *Agent) DoSendPolicy() bool { return false }

// AggregateSample reduces each child's sample using that signal's
// declared aggregator (original GEOPM's MonitorAgent::ascend, per
// column, not a cross-signal reduction).
func (a *Agent) AggregateSample(in [][]float64, out []float64) error {
	if err := agent.CheckVectorLength("sample", len(out), len(a.columns)); err != nil {
		return err
	}
	for _, row := range in {
		if err := agent.CheckVectorLength("sample", len(row), len(a.columns)); err != nil {
			return err
		}
	}
	for i, c := range a.columns {
		values := make([]float64, len(in))
		for r, row := range in {
			values[r] = row[i]
		}
		v, err := iogroup.Apply(c.agg, values)
		if err != nil {
			return err
		}
		out[i] = v
	}
	return nil
}

func (a *Agent) DoSendSample() bool { return true }

// AdjustPlatform is a no-op: Monitor writes no controls.
func (a *Agent) AdjustPlatform(inPolicy []float64) error { return nil }

func (a *Agent) DoWriteBatch() bool { return false }

func (a *Agent) SamplePlatform(out []float64) error {
	if err := agent.CheckVectorLength("sample", len(out), len(a.columns)); err != nil {
		return err
	}
	for i, c := range a.columns {
		v, err := a.platform.Sample(c.handle)
		if err != nil {
			return err
		}
		out[i] = v
	}
	return nil
}

const cadence = 5 * time.Millisecond

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

// EnforcePolicy is a no-op for an empty policy and fails for any
// other: Monitor has nothing to enforce.
func (a *Agent) EnforcePolicy(policy []float64) error {
	if len(policy) != 0 {
		return apperror.New(apperror.Invalid, "monitor agent has no policy to enforce")
	}
	return nil
}

func (a *Agent) ReportHeader() map[string]string { return map[string]string{"agent": "monitor"} }

func (a *Agent) ReportHost() map[string]string { return map[string]string{} }

func (a *Agent) ReportRegion(regionHash uint32) map[string]string { return map[string]string{} }

func (a *Agent) TraceNames() []string { return a.SampleNames() }

func (a *Agent) TraceFormats() []string {
	formats := make([]string, len(a.columns))
	for i := range formats {
		formats[i] = string(iogroup.FormatDecimal)
	}
	return formats
}

func (a *Agent) TraceValues() []float64 {
	values := make([]float64, len(a.columns))
	for i, c := range a.columns {
		v, err := a.platform.Sample(c.handle)
		if err == nil {
			values[i] = v
		}
	}
	return values
}

var _ agent.Agent = (*Agent)(nil)
