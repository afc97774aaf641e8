// Package frequencymap implements the FrequencyMap agent (spec.md
// §4.12.4): a leaf-only agent that pins CPU frequency per region,
// preferring an explicit region-name-to-frequency table loaded from
// the environment and falling back to a hint-based default when a
// region is not named in that table.
//
// It also carries the supplemented TRLFrequencyLimitDetector feature
// (test/TRLFrequencyLimitDetectorTest.cpp): a requested frequency is
// never written above the package's all-core turbo ratio limit. The
// original detector tracks a per-active-core-count limit table built
// from SST priority data; this is narrowed to the single all-core
// ceiling FrequencyMap actually needs; a future per-core-count-aware
// control plane can widen clampToTRL without changing its signature.
package frequencymap

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"geopm/pkg/agent"
	"geopm/pkg/appstatus"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// EnvFrequencyMap names the environment variable carrying a JSON
// object mapping region name to a requested frequency in Hz.
const EnvFrequencyMap = "FREQUENCY_MAP"

const (
	regionHashSignal = "REGION_HASH"
	regionHintSignal = "REGION_HINT"
	freqControl      = "CPU_FREQUENCY_CONTROL"
	freqMinSignal    = "CPUINFO::FREQ_MIN"
	freqMaxSignal    = "CPUINFO::FREQ_MAX"
	turboLimitSignal = "MSR::TURBO_RATIO_LIMIT:MAX_RATIO_LIMIT_1"
)

// regionHash uses the same region-hash function ApplicationStatus and
// RecordLog hash region names with, so an env-supplied name maps to
// the same value this agent will see sampled off REGION_HASH.
func regionHash(name string) uint64 {
	return uint64(appstatus.HashRegion(name))
}

// Agent pins CPU_FREQUENCY_CONTROL according to the region the
// application is currently in.
type Agent struct {
	platform agent.Platform

	hashHandle, hintHandle, controlHandle int
	freqMin, freqMax, turboLimit          float64

	byHash map[uint64]float64

	lastHash uint64
	lastHint float64
	lastFreq float64

	lastWake time.Time
}

// New constructs a FrequencyMap agent, reading EnvFrequencyMap for a
// per-region override table.
func New() *Agent {
	return &Agent{byHash: parseFrequencyMap(os.Getenv(EnvFrequencyMap))}
}

func parseFrequencyMap(raw string) map[uint64]float64 {
	out := make(map[uint64]float64)
	if raw == "" {
		return out
	}
	var named map[string]float64
	if err := json.Unmarshal([]byte(raw), &named); err != nil {
		return out
	}
	for name, freq := range named {
		out[regionHash(name)] = freq
	}
	return out
}

func (a *Agent) Init(platform agent.Platform, level, fanIn int, isLevelRoot bool) error {
	a.platform = platform

	h, err := platform.PushSignal(regionHashSignal, topology.Board, 0)
	if err != nil {
		return err
	}
	a.hashHandle = h

	hh, err := platform.PushSignal(regionHintSignal, topology.Board, 0)
	if err != nil {
		return err
	}
	a.hintHandle = hh

	c, err := platform.PushControl(freqControl, topology.CPU, 0)
	if err != nil {
		return err
	}
	a.controlHandle = c

	a.freqMin, err = platform.ReadSignal(freqMinSignal, topology.Board, 0)
	if err != nil {
		return err
	}
	a.freqMax, err = platform.ReadSignal(freqMaxSignal, topology.Board, 0)
	if err != nil {
		return err
	}
	a.turboLimit, err = platform.ReadSignal(turboLimitSignal, topology.Board, 0)
	if err != nil {
		return err
	}
	return nil
}

func (a *Agent) PolicyNames() []string { return []string{"FREQ_MIN", "FREQ_MAX"} }

func (a *Agent) SampleNames() []string { return nil }

func (a *Agent) ValidatePolicy(policy []float64) ([]float64, error) {
	if err := agent.CheckVectorLength("policy", len(policy), 2); err != nil {
		return nil, err
	}
	return append([]float64(nil), policy...), nil
}

func (a *Agent) SplitPolicy(in []float64, out [][]float64) error {
	for _, child := range out {
		copy(child, in)
	}
	return nil
}

func (a *Agent) DoSendPolicy() bool { return false }

func (a *Agent) AggregateSample(in [][]float64, out []float64) error { return nil }

func (a *Agent) DoSendSample() bool { return false }

// clampToTRL prevents a requested frequency from exceeding the
// package's all-core turbo ratio limit.
func (a *Agent) clampToTRL(freq float64) float64 {
	if a.turboLimit > 0 && freq > a.turboLimit {
		return a.turboLimit
	}
	return freq
}

// hintFrequency returns the default frequency for a region hint not
// named in the env-supplied map: hints that imply the region is
// bottlenecked elsewhere (memory, network, io) run at FREQ_MIN, every
// other hint (including unknown/ignore) runs at FREQ_MAX.
func (a *Agent) hintFrequency(hint float64) float64 {
	switch appstatus.Hint(uint64(hint)) {
	case appstatus.HintMemory, appstatus.HintNetwork, appstatus.HintIO:
		return a.freqMin
	default:
		return a.freqMax
	}
}

// AdjustPlatform pins CPU_FREQUENCY_CONTROL to the frequency mapped
// from the region most recently sampled by SamplePlatform: an explicit
// entry in the env-supplied table takes precedence, falling back to
// hintFrequency otherwise.
func (a *Agent) AdjustPlatform(inPolicy []float64) error {
	if err := agent.CheckVectorLength("policy", len(inPolicy), 2); err != nil {
		return err
	}

	freq, ok := a.byHash[a.lastHash]
	if !ok {
		freq = a.hintFrequency(a.lastHint)
	}
	freq = a.clampToTRL(freq)
	if freq < inPolicy[0] {
		freq = inPolicy[0]
	}
	if freq > inPolicy[1] {
		freq = inPolicy[1]
	}
	a.lastFreq = freq
	return a.platform.Adjust(a.controlHandle, freq)
}

func (a *Agent) DoWriteBatch() bool { return true }

// SamplePlatform records the region hash and hint for the next
// AdjustPlatform call to act on.
func (a *Agent) SamplePlatform(out []float64) error {
	hash, err := a.platform.Sample(a.hashHandle)
	if err != nil {
		return err
	}
	hint, err := a.platform.Sample(a.hintHandle)
	if err != nil {
		return err
	}
	a.lastHash = uint64(hash)
	a.lastHint = hint
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

func (a *Agent) EnforcePolicy(policy []float64) error {
	if _, err := a.ValidatePolicy(policy); err != nil {
		return err
	}
	freq := a.clampToTRL(policy[1])
	return a.platform.Adjust(a.controlHandle, freq)
}

func (a *Agent) ReportHeader() map[string]string {
	return map[string]string{"agent": "frequency_map"}
}

func (a *Agent) ReportHost() map[string]string { return map[string]string{} }

func (a *Agent) ReportRegion(regionHash uint32) map[string]string {
	if freq, ok := a.byHash[uint64(regionHash)]; ok {
		return map[string]string{"requested-frequency-hz": strconv.FormatFloat(freq, 'f', -1, 64)}
	}
	return map[string]string{}
}

func (a *Agent) TraceNames() []string {
	return []string{"cpu_frequency_control", "region_hash_observed", "region_hint_observed"}
}

func (a *Agent) TraceFormats() []string {
	f := string(iogroup.FormatDecimal)
	h := string(iogroup.FormatHex)
	return []string{f, h, f}
}

func (a *Agent) TraceValues() []float64 {
	return []float64{a.lastFreq, float64(a.lastHash), a.lastHint}
}

var _ agent.Agent = (*Agent)(nil)
