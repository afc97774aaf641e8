// Package sampleagg implements SampleAggregator (C8): per-region and
// per-epoch accumulation of any signal PlatformIO samples, respecting
// the signal's declared behavior.
package sampleagg

import (
	"sync"

	"geopm/pkg/apperror"
	"geopm/pkg/pio/iogroup"
)

// UnmarkedHash is the reserved region hash time is attributed to before
// the first EPOCH_COUNT tick, and the value region_hash aggregation
// falls back to when inputs disagree (§4.8).
const UnmarkedHash uint32 = 0

// tick is one observation of a signal's value alongside the region
// active at that moment.
type tick struct {
	value float64
	hash  uint32
	time  float64 // seconds, monotonically increasing
}

// perRegion accumulates the region-scoped totals for one signal.
type perRegion struct {
	total     map[uint32]float64 // sample_region: cumulative since start
	lastSpell map[uint32]float64 // sample_region_last: most recent contiguous occurrence
	curHash   uint32
	curSpell  float64
}

// accum holds everything tracked for one pushed signal.
type accum struct {
	behavior iogroup.Behavior
	last     *tick
	region   perRegion

	periodLast float64

	epochBaseline   float64 // cumulative total at first epoch
	epochStarted    bool
	epochLastStart  float64 // cumulative total at most recent epoch boundary
	epochLastValue  float64 // value over the most recently completed epoch
	cumulativeEpoch float64 // cumulative value since first epoch
}

func newAccum(behavior iogroup.Behavior) *accum {
	return &accum{
		behavior: behavior,
		region: perRegion{
			total:     make(map[uint32]float64),
			lastSpell: make(map[uint32]float64),
			curHash:   UnmarkedHash,
		},
	}
}

// SampleAggregator accumulates per-signal totals across ticks.
type SampleAggregator struct {
	mu      sync.Mutex
	signals map[int]*accum
}

// New creates an empty aggregator.
func New() *SampleAggregator {
	return &SampleAggregator{signals: make(map[int]*accum)}
}

// PushSignal registers handle h for accumulation under behavior. h is
// caller-assigned (typically PlatformIO's push handle) and must be
// pushed once before Update is ever called for it.
func (s *SampleAggregator) PushSignal(h int, behavior iogroup.Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[h] = newAccum(behavior)
}

func (s *SampleAggregator) get(h int) (*accum, error) {
	a, ok := s.signals[h]
	if !ok {
		return nil, apperror.New(apperror.Invalid, "signal handle not pushed to aggregator").WithDetail("handle", h)
	}
	return a, nil
}

// Update records one new observation of h's value at time t (seconds),
// attributed to the region currently active (regionHash). isEpoch marks
// that this tick also carries an EPOCH_COUNT increment.
func (s *SampleAggregator) Update(h int, value float64, regionHash uint32, t float64, isEpoch bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.get(h)
	if err != nil {
		return err
	}

	prev := a.last
	a.last = &tick{value: value, hash: regionHash, time: t}

	if prev == nil {
		a.region.curHash = regionHash
		if isEpoch {
			s.markEpoch(a)
		}
		return nil
	}

	delta := s.delta(a.behavior, prev.value, value, t-prev.time)
	a.periodLast = delta

	// Monotone deltas attribute to the region active on the earlier
	// tick; variable integrals attribute to the region active over the
	// interval, which for a fixed sampling cadence is also the earlier
	// tick's region (§4.8).
	attributeHash := prev.hash

	if attributeHash != a.region.curHash {
		// Region changed: close out the prior spell and start a new one.
		a.region.curHash = attributeHash
		a.region.curSpell = 0
	}
	a.region.total[attributeHash] += delta
	a.region.curSpell += delta
	a.region.lastSpell[attributeHash] = a.region.curSpell

	a.cumulativeEpoch += delta

	if isEpoch {
		s.markEpoch(a)
	}
	return nil
}

func (s *SampleAggregator) delta(behavior iogroup.Behavior, prevValue, value, dt float64) float64 {
	switch behavior {
	case iogroup.BehaviorMonotone:
		return value - prevValue
	case iogroup.BehaviorVariable:
		return ((value + prevValue) / 2) * dt
	default: // constant, label: no accumulation
		return 0
	}
}

func (s *SampleAggregator) markEpoch(a *accum) {
	if !a.epochStarted {
		a.epochStarted = true
		a.epochBaseline = a.cumulativeEpoch
		a.epochLastStart = a.cumulativeEpoch
		return
	}
	a.epochLastValue = a.cumulativeEpoch - a.epochLastStart
	a.epochLastStart = a.cumulativeEpoch
}

// SampleRegion returns the cumulative value attributed to hash since
// process start. For constant/label behavior it returns the last
// observed value instead, ignoring hash.
func (s *SampleAggregator) SampleRegion(h int, hash uint32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.get(h)
	if err != nil {
		return 0, err
	}
	if a.behavior == iogroup.BehaviorConstant || a.behavior == iogroup.BehaviorLabel {
		if a.last == nil {
			return 0, nil
		}
		return a.last.value, nil
	}
	return a.region.total[hash], nil
}

// SampleRegionLast returns the value accumulated during the most recent
// contiguous occurrence of hash.
func (s *SampleAggregator) SampleRegionLast(h int, hash uint32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.get(h)
	if err != nil {
		return 0, err
	}
	return a.region.lastSpell[hash], nil
}

// SamplePeriodLast returns the delta accumulated since the previous
// tick.
func (s *SampleAggregator) SamplePeriodLast(h int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.get(h)
	if err != nil {
		return 0, err
	}
	return a.periodLast, nil
}

// SampleEpoch returns the cumulative value since the first epoch tick.
// Before the first epoch this is 0.
func (s *SampleAggregator) SampleEpoch(h int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.get(h)
	if err != nil {
		return 0, err
	}
	if !a.epochStarted {
		return 0, nil
	}
	return a.cumulativeEpoch - a.epochBaseline, nil
}

// SampleEpochLast returns the value accumulated over the most recently
// completed epoch interval.
func (s *SampleAggregator) SampleEpochLast(h int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.get(h)
	if err != nil {
		return 0, err
	}
	return a.epochLastValue, nil
}

// AggregateHash applies the region_hash aggregator: returns the common
// hash if every input agrees, else UnmarkedHash.
func AggregateHash(hashes []uint32) uint32 {
	if len(hashes) == 0 {
		return UnmarkedHash
	}
	first := hashes[0]
	for _, h := range hashes[1:] {
		if h != first {
			return UnmarkedHash
		}
	}
	return first
}
