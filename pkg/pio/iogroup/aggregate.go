package iogroup

import (
	"math"
	"sort"

	"geopm/pkg/apperror"
)

// Apply reduces values according to agg, implementing PlatformIO's
// domain-coarsening arithmetic (§3 "Signal metadata", aggregator column).
// An empty values slice always yields NaN: there is nothing to aggregate.
func Apply(agg Aggregator, values []float64) (float64, error) {
	if len(values) == 0 {
		return math.NaN(), nil
	}

	switch agg {
	case AggSum:
		return sum(values), nil
	case AggAverage:
		return sum(values) / float64(len(values)), nil
	case AggMin:
		return extremum(values, false), nil
	case AggMax:
		return extremum(values, true), nil
	case AggMedian:
		return median(values), nil
	case AggStddev:
		return stddev(values), nil
	case AggLogicalAnd:
		return boolToFloat(logicalAnd(values)), nil
	case AggLogicalOr:
		return boolToFloat(logicalOr(values)), nil
	case AggSelectFirst:
		return values[0], nil
	case AggExpectSame:
		return expectSame(values)
	case AggRegionHash:
		return values[0], nil
	default:
		return 0, apperror.New(apperror.Invalid, "unknown aggregator").WithDetail("aggregator", string(agg))
	}
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func extremum(values []float64, max bool) float64 {
	best := values[0]
	for _, v := range values[1:] {
		if (max && v > best) || (!max && v < best) {
			best = v
		}
	}
	return best
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func stddev(values []float64) float64 {
	if len(values) == 1 {
		return 0
	}
	mean := sum(values) / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func logicalAnd(values []float64) bool {
	for _, v := range values {
		if v == 0 {
			return false
		}
	}
	return true
}

func logicalOr(values []float64) bool {
	for _, v := range values {
		if v != 0 {
			return true
		}
	}
	return false
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// expectSame requires every sample to agree; a mismatch is a Runtime
// error rather than a silent pick, since the caller asked PlatformIO to
// guarantee domain-wide uniformity (e.g. a BIOS-fixed frequency cap).
func expectSame(values []float64) (float64, error) {
	first := values[0]
	for _, v := range values[1:] {
		if v != first {
			return 0, apperror.New(apperror.Runtime, "expect_same aggregator saw divergent values").
				WithDetail("first", first).WithDetail("other", v)
		}
	}
	return first, nil
}
