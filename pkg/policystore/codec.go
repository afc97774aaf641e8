package policystore

import (
	"encoding/binary"
	"math"

	"geopm/pkg/apperror"
)

// encodePolicy serializes values as a length-prefixed little-endian f64
// array (spec.md §6 "PolicyStore on-disk format").
func encodePolicy(values []float64) []byte {
	buf := make([]byte, 8+len(values)*8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], math.Float64bits(v))
	}
	return buf
}

// decodePolicy parses the on-disk format back into a float64 slice.
func decodePolicy(buf []byte) ([]float64, error) {
	if len(buf) < 8 {
		return nil, apperror.New(apperror.FileParse, "policy blob shorter than its length prefix")
	}
	n := binary.LittleEndian.Uint64(buf[0:8])
	if uint64(len(buf)) < 8+n*8 {
		return nil, apperror.New(apperror.FileParse, "policy blob truncated").
			WithDetail("declared", n).WithDetail("available_bytes", len(buf)-8)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8+i*8 : 16+i*8]))
	}
	return out, nil
}

// padWithNaN returns a copy of values resized to length n: truncated if
// longer, NaN-padded if shorter ("reading pads missing trailing values
// with NaN (meaning use agent default for that slot)", spec.md §4.10).
func padWithNaN(values []float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i < len(values) {
			out[i] = values[i]
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}
