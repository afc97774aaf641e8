// Package batchserver implements the forked-process signal/control
// session of §4.5 (C5): a client declares a fixed set of signals and
// controls once, PlatformIO hands back a key naming a pair of
// shared-memory regions, and every subsequent read/write is a bounded
// copy through those regions instead of a fresh PushSignal/PushControl
// round trip. Go has no usable fork(2) for a multi-threaded process, so
// the "forked child" of §4.5 is a re-exec: Launch starts a fresh
// cmd/geopm-batch-server process (the idiom the domain-stack survey
// grounds on the daemon/re-exec shape of other_examples' ais-daemon.go
// and kernel-threads-supervisor.go) that builds its own PlatformIO,
// creates the regions as the owning side, and serves requests
// until told to stop.
package batchserver

import (
	"encoding/json"
	"os"

	"geopm/pkg/apperror"
	"geopm/pkg/topology"
)

// PushSpec names one signal or control the way a PushSignal/PushControl
// call would, frozen into JSON so it can cross the re-exec boundary.
type PushSpec struct {
	Name   string          `json:"name"`
	Domain topology.Domain `json:"domain"`
	Index  int             `json:"index"`
}

// SessionSpec is everything the batch-server process needs to rebuild
// the exact handle set start_batch_server validated, in the same
// order, so signal[i]/control[i] land at the same offset in both the
// parent's bookkeeping and the region layout.
type SessionSpec struct {
	Key      string     `json:"key"`
	Signals  []PushSpec `json:"signals"`
	Controls []PushSpec `json:"controls"`
}

// WriteFile serializes the spec to path for the child process to read.
func (s SessionSpec) WriteFile(path string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return apperror.Wrap(err, apperror.Invalid, "failed to marshal batch session spec")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to write batch session spec").WithDetail("path", path)
	}
	return nil
}

// ReadSessionFile loads a SessionSpec written by WriteFile.
func ReadSessionFile(path string) (SessionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SessionSpec{}, apperror.Wrap(err, apperror.Runtime, "failed to read batch session spec").WithDetail("path", path)
	}
	var s SessionSpec
	if err := json.Unmarshal(data, &s); err != nil {
		return SessionSpec{}, apperror.Wrap(err, apperror.Invalid, "failed to unmarshal batch session spec")
	}
	return s, nil
}

// Validator is the subset of PlatformIO needed to reject an unknown
// name before any region is created.
type Validator interface {
	IsValidSignal(name string) bool
	IsValidControl(name string) bool
}

// Validate rejects any signal or control v does not recognize. Per
// §4.5, out-of-set access is rejected at session start, never at
// per-call time, so this runs once before any region is created.
func (s SessionSpec) Validate(v Validator) error {
	for _, sig := range s.Signals {
		if !v.IsValidSignal(sig.Name) {
			return apperror.New(apperror.Invalid, "unknown signal in batch session").WithDetail("name", sig.Name)
		}
	}
	for _, c := range s.Controls {
		if !v.IsValidControl(c.Name) {
			return apperror.New(apperror.Invalid, "unknown control in batch session").WithDetail("name", c.Name)
		}
	}
	return nil
}

// regionSize is the number of bytes an N-length float64 vector needs.
func regionSize(n int) int {
	if n == 0 {
		n = 1 // a zero-length region is invalid for Create/Open
	}
	return n * 8
}
