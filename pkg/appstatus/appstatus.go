// Package appstatus implements ApplicationStatus (C6): a fixed-size,
// per-CPU status table the profiled application writes into and the
// Controller reads from. It also carries the application-attach
// handshake (AttachRequest/ControlMessage) and the region-hash function
// used to turn a region name into the 32-bit hash both ApplicationStatus
// and RecordLog carry.
package appstatus

import (
	"hash/crc32"
	"math"
	"sync"

	"geopm/pkg/apperror"
)

// Hint values are a closed set of power-of-two bit flags, matching the
// invariant that "hints not a power of two" must fail with invalid.
type Hint uint64

const (
	HintUnknown  Hint = 1 << 0
	HintCompute  Hint = 1 << 1
	HintMemory   Hint = 1 << 2
	HintNetwork  Hint = 1 << 3
	HintIO       Hint = 1 << 4
	HintSerial   Hint = 1 << 5
	HintParallel Hint = 1 << 6
	HintIgnore   Hint = 1 << 7
)

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// cell holds one CPU's status fields. Real hardware access would need
// atomics; this is the in-memory model the batch server/controller share
// through a shm.Region in the full system, guarded here by a mutex per
// cell to keep the cross-goroutine semantics honest without depending on
// unsafe lock-free tricks unsupported portably in Go.
type cell struct {
	mu        sync.Mutex
	hint      Hint
	hash      uint32
	totalWork int64
	doneWork  int64
}

// ApplicationStatus is the per-CPU status table (§4.6).
type ApplicationStatus struct {
	cells []cell
}

// New creates a table sized for numCPU logical CPUs.
func New(numCPU int) *ApplicationStatus {
	return &ApplicationStatus{cells: make([]cell, numCPU)}
}

func (a *ApplicationStatus) cpuCell(cpu int) (*cell, error) {
	if cpu < 0 || cpu >= len(a.cells) {
		return nil, apperror.New(apperror.Invalid, "cpu index out of range").WithDetail("cpu", cpu)
	}
	return &a.cells[cpu], nil
}

// SetHint records the scheduling hint active on cpu. Fails invalid if
// hint is not one of the power-of-two hint values.
func (a *ApplicationStatus) SetHint(cpu int, hint Hint) error {
	c, err := a.cpuCell(cpu)
	if err != nil {
		return err
	}
	if !isPowerOfTwo(uint64(hint)) {
		return apperror.New(apperror.Invalid, "hint value is not a power of two").WithDetail("hint", uint64(hint))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hint = hint
	return nil
}

// Hint returns the hint currently recorded on cpu.
func (a *ApplicationStatus) Hint(cpu int) (Hint, error) {
	c, err := a.cpuCell(cpu)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hint, nil
}

// SetHash records the active region hash on cpu. Fails invalid if hash
// carries bits outside the low 32 bits.
func (a *ApplicationStatus) SetHash(cpu int, hash uint64) error {
	c, err := a.cpuCell(cpu)
	if err != nil {
		return err
	}
	if hash > 0xFFFFFFFF {
		return apperror.New(apperror.Invalid, "hash has bits set outside the low 32 bits").WithDetail("hash", hash)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hash = uint32(hash)
	return nil
}

// Hash returns the region hash currently recorded on cpu.
func (a *ApplicationStatus) Hash(cpu int) (uint32, error) {
	c, err := a.cpuCell(cpu)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hash, nil
}

// SetTotalWorkUnits declares the unit count a progress region will be
// divided into. n must be >= 0; resets done-work to 0.
func (a *ApplicationStatus) SetTotalWorkUnits(cpu int, n int64) error {
	c, err := a.cpuCell(cpu)
	if err != nil {
		return err
	}
	if n < 0 {
		return apperror.New(apperror.Invalid, "total work units must be non-negative").WithDetail("n", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalWork = n
	c.doneWork = 0
	return nil
}

// IncrementWorkUnit advances cpu's completed-unit counter by one. A call
// past totalWork fails runtime, matching the §8 testable property that
// the n+1st increment after n total units fails.
func (a *ApplicationStatus) IncrementWorkUnit(cpu int) error {
	c, err := a.cpuCell(cpu)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doneWork >= c.totalWork {
		return apperror.New(apperror.Runtime, "work unit increment past declared total").WithDetail("cpu", cpu)
	}
	c.doneWork++
	return nil
}

// GetWorkProgress returns the fraction of declared work units completed
// on cpu, or NaN if no total has been declared (totalWork == 0).
func (a *ApplicationStatus) GetWorkProgress(cpu int) (float64, error) {
	c, err := a.cpuCell(cpu)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalWork == 0 {
		return math.NaN(), nil
	}
	return float64(c.doneWork) / float64(c.totalWork), nil
}

// HashRegion turns a region name into its 32-bit hash (original
// service/src/geopm_hash.c), used by callers that only have a name and
// need the numeric field ApplicationStatus/RecordLog carry.
func HashRegion(name string) uint32 {
	return crc32.ChecksumIEEE([]byte(name))
}

// AttachRequest is the handshake payload a newly-started profiled
// process sends the daemon on first contact (original
// src/ProfileThread.cpp's attach protocol): the shared-memory key the
// process's RecordLog lives at, and the requested table size.
type AttachRequest struct {
	ProfileName   string
	ShmKey        string
	RecordLogSize int
}

// ControlMessage is the reply the daemon sends back (original
// src/ControlMessage.cpp): whether the session was accepted, and, on
// rejection, why.
type ControlMessage struct {
	Accepted bool
	Reason   string
}
