// Package recordlog implements RecordLog (C6): a per-process ring of
// events. Application threads are the writers (one goroutine per CPU in
// this model); the Controller is the single reader.
package recordlog

import (
	"sync"
	"time"

	"geopm/pkg/apperror"
)

// EventKind names a record's type (§4.7).
type EventKind int

const (
	RegionEntry EventKind = iota
	RegionExit
	EpochCount
	Hint
	ShortRegion
)

var eventNames = map[EventKind]string{
	RegionEntry: "REGION_ENTRY",
	RegionExit:  "REGION_EXIT",
	EpochCount:  "EPOCH_COUNT",
	Hint:        "HINT",
	ShortRegion: "SHORT_REGION",
}

// EventName converts kind to its string form, failing on an unknown
// value.
func EventName(kind EventKind) (string, error) {
	name, ok := eventNames[kind]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown event kind")
	}
	return name, nil
}

// EventType converts a string back into an EventKind, failing on an
// unrecognized name.
func EventType(name string) (EventKind, error) {
	for k, n := range eventNames {
		if n == name {
			return k, nil
		}
	}
	return 0, apperror.New(apperror.Invalid, "unknown event name").WithDetail("name", name)
}

// Record is one ring-buffer entry. CPU identifies the writer; Time is
// monotone within the owning process; Hash/Count/Duration are
// interpreted according to Kind.
type Record struct {
	Kind     EventKind
	CPU      int
	Time     time.Time
	Hash     uint32
	Count    int64
	Duration time.Duration
}

// shortRegionEntry is the aux-ring aggregate RecordLog coalesces
// overflowing short-lived regions into, keyed by (hash, cpu), until the
// reader drains it (§4.7 "get_short_region").
type shortRegionEntry struct {
	hash      uint32
	cpu       int
	count     int64
	totalTime time.Duration
}

// RecordLog is the per-process ring described by §4.6: a fixed-capacity
// main ring of Records plus a short-region auxiliary ring that coalesces
// overflow entries sharing the same (hash, CPU) pair.
type RecordLog struct {
	mu   sync.Mutex
	cap  int
	main []Record

	aux       map[[2]uint64]*shortRegionEntry
	auxOrder  []*shortRegionEntry
	lastTime  map[int]time.Time
}

// New creates a ring with the given main-region capacity.
func New(capacity int) *RecordLog {
	return &RecordLog{
		cap:      capacity,
		aux:      make(map[[2]uint64]*shortRegionEntry),
		lastTime: make(map[int]time.Time),
	}
}

// Write appends one record, enforcing monotone timestamps per CPU.
// ShortRegion records are coalesced into the aux ring by (hash, CPU); any
// other record fails with Runtime once the main ring is full.
func (r *RecordLog) Write(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastTime[rec.CPU]; ok && rec.Time.Before(last) {
		return apperror.New(apperror.Logic, "record log timestamp went backwards").WithDetail("cpu", rec.CPU)
	}
	r.lastTime[rec.CPU] = rec.Time

	if rec.Kind == ShortRegion {
		key := [2]uint64{uint64(rec.Hash), uint64(rec.CPU)}
		entry, ok := r.aux[key]
		if !ok {
			entry = &shortRegionEntry{hash: rec.Hash, cpu: rec.CPU}
			r.aux[key] = entry
			r.auxOrder = append(r.auxOrder, entry)
		}
		entry.count += rec.Count
		entry.totalTime += rec.Duration
		return nil
	}

	if len(r.main) >= r.cap {
		return apperror.New(apperror.Runtime, "record log main ring full")
	}
	r.main = append(r.main, rec)
	return nil
}

// Drain removes and returns every record currently queued in the main
// ring, in write order.
func (r *RecordLog) Drain() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.main
	r.main = nil
	return out
}

// ShortRegion looks up the coalesced (hash, count, total_time) aggregate
// for (hash, cpu), failing invalid if nothing has been recorded there.
func (r *RecordLog) ShortRegion(hash uint32, cpu int) (count int64, totalTime time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]uint64{uint64(hash), uint64(cpu)}
	entry, ok := r.aux[key]
	if !ok {
		return 0, 0, apperror.New(apperror.Invalid, "no short region entry for that handle").
			WithDetail("hash", hash).WithDetail("cpu", cpu)
	}
	return entry.count, entry.totalTime, nil
}

// DrainShortRegions removes and returns every coalesced aux entry.
func (r *RecordLog) DrainShortRegions() []struct {
	Hash      uint32
	CPU       int
	Count     int64
	TotalTime time.Duration
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]struct {
		Hash      uint32
		CPU       int
		Count     int64
		TotalTime time.Duration
	}, len(r.auxOrder))
	for i, e := range r.auxOrder {
		out[i] = struct {
			Hash      uint32
			CPU       int
			Count     int64
			TotalTime time.Duration
		}{e.hash, e.cpu, e.count, e.totalTime}
	}
	r.aux = make(map[[2]uint64]*shortRegionEntry)
	r.auxOrder = nil
	return out
}
