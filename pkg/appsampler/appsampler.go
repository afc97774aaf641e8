// Package appsampler implements ApplicationSampler (C7): the Controller
// side of the per-process RecordLogs, draining and merging them into one
// ordered stream per update cycle.
package appsampler

import (
	"sort"
	"sync"

	"geopm/pkg/apperror"
	"geopm/pkg/recordlog"
)

// RecordFilter transforms a process's freshly drained records before
// they are merged into the aggregate stream (§4.7 "pluggable
// RecordFilters"), e.g. to drop or relabel events.
type RecordFilter func(pid int, records []recordlog.Record) []recordlog.Record

type tracked struct {
	log    *recordlog.RecordLog
	filter RecordFilter
}

// ApplicationSampler maintains the pid -> (filter, record_log) map and
// the merged record stream since the last UpdateRecords call.
type ApplicationSampler struct {
	mu      sync.Mutex
	procs   map[int]*tracked
	merged  []recordlog.Record
}

// New creates an empty sampler.
func New() *ApplicationSampler {
	return &ApplicationSampler{procs: make(map[int]*tracked)}
}

// Attach registers pid's RecordLog, with an optional filter (nil means
// pass-through).
func (s *ApplicationSampler) Attach(pid int, log *recordlog.RecordLog, filter RecordFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filter == nil {
		filter = func(_ int, r []recordlog.Record) []recordlog.Record { return r }
	}
	s.procs[pid] = &tracked{log: log, filter: filter}
}

// Detach removes pid from the tracked set, e.g. on process exit.
func (s *ApplicationSampler) Detach(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, pid)
}

// UpdateRecords drains every tracked process's log, applies its filter,
// and stores the time-ordered union for the next GetRecords call.
func (s *ApplicationSampler) UpdateRecords() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pids []int
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	var all []recordlog.Record
	for _, pid := range pids {
		t := s.procs[pid]
		drained := t.log.Drain()
		all = append(all, t.filter(pid, drained)...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })
	s.merged = all
}

// GetRecords returns the merged record vector computed by the most
// recent UpdateRecords call.
func (s *ApplicationSampler) GetRecords() []recordlog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordlog.Record, len(s.merged))
	copy(out, s.merged)
	return out
}

// GetShortRegion looks up the short-region aggregate for signal (the
// numeric handle a short_region record carries, i.e. its hash) on cpu,
// delegating to the owning process's RecordLog. It fails invalid if pid
// is not tracked or the handle is unknown.
func (s *ApplicationSampler) GetShortRegion(pid int, signal uint32, cpu int) (count int64, totalTimeSeconds float64, err error) {
	s.mu.Lock()
	t, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		return 0, 0, apperror.New(apperror.Invalid, "unknown process").WithDetail("pid", pid)
	}
	c, total, err := t.log.ShortRegion(signal, cpu)
	if err != nil {
		return 0, 0, err
	}
	return c, total.Seconds(), nil
}
