// Package pio implements PlatformIO (C4): the aggregation point in front
// of every registered IOGroup. PlatformIO resolves aliases, synthesizes
// derived signals, coarsens a push across a finer native domain when the
// caller asks for a coarser one, and batches all pushed handles so that
// read_batch/write_batch touch each IOGroup exactly once.
package pio

import (
	"sort"
	"sync"

	"geopm/pkg/apperror"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// derivedSignal is a named linear combination of other signals,
// synthesized rather than backed by any IOGroup (§4.4 "Derived
// signals").
type derivedSignal struct {
	name       string
	domain     topology.Domain
	parents    []string
	combine    func(parents []float64) float64
	aggregator iogroup.Aggregator
	format     iogroup.Format
	behavior   iogroup.Behavior
	desc       string
}

type sigBinding struct {
	derived      *derivedSignal
	derivedSubH  []int // PIO handles of the derived signal's parents
	groupIdx     int
	groupHandles []int // one per native-domain index this push coarsens over
	aggregator   iogroup.Aggregator
}

type ctrlBinding struct {
	groupIdx     int
	groupHandles []int
}

// PlatformIO is the registry and routing layer described by §4.4.
type PlatformIO struct {
	mu       sync.Mutex
	topo     *topology.Topology
	groups   []iogroup.IOGroup
	aliases  map[string]string
	derived  map[string]*derivedSignal

	signalOwner  map[string]int // signal name -> index into groups, last registrant wins
	controlOwner map[string]int

	signalHandles  *iogroup.HandleTable
	controlHandles *iogroup.HandleTable
	sigBindings    map[int]sigBinding
	ctrlBindings   map[int]ctrlBinding

	batchedGroups map[int]bool // groups touched by a pushed signal/control this cycle
}

// New constructs an empty PlatformIO over topo. Register every IOGroup
// before the first push.
func New(topo *topology.Topology) *PlatformIO {
	return &PlatformIO{
		topo:           topo,
		aliases:        make(map[string]string),
		derived:        make(map[string]*derivedSignal),
		signalOwner:    make(map[string]int),
		controlOwner:   make(map[string]int),
		signalHandles:  iogroup.NewHandleTable(),
		controlHandles: iogroup.NewHandleTable(),
		sigBindings:    make(map[int]sigBinding),
		ctrlBindings:   make(map[int]ctrlBinding),
		batchedGroups:  make(map[int]bool),
	}
}

// Register adds an IOGroup. On a name collision the most recently
// registered group wins (§4.4 "enables override"); Register rebuilds the
// routing tables from scratch in registration order each time, so a
// group's priority is exactly its position in the registration history
// and is unaffected by the group's own internal Reset.
func (p *PlatformIO) Register(g iogroup.IOGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = append(p.groups, g)
	p.rebuildRouting()
}

// Groups returns the registered IOGroups in registration order, for
// callers that need to enumerate every declared signal/control rather
// than look one up by name (pkg/catalog's read-only listing).
func (p *PlatformIO) Groups() []iogroup.IOGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]iogroup.IOGroup, len(p.groups))
	copy(out, p.groups)
	return out
}

func (p *PlatformIO) rebuildRouting() {
	p.signalOwner = make(map[string]int)
	p.controlOwner = make(map[string]int)
	for idx, g := range p.groups {
		for _, name := range g.SignalNames() {
			p.signalOwner[name] = idx
		}
		for _, name := range g.ControlNames() {
			p.controlOwner[name] = idx
		}
	}
}

// AddAlias registers alias so that pushes/reads of alias resolve to
// target, which may itself be a group signal or a derived signal.
func (p *PlatformIO) AddAlias(alias, target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aliases[alias] = target
}

// AddDerivedSignal registers a named linear combination of other signals
// (§4.4 "Derived signals"), e.g. CPU_POWER = sum(ENERGY_PACKAGE) / TIME.
func (p *PlatformIO) AddDerivedSignal(name string, domain topology.Domain, parents []string, combine func([]float64) float64, agg iogroup.Aggregator, format iogroup.Format, behavior iogroup.Behavior, desc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.derived[name] = &derivedSignal{
		name: name, domain: domain, parents: parents, combine: combine,
		aggregator: agg, format: format, behavior: behavior, desc: desc,
	}
}

func (p *PlatformIO) resolve(name string) string {
	seen := map[string]bool{}
	for {
		target, ok := p.aliases[name]
		if !ok || seen[name] {
			return name
		}
		seen[name] = true
		name = target
	}
}

// IsValidSignal reports whether name (after alias resolution) names a
// group signal or a derived signal.
func (p *PlatformIO) IsValidSignal(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	name = p.resolve(name)
	if _, ok := p.derived[name]; ok {
		return true
	}
	idx, ok := p.signalOwner[name]
	return ok && p.groups[idx].IsValidSignal(name)
}

// IsValidControl reports whether name names a group control. Controls
// are never derived, and this check does not resolve aliases (PushControl
// and WriteControl do), so it is a direct ownership lookup.
func (p *PlatformIO) IsValidControl(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.controlOwner[name]
	return ok && p.groups[idx].IsValidControl(name)
}

// SignalDomainType returns the domain a signal is natively reported at.
func (p *PlatformIO) SignalDomainType(name string) (topology.Domain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name = p.resolve(name)
	if d, ok := p.derived[name]; ok {
		return d.domain, nil
	}
	idx, ok := p.signalOwner[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown signal").WithDetail("name", name)
	}
	return p.groups[idx].SignalDomainType(name)
}

// SignalAggregator returns the reduction an agent should apply when
// combining samples of name from several children in a tree (§4.12's
// aggregate_sample callback), the same aggregator PushSignal uses
// internally to coarsen across domains.
func (p *PlatformIO) SignalAggregator(name string) (iogroup.Aggregator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name = p.resolve(name)
	if _, ok := p.derived[name]; ok {
		return iogroup.AggAverage, nil
	}
	idx, ok := p.signalOwner[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown signal").WithDetail("name", name)
	}
	return p.groups[idx].AggFunction(name)
}

// PushSignal resolves name to its owning group (or derived definition)
// and, if domain is coarser than the signal's native domain, pushes every
// contained native index and records the aggregator to apply at Sample
// time (§4.4 "Batch planning").
func (p *PlatformIO) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name = p.resolve(name)
	if d, ok := p.derived[name]; ok {
		return p.pushDerived(d, domain, index)
	}

	idx, ok := p.signalOwner[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown signal").WithDetail("name", name)
	}
	group := p.groups[idx]
	native, err := group.SignalDomainType(name)
	if err != nil {
		return 0, err
	}
	agg, err := group.AggFunction(name)
	if err != nil {
		return 0, err
	}

	nativeIdxs, err := p.coarsen(native, domain, index)
	if err != nil {
		return 0, err
	}

	var groupHandles []int
	for _, ni := range nativeIdxs {
		h, err := group.PushSignal(name, native, ni)
		if err != nil {
			return 0, err
		}
		groupHandles = append(groupHandles, h)
	}

	h, err := p.signalHandles.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	p.sigBindings[h] = sigBinding{groupIdx: idx, groupHandles: groupHandles, aggregator: agg}
	p.batchedGroups[idx] = true
	return h, nil
}

func (p *PlatformIO) pushDerived(d *derivedSignal, domain topology.Domain, index int) (int, error) {
	if domain != d.domain {
		return 0, apperror.New(apperror.Invalid, "derived signal pushed at wrong domain").WithDetail("name", d.name)
	}
	var subHandles []int
	for _, parent := range d.parents {
		ph, err := p.pushSignalLocked(parent, domain, index)
		if err != nil {
			return 0, err
		}
		subHandles = append(subHandles, ph)
	}
	h, err := p.signalHandles.Push(iogroup.Key{Name: d.name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	p.sigBindings[h] = sigBinding{derived: d, derivedSubH: subHandles}
	return h, nil
}

// pushSignalLocked is PushSignal's body factored out so pushDerived can
// call it while already holding p.mu.
func (p *PlatformIO) pushSignalLocked(name string, domain topology.Domain, index int) (int, error) {
	name = p.resolve(name)
	if d, ok := p.derived[name]; ok {
		return p.pushDerived(d, domain, index)
	}
	idx, ok := p.signalOwner[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown signal").WithDetail("name", name)
	}
	group := p.groups[idx]
	native, err := group.SignalDomainType(name)
	if err != nil {
		return 0, err
	}
	agg, err := group.AggFunction(name)
	if err != nil {
		return 0, err
	}
	nativeIdxs, err := p.coarsen(native, domain, index)
	if err != nil {
		return 0, err
	}
	var groupHandles []int
	for _, ni := range nativeIdxs {
		h, err := group.PushSignal(name, native, ni)
		if err != nil {
			return 0, err
		}
		groupHandles = append(groupHandles, h)
	}
	h, err := p.signalHandles.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	p.sigBindings[h] = sigBinding{groupIdx: idx, groupHandles: groupHandles, aggregator: agg}
	p.batchedGroups[idx] = true
	return h, nil
}

// coarsen returns the native-domain indices that feed a push requested at
// (domain, index): just [index] when domain equals native, or every
// contained native index via topo.DomainNested otherwise.
func (p *PlatformIO) coarsen(native, domain topology.Domain, index int) ([]int, error) {
	if domain == native {
		return []int{index}, nil
	}
	return p.topo.DomainNested(native, domain, index)
}

// PushControl mirrors PushSignal: a coarser domain broadcasts the
// eventual Adjust/WriteControl to every contained native control.
func (p *PlatformIO) PushControl(name string, domain topology.Domain, index int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name = p.resolve(name)
	idx, ok := p.controlOwner[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown control").WithDetail("name", name)
	}
	group := p.groups[idx]
	native, err := group.ControlDomainType(name)
	if err != nil {
		return 0, err
	}
	nativeIdxs, err := p.coarsen(native, domain, index)
	if err != nil {
		return 0, err
	}
	var groupHandles []int
	for _, ni := range nativeIdxs {
		h, err := group.PushControl(name, native, ni)
		if err != nil {
			return 0, err
		}
		groupHandles = append(groupHandles, h)
	}
	h, err := p.controlHandles.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	p.ctrlBindings[h] = ctrlBinding{groupIdx: idx, groupHandles: groupHandles}
	p.batchedGroups[idx] = true
	return h, nil
}

// ReadBatch invokes ReadBatch exactly once on every IOGroup that had at
// least one signal or control pushed (§4.4 "Batch planning").
func (p *PlatformIO) ReadBatch() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idxs := make([]int, 0, len(p.batchedGroups))
	for idx := range p.batchedGroups {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		if err := p.groups[idx].ReadBatch(); err != nil {
			return err
		}
	}
	return nil
}

// WriteBatch invokes WriteBatch exactly once on every IOGroup that had at
// least one signal or control pushed.
func (p *PlatformIO) WriteBatch() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idxs := make([]int, 0, len(p.batchedGroups))
	for idx := range p.batchedGroups {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		if err := p.groups[idx].WriteBatch(); err != nil {
			return err
		}
	}
	return nil
}

// Sample returns the value for handle, applying domain-coarsening
// aggregation or derived-signal combination as needed.
func (p *PlatformIO) Sample(handle int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleLocked(handle)
}

func (p *PlatformIO) sampleLocked(handle int) (float64, error) {
	b, ok := p.sigBindings[handle]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown signal handle").WithDetail("handle", handle)
	}
	if b.derived != nil {
		values := make([]float64, len(b.derivedSubH))
		for i, sh := range b.derivedSubH {
			v, err := p.sampleLocked(sh)
			if err != nil {
				return 0, err
			}
			values[i] = v
		}
		return b.derived.combine(values), nil
	}
	group := p.groups[b.groupIdx]
	values := make([]float64, len(b.groupHandles))
	for i, gh := range b.groupHandles {
		v, err := group.Sample(gh)
		if err != nil {
			return 0, err
		}
		values[i] = v
	}
	return iogroup.Apply(b.aggregator, values)
}

// Adjust stages value for handle, broadcasting it to every native control
// the push coarsened over.
func (p *PlatformIO) Adjust(handle int, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.ctrlBindings[handle]
	if !ok {
		return apperror.New(apperror.Invalid, "unknown control handle").WithDetail("handle", handle)
	}
	group := p.groups[b.groupIdx]
	for _, gh := range b.groupHandles {
		if err := group.Adjust(gh, value); err != nil {
			return err
		}
	}
	return nil
}

// ReadSignal bypasses the batch entirely (§4.4), resolving aliases and
// coarsening the same way PushSignal/Sample do but in one synchronous
// call.
func (p *PlatformIO) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readSignalLocked(name, domain, index)
}

func (p *PlatformIO) readSignalLocked(name string, domain topology.Domain, index int) (float64, error) {
	name = p.resolve(name)
	if d, ok := p.derived[name]; ok {
		if domain != d.domain {
			return 0, apperror.New(apperror.Invalid, "derived signal read at wrong domain").WithDetail("name", d.name)
		}
		values := make([]float64, len(d.parents))
		for i, parent := range d.parents {
			v, err := p.readSignalLocked(parent, domain, index)
			if err != nil {
				return 0, err
			}
			values[i] = v
		}
		return d.combine(values), nil
	}
	idx, ok := p.signalOwner[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown signal").WithDetail("name", name)
	}
	group := p.groups[idx]
	native, err := group.SignalDomainType(name)
	if err != nil {
		return 0, err
	}
	agg, err := group.AggFunction(name)
	if err != nil {
		return 0, err
	}
	nativeIdxs, err := p.coarsen(native, domain, index)
	if err != nil {
		return 0, err
	}
	values := make([]float64, len(nativeIdxs))
	for i, ni := range nativeIdxs {
		v, err := group.ReadSignal(name, native, ni)
		if err != nil {
			return 0, err
		}
		values[i] = v
	}
	return iogroup.Apply(agg, values)
}

// WriteControl bypasses the batch, broadcasting value to every native
// control contained in (domain, index).
func (p *PlatformIO) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	name = p.resolve(name)
	idx, ok := p.controlOwner[name]
	if !ok {
		return apperror.New(apperror.Invalid, "unknown control").WithDetail("name", name)
	}
	group := p.groups[idx]
	native, err := group.ControlDomainType(name)
	if err != nil {
		return err
	}
	nativeIdxs, err := p.coarsen(native, domain, index)
	if err != nil {
		return err
	}
	for _, ni := range nativeIdxs {
		if err := group.WriteControl(name, native, ni, value); err != nil {
			return err
		}
	}
	return nil
}

// SaveControl/RestoreControl fan out to every registered group, each
// writing its own file inside dir (§4.3).
func (p *PlatformIO) SaveControl(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		if err := g.SaveControl(dir); err != nil {
			return err
		}
	}
	return nil
}

func (p *PlatformIO) RestoreControl(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		if err := g.RestoreControl(dir); err != nil {
			return err
		}
	}
	return nil
}
