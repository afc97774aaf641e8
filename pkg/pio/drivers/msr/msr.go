// Package msr implements the IOGroup (C3) contract over x86
// Model-Specific Registers, reached through /dev/cpu/N/msr. This is the
// "MSRDriver" named in the component design (C2): every signal and
// control is a (register offset, bit field, scale) triple applied per
// logical CPU.
package msr

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"geopm/pkg/apperror"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// field describes one bitfield inside a 64-bit register.
type field struct {
	offset     uint32 // register address
	bitOffset  uint
	bitWidth   uint
	scale      float64
	domain     topology.Domain
	aggregator iogroup.Aggregator
	format     iogroup.Format
	behavior   iogroup.Behavior
	writable   bool
	desc       string
}

func (f field) mask() uint64 {
	if f.bitWidth >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << f.bitWidth) - 1
}

func (f field) decode(raw uint64) float64 {
	return float64((raw>>f.bitOffset)&f.mask()) * f.scale
}

func (f field) encode(value float64) (uint64, uint64) {
	bits := uint64(value/f.scale) & f.mask()
	return bits << f.bitOffset, f.mask() << f.bitOffset
}

var catalog = map[string]field{
	"MSR::TIME_STAMP_COUNTER": {
		offset: 0x10, bitOffset: 0, bitWidth: 64, scale: 1,
		domain: topology.CPU, aggregator: iogroup.AggAverage, format: iogroup.FormatInteger,
		behavior: iogroup.BehaviorMonotone, desc: "raw timestamp counter",
	},
	"MSR::PERF_STATUS#:FREQ": {
		offset: 0x198, bitOffset: 8, bitWidth: 8, scale: 1e8,
		domain: topology.CPU, aggregator: iogroup.AggAverage, format: iogroup.FormatDecimal,
		behavior: iogroup.BehaviorVariable, desc: "current core frequency ratio, in Hz",
	},
	"MSR::PERF_CTL#:FREQ": {
		offset: 0x199, bitOffset: 8, bitWidth: 8, scale: 1e8,
		domain: topology.CPU, aggregator: iogroup.AggExpectSame, format: iogroup.FormatDecimal,
		behavior: iogroup.BehaviorConstant, writable: true, desc: "requested core frequency ratio, in Hz",
	},
	"MSR::PKG_ENERGY_STATUS:ENERGY": {
		offset: 0x611, bitOffset: 0, bitWidth: 32, scale: 6.103515625e-05,
		domain: topology.Package, aggregator: iogroup.AggSum, format: iogroup.FormatDecimal,
		behavior: iogroup.BehaviorMonotone, desc: "package energy counter, in joules",
	},
	"MSR::PLATFORM_INFO:MAX_NON_TURBO_RATIO": {
		offset: 0xce, bitOffset: 8, bitWidth: 8, scale: 1e8,
		domain: topology.Package, aggregator: iogroup.AggExpectSame, format: iogroup.FormatDecimal,
		behavior: iogroup.BehaviorConstant, desc: "maximum non-turbo ratio, in Hz",
	},
}

var controlNames = func() []string {
	var names []string
	for name, f := range catalog {
		if f.writable {
			names = append(names, name)
		}
	}
	return names
}()

// rawIO abstracts the raw per-CPU MSR register file, so tests can supply
// an in-memory fake instead of /dev/cpu/N/msr.
type rawIO interface {
	Read(cpu int, offset uint32) (uint64, error)
	Write(cpu int, offset uint32, value, mask uint64) error
}

type binding struct {
	cpu   int
	field field
	name  string
}

// Driver is the MSR-backed IOGroup.
type Driver struct {
	mu         sync.Mutex
	io         rawIO
	numCPU     int
	signals    *iogroup.HandleTable
	controls   *iogroup.HandleTable
	bindings   map[int]binding
	cbindings  map[int]binding
	sampleVals map[int]float64
	adjustVals map[int]float64
}

// Load constructs a Driver backed by /dev/cpu/N/msr for every CPU known to
// topo.
func Load(topo *topology.Topology) (*Driver, error) {
	numCPU, err := topo.NumDomain(topology.CPU)
	if err != nil {
		return nil, err
	}
	return newDriver(numCPU, &fileIO{}), nil
}

// NewWithIO builds a Driver over an injected rawIO, used by tests that
// cannot open the real device files.
func NewWithIO(numCPU int, io rawIO) *Driver {
	return newDriver(numCPU, io)
}

func newDriver(numCPU int, io rawIO) *Driver {
	return &Driver{
		io:         io,
		numCPU:     numCPU,
		signals:    iogroup.NewHandleTable(),
		controls:   iogroup.NewHandleTable(),
		bindings:   make(map[int]binding),
		cbindings:  make(map[int]binding),
		sampleVals: make(map[int]float64),
		adjustVals: make(map[int]float64),
	}
}

func (d *Driver) Name() string { return "MSR" }

func (d *Driver) SignalNames() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	return names
}

func (d *Driver) ControlNames() []string {
	return append([]string(nil), controlNames...)
}

func (d *Driver) IsValidSignal(name string) bool {
	_, ok := catalog[name]
	return ok
}

func (d *Driver) IsValidControl(name string) bool {
	f, ok := catalog[name]
	return ok && f.writable
}

func (d *Driver) SignalDomainType(name string) (topology.Domain, error) {
	f, ok := catalog[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown msr signal").WithDetail("name", name)
	}
	return f.domain, nil
}

func (d *Driver) ControlDomainType(name string) (topology.Domain, error) {
	f, ok := catalog[name]
	if !ok || !f.writable {
		return 0, apperror.New(apperror.Invalid, "unknown msr control").WithDetail("name", name)
	}
	return f.domain, nil
}

func (d *Driver) cpuFor(domain topology.Domain, index int) (int, error) {
	if domain != topology.CPU {
		return 0, apperror.New(apperror.Unsupported, "msr driver only resolves native cpu-domain indices directly").
			WithDetail("domain", domain.String())
	}
	if index < 0 || index >= d.numCPU {
		return 0, apperror.New(apperror.Invalid, "cpu index out of range").WithDetail("index", index)
	}
	return index, nil
}

// domainCPU picks a representative CPU for a coarser domain: package-level
// MSRs (energy, platform info) are identical across every CPU belonging to
// that package, so the caller's chosen index selects which package, and
// the driver reads CPU 0 of that package's affinity. PlatformIO is
// responsible for the actual CPU-to-package mapping; the driver here
// trusts whatever index it was pushed with as a direct register-group
// selector rather than re-deriving topology.
func (d *Driver) domainCPU(domain topology.Domain, index int) (int, error) {
	if domain == topology.CPU {
		return d.cpuFor(domain, index)
	}
	if index < 0 {
		return 0, apperror.New(apperror.Invalid, "index out of range").WithDetail("index", index)
	}
	return index, nil
}

func (d *Driver) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	f, ok := catalog[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown msr signal").WithDetail("name", name)
	}
	if domain != f.domain {
		return 0, apperror.New(apperror.Invalid, "wrong domain for msr signal").
			WithDetail("name", name).WithDetail("want", f.domain.String())
	}
	cpu, err := d.domainCPU(domain, index)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.signals.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	d.bindings[h] = binding{cpu: cpu, field: f, name: name}
	return h, nil
}

func (d *Driver) PushControl(name string, domain topology.Domain, index int) (int, error) {
	f, ok := catalog[name]
	if !ok || !f.writable {
		return 0, apperror.New(apperror.Invalid, "unknown msr control").WithDetail("name", name)
	}
	if domain != f.domain {
		return 0, apperror.New(apperror.Invalid, "wrong domain for msr control").
			WithDetail("name", name).WithDetail("want", f.domain.String())
	}
	cpu, err := d.domainCPU(domain, index)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.controls.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	d.cbindings[h] = binding{cpu: cpu, field: f, name: name}
	return h, nil
}

func (d *Driver) ReadBatch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, b := range d.bindings {
		raw, err := d.io.Read(b.cpu, b.field.offset)
		if err != nil {
			return apperror.WrapErrno(err, 0, "msr read failed").WithDetail("name", b.name)
		}
		d.sampleVals[h] = b.field.decode(raw)
	}
	d.signals.MarkBatched()
	return nil
}

func (d *Driver) WriteBatch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, b := range d.cbindings {
		v, ok := d.adjustVals[h]
		if !ok {
			continue
		}
		bits, mask := b.field.encode(v)
		if err := d.io.Write(b.cpu, b.field.offset, bits, mask); err != nil {
			return apperror.WrapErrno(err, 0, "msr write failed").WithDetail("name", b.name)
		}
	}
	d.controls.MarkBatched()
	return nil
}

func (d *Driver) Sample(handle int) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.sampleVals[handle]
	if !ok {
		return 0, apperror.New(apperror.Logic, "sample before read_batch").WithDetail("handle", handle)
	}
	return v, nil
}

func (d *Driver) Adjust(handle int, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cbindings[handle]; !ok {
		return apperror.New(apperror.Invalid, "unknown control handle").WithDetail("handle", handle)
	}
	d.adjustVals[handle] = value
	return nil
}

func (d *Driver) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	f, ok := catalog[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown msr signal").WithDetail("name", name)
	}
	cpu, err := d.domainCPU(domain, index)
	if err != nil {
		return 0, err
	}
	raw, err := d.io.Read(cpu, f.offset)
	if err != nil {
		return 0, apperror.WrapErrno(err, 0, "msr read failed").WithDetail("name", name)
	}
	return f.decode(raw), nil
}

func (d *Driver) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	f, ok := catalog[name]
	if !ok || !f.writable {
		return apperror.New(apperror.Invalid, "unknown msr control").WithDetail("name", name)
	}
	cpu, err := d.domainCPU(domain, index)
	if err != nil {
		return err
	}
	bits, mask := f.encode(value)
	if err := d.io.Write(cpu, f.offset, bits, mask); err != nil {
		return apperror.WrapErrno(err, 0, "msr write failed").WithDetail("name", name)
	}
	return nil
}

// SaveControl/RestoreControl are no-ops: the driver writes no file into
// dir and restores nothing, so MSR control values are not carried across
// a save/restore.
func (d *Driver) SaveControl(dir string) error    { return nil }
func (d *Driver) RestoreControl(dir string) error { return nil }

func (d *Driver) AggFunction(name string) (iogroup.Aggregator, error) {
	f, ok := catalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown msr signal").WithDetail("name", name)
	}
	return f.aggregator, nil
}

func (d *Driver) FormatFunction(name string) (iogroup.Format, error) {
	f, ok := catalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown msr signal").WithDetail("name", name)
	}
	return f.format, nil
}

func (d *Driver) SignalDescription(name string) (string, error) {
	f, ok := catalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown msr signal").WithDetail("name", name)
	}
	return f.desc, nil
}

func (d *Driver) SignalBehavior(name string) (iogroup.Behavior, error) {
	f, ok := catalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown msr signal").WithDetail("name", name)
	}
	return f.behavior, nil
}

func (d *Driver) Reset() {
	d.signals.Reset()
	d.controls.Reset()
}

// fileIO is the production rawIO, reading/writing /dev/cpu/N/msr with
// pread/pwrite at the register offset.
type fileIO struct {
	mu    sync.Mutex
	files map[int]*os.File
}

func (f *fileIO) handle(cpu int) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[int]*os.File)
	}
	if fh, ok := f.files[cpu]; ok {
		return fh, nil
	}
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	f.files[cpu] = fh
	return fh, nil
}

func (f *fileIO) Read(cpu int, offset uint32) (uint64, error) {
	fh, err := f.handle(cpu)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := unix.Pread(int(fh.Fd()), buf[:], int64(offset)); err != nil {
		return 0, err
	}
	return leUint64(buf[:]), nil
}

func (f *fileIO) Write(cpu int, offset uint32, value, mask uint64) error {
	fh, err := f.handle(cpu)
	if err != nil {
		return err
	}
	var buf [8]byte
	if _, err := unix.Pread(int(fh.Fd()), buf[:], int64(offset)); err != nil {
		return err
	}
	current := leUint64(buf[:])
	merged := (current &^ mask) | (value & mask)
	putLeUint64(buf[:], merged)
	_, err = unix.Pwrite(int(fh.Fd()), buf[:], int64(offset))
	return err
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

var _ iogroup.ResettableIOGroup = (*Driver)(nil)
