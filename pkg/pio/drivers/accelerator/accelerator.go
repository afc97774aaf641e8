// Package accelerator implements the IOGroup (C3) contract over a
// generic sysfs accelerator class directory
// (/sys/class/accel/accel*/device/*), the "AcceleratorDriver" named in
// the component design (C2). Every accelerator device is one index of
// the Accelerator domain; PackageAccelerator indices group devices by
// the package they are attached to, read from a device/numa_node file
// the same way pkg/topology reads NUMA affinity for CPUs.
package accelerator

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"geopm/pkg/apperror"
	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// SysRoot is the root accelerator reads device files under.
type SysRoot string

// DefaultSysRoot is the real kernel sysfs mount.
const DefaultSysRoot SysRoot = "/sys"

const classGlob = "class/accel"

const (
	attrUtilization = "device/utilization"
	attrPowerUsage  = "device/power_usage_uw"
	attrFreqCur     = "device/freq_cur"
)

var signalCatalog = map[string]struct {
	attr       string
	aggregator iogroup.Aggregator
	format     iogroup.Format
	behavior   iogroup.Behavior
	scale      float64
	desc       string
}{
	"ACCELERATOR::UTILIZATION": {attrUtilization, iogroup.AggAverage, iogroup.FormatDecimal, iogroup.BehaviorVariable, 1, "device utilization fraction"},
	"ACCELERATOR::POWER":       {attrPowerUsage, iogroup.AggSum, iogroup.FormatDecimal, iogroup.BehaviorVariable, 1e-6, "device power draw, in watts"},
	"ACCELERATOR::FREQUENCY":   {attrFreqCur, iogroup.AggAverage, iogroup.FormatDecimal, iogroup.BehaviorVariable, 1e6, "device core frequency, in Hz"},
}

type device struct {
	dir     string
	pkgIdx  int // index within the PackageAccelerator domain
}

type binding struct {
	devIdx int
	attr   string
	scale  float64
}

// Driver is the sysfs-accelerator-backed IOGroup. It has no writable
// controls: the accelerators this driver targets expose no control knobs
// the control plane is allowed to touch (firmware-managed clocks).
type Driver struct {
	mu         sync.Mutex
	devices    []device
	signals    *iogroup.HandleTable
	bindings   map[int]binding
	sampleVals map[int]float64
}

// Load discovers every accelerator device directory under root.
func Load(root SysRoot) (*Driver, error) {
	base := filepath.Join(string(root), classGlob)
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Unsupported, "platform-unsupported: no accelerator class directory under "+base)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, apperror.New(apperror.Unsupported, "platform-unsupported: no accelerator devices found")
	}

	var devices []device
	nextPkgIdx := map[int]int{}
	for _, name := range names {
		dir := filepath.Join(base, name)
		node := readIntFile(filepath.Join(dir, "device"), "numa_node", 0)
		idx, ok := nextPkgIdx[node]
		if !ok {
			idx = len(nextPkgIdx)
			nextPkgIdx[node] = idx
		}
		devices = append(devices, device{dir: dir, pkgIdx: idx})
	}

	return &Driver{
		devices:    devices,
		signals:    iogroup.NewHandleTable(),
		bindings:   make(map[int]binding),
		sampleVals: make(map[int]float64),
	}, nil
}

func (d *Driver) Name() string { return "ACCELERATOR" }

func (d *Driver) SignalNames() []string {
	names := make([]string, 0, len(signalCatalog))
	for n := range signalCatalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Driver) ControlNames() []string { return nil }

func (d *Driver) IsValidSignal(name string) bool {
	_, ok := signalCatalog[name]
	return ok
}

func (d *Driver) IsValidControl(name string) bool { return false }

func (d *Driver) SignalDomainType(name string) (topology.Domain, error) {
	if !d.IsValidSignal(name) {
		return 0, apperror.New(apperror.Invalid, "unknown accelerator signal").WithDetail("name", name)
	}
	return topology.Accelerator, nil
}

func (d *Driver) ControlDomainType(name string) (topology.Domain, error) {
	return 0, apperror.New(apperror.Invalid, "unknown accelerator control").WithDetail("name", name)
}

func (d *Driver) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown accelerator signal").WithDetail("name", name)
	}
	if domain != topology.Accelerator {
		return 0, apperror.New(apperror.Invalid, "wrong domain for accelerator signal").WithDetail("name", name)
	}
	if index < 0 || index >= len(d.devices) {
		return 0, apperror.New(apperror.Invalid, "accelerator index out of range").WithDetail("index", index)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.signals.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	d.bindings[h] = binding{devIdx: index, attr: info.attr, scale: info.scale}
	return h, nil
}

func (d *Driver) PushControl(name string, domain topology.Domain, index int) (int, error) {
	return 0, apperror.New(apperror.Unsupported, "accelerator driver has no writable controls").WithDetail("name", name)
}

func (d *Driver) ReadBatch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, b := range d.bindings {
		raw := readFloat(filepath.Join(d.devices[b.devIdx].dir, b.attr))
		d.sampleVals[h] = raw * b.scale
	}
	d.signals.MarkBatched()
	return nil
}

func (d *Driver) WriteBatch() error { return nil }

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
	return apperror.New(apperror.Unsupported, "accelerator driver has no writable controls")
}

func (d *Driver) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return 0, apperror.New(apperror.Invalid, "unknown accelerator signal").WithDetail("name", name)
	}
	if index < 0 || index >= len(d.devices) {
		return 0, apperror.New(apperror.Invalid, "accelerator index out of range").WithDetail("index", index)
	}
	return readFloat(filepath.Join(d.devices[index].dir, info.attr)) * info.scale, nil
}

func (d *Driver) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	return apperror.New(apperror.Unsupported, "accelerator driver has no writable controls").WithDetail("name", name)
}

func (d *Driver) SaveControl(dir string) error    { return nil }
func (d *Driver) RestoreControl(dir string) error { return nil }

func (d *Driver) AggFunction(name string) (iogroup.Aggregator, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown accelerator signal").WithDetail("name", name)
	}
	return info.aggregator, nil
}

func (d *Driver) FormatFunction(name string) (iogroup.Format, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown accelerator signal").WithDetail("name", name)
	}
	return info.format, nil
}

func (d *Driver) SignalDescription(name string) (string, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown accelerator signal").WithDetail("name", name)
	}
	return info.desc, nil
}

func (d *Driver) SignalBehavior(name string) (iogroup.Behavior, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown accelerator signal").WithDetail("name", name)
	}
	return info.behavior, nil
}

func (d *Driver) Reset() {
	d.signals.Reset()
}

func readFloat(path string) float64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(b))
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}

func readIntFile(dir, name string, fallback int) int {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return fallback
	}
	return n
}

var _ iogroup.ResettableIOGroup = (*Driver)(nil)
