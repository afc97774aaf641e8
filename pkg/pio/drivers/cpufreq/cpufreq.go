// Package cpufreq implements the IOGroup (C3) contract over the Linux
// cpufreq sysfs policy directories: /sys/devices/system/cpu/cpufreq/policy*.
// This is the "SysfsDriver (cpufreq)" named in the component design (C2):
// each policy directory's affected_cpus determines the signal's native
// domain, per the table in §4.2.
package cpufreq

import (
	"encoding/json"
	"math"
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

// SysRoot is the root cpufreq reads property files under. Tests point it
// at a fabricated tree, the same injectable-root idiom as pkg/topology.
type SysRoot string

// DefaultSysRoot is the real kernel sysfs mount.
const DefaultSysRoot SysRoot = "/sys"

const policyGlob = "devices/system/cpu/cpufreq"

// attribute names one policy directory exposes.
const (
	attrCur = "scaling_cur_freq"
	attrMin = "scaling_min_freq"
	attrMax = "scaling_max_freq"
)

var signalCatalog = map[string]iogroup.SignalInfo{
	"CPUFREQ::SCALING_CUR_FREQ": {Name: "CPUFREQ::SCALING_CUR_FREQ", Aggregator: iogroup.AggAverage, Format: iogroup.FormatDecimal, Behavior: iogroup.BehaviorVariable, Description: "current scaling frequency"},
	"CPUFREQ::SCALING_MIN_FREQ": {Name: "CPUFREQ::SCALING_MIN_FREQ", Aggregator: iogroup.AggExpectSame, Format: iogroup.FormatDecimal, Behavior: iogroup.BehaviorConstant, Description: "current scaling frequency floor"},
	"CPUFREQ::SCALING_MAX_FREQ": {Name: "CPUFREQ::SCALING_MAX_FREQ", Aggregator: iogroup.AggExpectSame, Format: iogroup.FormatDecimal, Behavior: iogroup.BehaviorConstant, Description: "current scaling frequency ceiling"},
}

var controlCatalog = map[string]iogroup.ControlInfo{
	"CPUFREQ::SCALING_MIN_FREQ": {Name: "CPUFREQ::SCALING_MIN_FREQ", Description: "requested scaling frequency floor"},
	"CPUFREQ::SCALING_MAX_FREQ": {Name: "CPUFREQ::SCALING_MAX_FREQ", Description: "requested scaling frequency ceiling"},
}

var attrForName = map[string]string{
	"CPUFREQ::SCALING_CUR_FREQ": attrCur,
	"CPUFREQ::SCALING_MIN_FREQ": attrMin,
	"CPUFREQ::SCALING_MAX_FREQ": attrMax,
}

type policy struct {
	dir    string
	cpus   []int
	domain topology.Domain
	idx    int // the index within that domain
}

type binding struct {
	policyIdx int
	attr      string
	isControl bool
}

// Driver is the cpufreq-backed IOGroup.
type Driver struct {
	mu         sync.Mutex
	policies   []policy
	signals    *iogroup.HandleTable
	controls   *iogroup.HandleTable
	bindings   map[int]binding // keyed by signal handle
	cbindings  map[int]binding // keyed by control handle
	sampleVals map[int]float64
	adjustVals map[int]float64
}

// Load discovers every cpufreq policy directory under root and classifies
// its native domain against topo by comparing the policy's affected_cpus
// population to the domain cardinalities in the §4.2 table.
func Load(root SysRoot, topo *topology.Topology) (*Driver, error) {
	base := filepath.Join(string(root), policyGlob)
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Unsupported, "platform-unsupported: no cpufreq policies under "+base)
	}

	var dirs []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "policy") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	numCPU, err := topo.NumDomain(topology.CPU)
	if err != nil {
		return nil, err
	}

	var policies []policy
	domainCount := map[topology.Domain]int{}
	for _, name := range dirs {
		dir := filepath.Join(base, name)
		cpus := parseCPUList(readFile(filepath.Join(dir, "affected_cpus")))
		dom, err := nativeDomain(topo, cpus, numCPU)
		if err != nil {
			return nil, err
		}
		idx := domainCount[dom]
		domainCount[dom]++
		policies = append(policies, policy{dir: dir, cpus: cpus, domain: dom, idx: idx})
	}
	if len(policies) == 0 {
		return nil, apperror.New(apperror.Unsupported, "platform-unsupported: no cpufreq policies found")
	}

	return &Driver{
		policies:   policies,
		signals:    iogroup.NewHandleTable(),
		controls:   iogroup.NewHandleTable(),
		bindings:   make(map[int]binding),
		cbindings:  make(map[int]binding),
		sampleVals: make(map[int]float64),
		adjustVals: make(map[int]float64),
	}, nil
}

// nativeDomain classifies a policy's affected_cpus population per the §4.2
// table: one CPU is cpu-domain, the siblings of one core is core-domain,
// the CPUs of one package is package-domain, and everything is board-domain.
func nativeDomain(topo *topology.Topology, cpus []int, numCPU int) (topology.Domain, error) {
	switch {
	case len(cpus) == 0:
		return 0, apperror.New(apperror.Unsupported, "platform-unsupported: empty affected_cpus")
	case len(cpus) == 1:
		return topology.CPU, nil
	case len(cpus) == numCPU:
		return topology.Board, nil
	}

	coreIdx, err := topo.DomainIdx(topology.Core, cpus[0])
	if err == nil {
		siblings, err := topo.DomainNested(topology.CPU, topology.Core, coreIdx)
		if err == nil && sameSet(siblings, cpus) {
			return topology.Core, nil
		}
	}
	pkgIdx, err := topo.DomainIdx(topology.Package, cpus[0])
	if err == nil {
		members, err := topo.DomainNested(topology.CPU, topology.Package, pkgIdx)
		if err == nil && sameSet(members, cpus) {
			return topology.Package, nil
		}
	}
	return 0, apperror.New(apperror.Unsupported, "platform-unsupported: affected_cpus does not match a known domain shape")
}

func sameSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]int(nil), a...)
	sb := append([]int(nil), b...)
	sort.Ints(sa)
	sort.Ints(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func (d *Driver) Name() string { return "CPUFREQ" }

func (d *Driver) SignalNames() []string {
	names := make([]string, 0, len(signalCatalog))
	for n := range signalCatalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Driver) ControlNames() []string {
	names := make([]string, 0, len(controlCatalog))
	for n := range controlCatalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Driver) IsValidSignal(name string) bool {
	_, ok := signalCatalog[name]
	return ok
}

func (d *Driver) IsValidControl(name string) bool {
	_, ok := controlCatalog[name]
	return ok
}

func (d *Driver) SignalDomainType(name string) (topology.Domain, error) {
	if !d.IsValidSignal(name) {
		return 0, apperror.New(apperror.Invalid, "unknown cpufreq signal").WithDetail("name", name)
	}
	return d.policies[0].domain, nil
}

func (d *Driver) ControlDomainType(name string) (topology.Domain, error) {
	if !d.IsValidControl(name) {
		return 0, apperror.New(apperror.Invalid, "unknown cpufreq control").WithDetail("name", name)
	}
	return d.policies[0].domain, nil
}

func (d *Driver) findPolicy(domain topology.Domain, index int) (int, error) {
	for i, p := range d.policies {
		if p.domain == domain && p.idx == index {
			return i, nil
		}
	}
	return 0, apperror.New(apperror.Invalid, "no cpufreq policy at that domain/index").
		WithDetail("domain", domain.String()).WithDetail("index", index)
}

func (d *Driver) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	if !d.IsValidSignal(name) {
		return 0, apperror.New(apperror.Invalid, "unknown cpufreq signal").WithDetail("name", name)
	}
	pIdx, err := d.findPolicy(domain, index)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.signals.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	d.bindings[h] = binding{policyIdx: pIdx, attr: attrForName[name]}
	return h, nil
}

func (d *Driver) PushControl(name string, domain topology.Domain, index int) (int, error) {
	if !d.IsValidControl(name) {
		return 0, apperror.New(apperror.Invalid, "unknown cpufreq control").WithDetail("name", name)
	}
	pIdx, err := d.findPolicy(domain, index)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.controls.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	d.cbindings[h] = binding{policyIdx: pIdx, attr: attrForName[name], isControl: true}
	return h, nil
}

func (d *Driver) ReadBatch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, b := range d.bindings {
		d.sampleVals[h] = parseValue(readFile(filepath.Join(d.policies[b.policyIdx].dir, b.attr)))
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
		if err := writeFile(filepath.Join(d.policies[b.policyIdx].dir, b.attr), formatValue(v)); err != nil {
			return err
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
	if !d.IsValidSignal(name) {
		return 0, apperror.New(apperror.Invalid, "unknown cpufreq signal").WithDetail("name", name)
	}
	pIdx, err := d.findPolicy(domain, index)
	if err != nil {
		return 0, err
	}
	return parseValue(readFile(filepath.Join(d.policies[pIdx].dir, attrForName[name]))), nil
}

func (d *Driver) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	if !d.IsValidControl(name) {
		return apperror.New(apperror.Invalid, "unknown cpufreq control").WithDetail("name", name)
	}
	pIdx, err := d.findPolicy(domain, index)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(d.policies[pIdx].dir, attrForName[name]), formatValue(value))
}

type savedPolicy struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (d *Driver) SaveControl(dir string) error {
	saved := make([]savedPolicy, len(d.policies))
	for i, p := range d.policies {
		saved[i] = savedPolicy{
			Min: parseValue(readFile(filepath.Join(p.dir, attrMin))),
			Max: parseValue(readFile(filepath.Join(p.dir, attrMax))),
		}
	}
	b, err := json.Marshal(saved)
	if err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to marshal cpufreq save state")
	}
	return os.WriteFile(filepath.Join(dir, "cpufreq.save"), b, 0o644)
}

func (d *Driver) RestoreControl(dir string) error {
	b, err := os.ReadFile(filepath.Join(dir, "cpufreq.save"))
	if err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to read cpufreq save state")
	}
	var saved []savedPolicy
	if err := json.Unmarshal(b, &saved); err != nil {
		return apperror.Wrap(err, apperror.FileParse, "corrupt cpufreq save state")
	}
	if len(saved) != len(d.policies) {
		return apperror.New(apperror.FileParse, "cpufreq save state policy count mismatch")
	}
	for i, p := range d.policies {
		if err := writeFile(filepath.Join(p.dir, attrMin), formatValue(saved[i].Min)); err != nil {
			return err
		}
		if err := writeFile(filepath.Join(p.dir, attrMax), formatValue(saved[i].Max)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) AggFunction(name string) (iogroup.Aggregator, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown cpufreq signal").WithDetail("name", name)
	}
	return info.Aggregator, nil
}

func (d *Driver) FormatFunction(name string) (iogroup.Format, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown cpufreq signal").WithDetail("name", name)
	}
	return info.Format, nil
}

func (d *Driver) SignalDescription(name string) (string, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown cpufreq signal").WithDetail("name", name)
	}
	return info.Description, nil
}

func (d *Driver) SignalBehavior(name string) (iogroup.Behavior, error) {
	info, ok := signalCatalog[name]
	if !ok {
		return "", apperror.New(apperror.Invalid, "unknown cpufreq signal").WithDetail("name", name)
	}
	return info.Behavior, nil
}

// Reset clears the batched gate on both handle tables, implementing
// ResettableIOGroup.
func (d *Driver) Reset() {
	d.signals.Reset()
	d.controls.Reset()
}

// parseValue implements the §4.2 parser contract: the literal
// "<unsupported>", the empty string, and non-numeric content all parse to
// NaN rather than failing the read.
func parseValue(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "<unsupported>" {
		return math.NaN()
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	// cpufreq reports kHz; the control plane works in Hz.
	return n * 1000
}

func formatValue(hz float64) string {
	return strconv.FormatFloat(hz/1000, 'f', 0, 64)
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return apperror.WrapErrno(err, 0, "failed to write "+path)
	}
	return nil
}

func parseCPUList(list string) []int {
	var out []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for n := loN; n <= hiN; n++ {
				out = append(out, n)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

var _ iogroup.ResettableIOGroup = (*Driver)(nil)
