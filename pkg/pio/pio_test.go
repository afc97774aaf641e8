package pio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/pio/iogroup"
	"geopm/pkg/topology"
)

// fakeGroup is a minimal in-memory IOGroup for exercising PlatformIO's
// routing, coarsening, and batch-planning logic without a real driver.
type fakeGroup struct {
	name     string
	signals  map[string]iogroup.SignalInfo
	controls map[string]iogroup.ControlInfo
	values   map[topology.Domain]map[int]float64 // per native (domain, index)

	sig       *iogroup.HandleTable
	ctl       *iogroup.HandleTable
	sigKey    map[int]iogroup.Key
	ctlKey    map[int]iogroup.Key
	sampled   map[int]float64
	pendingW  map[int]float64
	readCalls int
}

func newFakeGroup(name string) *fakeGroup {
	return &fakeGroup{
		name:     name,
		signals:  make(map[string]iogroup.SignalInfo),
		controls: make(map[string]iogroup.ControlInfo),
		values:   make(map[topology.Domain]map[int]float64),
		sig:      iogroup.NewHandleTable(),
		ctl:      iogroup.NewHandleTable(),
		sigKey:   make(map[int]iogroup.Key),
		ctlKey:   make(map[int]iogroup.Key),
		sampled:  make(map[int]float64),
		pendingW: make(map[int]float64),
	}
}

func (g *fakeGroup) addSignal(name string, domain topology.Domain, agg iogroup.Aggregator) {
	g.signals[name] = iogroup.SignalInfo{Name: name, Domain: domain, Aggregator: agg, Format: iogroup.FormatDecimal, Behavior: iogroup.BehaviorVariable}
}

func (g *fakeGroup) addControl(name string, domain topology.Domain) {
	g.controls[name] = iogroup.ControlInfo{Name: name, Domain: domain}
}

func (g *fakeGroup) setValue(domain topology.Domain, idx int, v float64) {
	if g.values[domain] == nil {
		g.values[domain] = make(map[int]float64)
	}
	g.values[domain][idx] = v
}

func (g *fakeGroup) Name() string { return g.name }
func (g *fakeGroup) SignalNames() []string {
	var n []string
	for k := range g.signals {
		n = append(n, k)
	}
	return n
}
func (g *fakeGroup) ControlNames() []string {
	var n []string
	for k := range g.controls {
		n = append(n, k)
	}
	return n
}
func (g *fakeGroup) IsValidSignal(name string) bool  { _, ok := g.signals[name]; return ok }
func (g *fakeGroup) IsValidControl(name string) bool { _, ok := g.controls[name]; return ok }
func (g *fakeGroup) SignalDomainType(name string) (topology.Domain, error) {
	return g.signals[name].Domain, nil
}
func (g *fakeGroup) ControlDomainType(name string) (topology.Domain, error) {
	return g.controls[name].Domain, nil
}

func (g *fakeGroup) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	h, err := g.sig.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	g.sigKey[h] = iogroup.Key{Name: name, Domain: domain, Index: index}
	return h, nil
}
func (g *fakeGroup) PushControl(name string, domain topology.Domain, index int) (int, error) {
	h, err := g.ctl.Push(iogroup.Key{Name: name, Domain: domain, Index: index})
	if err != nil {
		return 0, err
	}
	g.ctlKey[h] = iogroup.Key{Name: name, Domain: domain, Index: index}
	return h, nil
}
func (g *fakeGroup) ReadBatch() error {
	g.readCalls++
	for h, k := range g.sigKey {
		g.sampled[h] = g.values[k.Domain][k.Index]
	}
	return nil
}
func (g *fakeGroup) WriteBatch() error {
	for h, v := range g.pendingW {
		k := g.ctlKey[h]
		g.setValue(k.Domain, k.Index, v)
	}
	return nil
}
func (g *fakeGroup) Sample(handle int) (float64, error) { return g.sampled[handle], nil }
func (g *fakeGroup) Adjust(handle int, value float64) error {
	g.pendingW[handle] = value
	return nil
}
func (g *fakeGroup) ReadSignal(name string, domain topology.Domain, index int) (float64, error) {
	return g.values[domain][index], nil
}
func (g *fakeGroup) WriteControl(name string, domain topology.Domain, index int, value float64) error {
	g.setValue(domain, index, value)
	return nil
}
func (g *fakeGroup) SaveControl(dir string) error    { return nil }
func (g *fakeGroup) RestoreControl(dir string) error { return nil }
func (g *fakeGroup) AggFunction(name string) (iogroup.Aggregator, error) {
	return g.signals[name].Aggregator, nil
}
func (g *fakeGroup) FormatFunction(name string) (iogroup.Format, error) {
	return g.signals[name].Format, nil
}
func (g *fakeGroup) SignalDescription(name string) (string, error) { return "", nil }
func (g *fakeGroup) SignalBehavior(name string) (iogroup.Behavior, error) {
	return g.signals[name].Behavior, nil
}

var _ iogroup.IOGroup = (*fakeGroup)(nil)

func twoPackageTopo(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.New(topology.Raw{
		NumCPU:     4,
		CPUPackage: []int{0, 0, 1, 1},
		CPUCore:    []int{0, 1, 2, 3},
		CPUMemory:  []int{0, 0, 1, 1},
	})
	require.NoError(t, err)
	return topo
}

func TestPushSignalNativeDomain(t *testing.T) {
	topo := twoPackageTopo(t)
	g := newFakeGroup("TEST")
	g.addSignal("TEMP", topology.CPU, iogroup.AggAverage)
	g.setValue(topology.CPU, 2, 42.0)

	p := New(topo)
	p.Register(g)

	h, err := p.PushSignal("TEMP", topology.CPU, 2)
	require.NoError(t, err)
	require.NoError(t, p.ReadBatch())

	v, err := p.Sample(h)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestPushSignalCoarsensOverPackage(t *testing.T) {
	topo := twoPackageTopo(t)
	g := newFakeGroup("TEST")
	g.addSignal("ENERGY", topology.CPU, iogroup.AggSum)
	g.setValue(topology.CPU, 0, 10.0)
	g.setValue(topology.CPU, 1, 20.0)

	p := New(topo)
	p.Register(g)

	h, err := p.PushSignal("ENERGY", topology.Package, 0)
	require.NoError(t, err)
	require.NoError(t, p.ReadBatch())
	assert.Equal(t, 1, g.readCalls, "one IOGroup read_batch call regardless of fan-out")

	v, err := p.Sample(h)
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)
}

func TestAliasResolution(t *testing.T) {
	topo := twoPackageTopo(t)
	g := newFakeGroup("TEST")
	g.addSignal("CPU_ENERGY", topology.CPU, iogroup.AggSum)
	g.setValue(topology.CPU, 0, 5.0)

	p := New(topo)
	p.Register(g)
	p.AddAlias("ENERGY_ALIAS", "CPU_ENERGY")

	h, err := p.PushSignal("ENERGY_ALIAS", topology.CPU, 0)
	require.NoError(t, err)
	require.NoError(t, p.ReadBatch())
	v, err := p.Sample(h)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestDerivedSignal(t *testing.T) {
	topo := twoPackageTopo(t)
	g := newFakeGroup("TEST")
	g.addSignal("ENERGY_PACKAGE", topology.Package, iogroup.AggSum)
	g.addSignal("TIME", topology.Package, iogroup.AggSum)
	g.setValue(topology.Package, 0, 100.0)

	p := New(topo)
	p.Register(g)
	p.AddDerivedSignal("CPU_POWER", topology.Package, []string{"ENERGY_PACKAGE", "TIME"},
		func(v []float64) float64 { return v[0] / v[1] },
		iogroup.AggAverage, iogroup.FormatDecimal, iogroup.BehaviorVariable, "derived power")

	// ENERGY_PACKAGE and TIME share the same backing map keyed by domain/index,
	// so both parents sample the same value through PushSignal/ReadBatch/Sample
	// and the derived ratio is 1.
	h, err := p.PushSignal("CPU_POWER", topology.Package, 0)
	require.NoError(t, err)
	require.NoError(t, p.ReadBatch())
	v, err := p.Sample(h)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v) // 100/100 since both parents share the fake's storage slot
}

func TestRegisterLastWins(t *testing.T) {
	topo := twoPackageTopo(t)
	first := newFakeGroup("FIRST")
	first.addSignal("SHARED", topology.CPU, iogroup.AggAverage)
	first.setValue(topology.CPU, 0, 1.0)

	second := newFakeGroup("SECOND")
	second.addSignal("SHARED", topology.CPU, iogroup.AggAverage)
	second.setValue(topology.CPU, 0, 2.0)

	p := New(topo)
	p.Register(first)
	p.Register(second)

	h, err := p.PushSignal("SHARED", topology.CPU, 0)
	require.NoError(t, err)
	require.NoError(t, p.ReadBatch())
	v, err := p.Sample(h)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v, "second registrant wins a name collision")
}

func TestReadSignalBypassesBatch(t *testing.T) {
	topo := twoPackageTopo(t)
	g := newFakeGroup("TEST")
	g.addSignal("TEMP", topology.CPU, iogroup.AggAverage)
	g.setValue(topology.CPU, 3, 77.0)

	p := New(topo)
	p.Register(g)

	v, err := p.ReadSignal("TEMP", topology.CPU, 3)
	require.NoError(t, err)
	assert.Equal(t, 77.0, v)
}

func TestPushControlAndWriteBatch(t *testing.T) {
	topo := twoPackageTopo(t)
	g := newFakeGroup("TEST")
	g.addControl("FREQ", topology.CPU)

	p := New(topo)
	p.Register(g)

	h, err := p.PushControl("FREQ", topology.CPU, 1)
	require.NoError(t, err)
	require.NoError(t, p.Adjust(h, 3.0))
	require.NoError(t, p.WriteBatch())

	_, err = p.ReadSignal("FREQ", topology.CPU, 1)
	require.Error(t, err) // control-only name has no matching signal, so PlatformIO rejects the read

	raw, err := g.ReadSignal("FREQ", topology.CPU, 1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, raw)
}

func TestPushUnknownSignalFails(t *testing.T) {
	p := New(twoPackageTopo(t))
	_, err := p.PushSignal("NOPE", topology.CPU, 0)
	assert.Error(t, err)
}
