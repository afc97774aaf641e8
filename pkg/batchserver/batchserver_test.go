package batchserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/topology"
)

// fakePlatform is a minimal PlatformServer: two signals and one
// control, with Sample/Adjust backed by plain maps instead of real
// hardware.
type fakePlatform struct {
	nextHandle int
	sigNames   map[int]string
	ctrlNames  map[int]string
	sigValues  map[int]float64
	ctrlValues map[int]float64
	readCalls  int
	writeCalls int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		sigNames:   map[int]string{},
		ctrlNames:  map[int]string{},
		sigValues:  map[int]float64{},
		ctrlValues: map[int]float64{},
	}
}

func (f *fakePlatform) IsValidSignal(name string) bool {
	return name == "TEMPERATURE" || name == "POWER"
}
func (f *fakePlatform) IsValidControl(name string) bool {
	return name == "POWER_LIMIT"
}
func (f *fakePlatform) PushSignal(name string, domain topology.Domain, index int) (int, error) {
	h := f.nextHandle
	f.nextHandle++
	f.sigNames[h] = name
	f.sigValues[h] = float64(index) + 1 // deterministic per-index fixture value
	return h, nil
}
func (f *fakePlatform) PushControl(name string, domain topology.Domain, index int) (int, error) {
	h := f.nextHandle
	f.nextHandle++
	f.ctrlNames[h] = name
	return h, nil
}
func (f *fakePlatform) ReadBatch() error  { f.readCalls++; return nil }
func (f *fakePlatform) WriteBatch() error { f.writeCalls++; return nil }
func (f *fakePlatform) Sample(handle int) (float64, error) {
	return f.sigValues[handle], nil
}
func (f *fakePlatform) Adjust(handle int, value float64) error {
	f.ctrlValues[handle] = value
	return nil
}

var _ PlatformServer = (*fakePlatform)(nil)

func TestNewServerRejectsUnknownSignal(t *testing.T) {
	dir := t.TempDir()
	spec := SessionSpec{
		Key:     "sess",
		Signals: []PushSpec{{Name: "NOT_A_SIGNAL", Domain: topology.Board, Index: 0}},
	}
	_, err := NewServer(dir, spec, newFakePlatform())
	assert.Error(t, err)
}

func TestServerClientReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	spec := SessionSpec{
		Key: "sess",
		Signals: []PushSpec{
			{Name: "TEMPERATURE", Domain: topology.Board, Index: 0},
			{Name: "POWER", Domain: topology.Board, Index: 1},
		},
		Controls: []PushSpec{
			{Name: "POWER_LIMIT", Domain: topology.Board, Index: 0},
		},
	}
	fp := newFakePlatform()
	srv, err := NewServer(dir, spec, fp)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx, fp) }()

	client, err := Attach(dir, "sess", 2, 1)
	require.NoError(t, err)
	defer client.Close()

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	values, err := client.ReadBatch(readCtx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, values)
	assert.Equal(t, 1, fp.readCalls)

	writeCtx, writeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer writeCancel()
	require.NoError(t, client.WriteBatch(writeCtx, []float64{42}))
	assert.Equal(t, 1, fp.writeCalls)
	for _, v := range fp.ctrlValues {
		assert.Equal(t, 42.0, v)
	}

	require.NoError(t, client.Stop())
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after ControlStop")
	}

	require.NoError(t, srv.Close())
}

func TestSessionSpecWriteAndReadFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/session.json"
	spec := SessionSpec{
		Key:      "sess",
		Signals:  []PushSpec{{Name: "TEMPERATURE", Domain: topology.Package, Index: 2}},
		Controls: []PushSpec{{Name: "POWER_LIMIT", Domain: topology.Board, Index: 0}},
	}
	require.NoError(t, spec.WriteFile(path))

	got, err := ReadSessionFile(path)
	require.NoError(t, err)
	assert.Equal(t, spec, got)
}
