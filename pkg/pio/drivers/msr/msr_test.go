package msr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopm/pkg/topology"
)

// fakeRawIO is an in-memory rawIO keyed by (cpu, offset), standing in for
// /dev/cpu/N/msr so tests do not need real hardware access.
type fakeRawIO struct {
	regs map[[2]uint64]uint64
}

func newFakeRawIO() *fakeRawIO {
	return &fakeRawIO{regs: make(map[[2]uint64]uint64)}
}

func (f *fakeRawIO) key(cpu int, offset uint32) [2]uint64 {
	return [2]uint64{uint64(cpu), uint64(offset)}
}

func (f *fakeRawIO) Read(cpu int, offset uint32) (uint64, error) {
	return f.regs[f.key(cpu, offset)], nil
}

func (f *fakeRawIO) Write(cpu int, offset uint32, value, mask uint64) error {
	k := f.key(cpu, offset)
	f.regs[k] = (f.regs[k] &^ mask) | (value & mask)
	return nil
}

func TestPushReadBatchDecodesBitfield(t *testing.T) {
	io := newFakeRawIO()
	// PERF_STATUS ratio field occupies bits 8-15; set it to 30 (3.0GHz at 1e8 scale)
	io.regs[io.key(2, 0x198)] = uint64(30) << 8

	drv := NewWithIO(8, io)
	h, err := drv.PushSignal("MSR::PERF_STATUS#:FREQ", topology.CPU, 2)
	require.NoError(t, err)
	require.NoError(t, drv.ReadBatch())

	v, err := drv.Sample(h)
	require.NoError(t, err)
	assert.Equal(t, 3.0e9, v)
}

func TestAdjustWriteBatchPreservesOtherBits(t *testing.T) {
	io := newFakeRawIO()
	io.regs[io.key(0, 0x199)] = uint64(0xFF) // arbitrary bits outside the ratio field

	drv := NewWithIO(8, io)
	h, err := drv.PushControl("MSR::PERF_CTL#:FREQ", topology.CPU, 0)
	require.NoError(t, err)
	require.NoError(t, drv.Adjust(h, 2.5e9))
	require.NoError(t, drv.WriteBatch())

	raw, _ := io.Read(0, 0x199)
	assert.Equal(t, uint64(0xFF&^0xFF00)|(uint64(25)<<8), raw)
}

func TestSampleBeforeBatchFails(t *testing.T) {
	drv := NewWithIO(8, newFakeRawIO())
	h, err := drv.PushSignal("MSR::TIME_STAMP_COUNTER", topology.CPU, 0)
	require.NoError(t, err)
	_, err = drv.Sample(h)
	assert.Error(t, err)
}

func TestPushWrongDomainFails(t *testing.T) {
	drv := NewWithIO(8, newFakeRawIO())
	_, err := drv.PushSignal("MSR::PKG_ENERGY_STATUS:ENERGY", topology.CPU, 0)
	assert.Error(t, err)
}

func TestPushUnknownControlFails(t *testing.T) {
	drv := NewWithIO(8, newFakeRawIO())
	_, err := drv.PushControl("MSR::TIME_STAMP_COUNTER", topology.CPU, 0)
	assert.Error(t, err, "time stamp counter is read-only")
}

func TestDuplicatePushReturnsSameHandle(t *testing.T) {
	drv := NewWithIO(8, newFakeRawIO())
	h1, err := drv.PushSignal("MSR::TIME_STAMP_COUNTER", topology.CPU, 1)
	require.NoError(t, err)
	h2, err := drv.PushSignal("MSR::TIME_STAMP_COUNTER", topology.CPU, 1)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
