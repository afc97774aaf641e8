package batchserver

import (
	"context"
	"encoding/binary"
	"math"

	"geopm/pkg/shm"
)

// Client is the attaching side of a batch session — what PlatformIO's
// read_batch_client/write_batch_client (§4.4) drive once
// start_batch_client has returned a key. It never creates anything;
// every region and the wakeup FIFO must already exist, created by the
// Server this Client is paired with.
type Client struct {
	sigRegion  *shm.Region
	ctrlRegion *shm.Region
	wake       *shm.Wakeup

	numSignal  int
	numControl int
}

// Attach opens the regions and wakeup FIFO a Server created for key.
func Attach(dir, key string, numSignal, numControl int) (*Client, error) {
	sigRegion, err := shm.Open(dir, key+"-signal", regionSize(numSignal))
	if err != nil {
		return nil, err
	}
	ctrlRegion, err := shm.Open(dir, key+"-control", regionSize(numControl))
	if err != nil {
		sigRegion.Close()
		return nil, err
	}
	wake, err := shm.OpenWakeup(dir, key)
	if err != nil {
		sigRegion.Close()
		ctrlRegion.Close()
		return nil, err
	}
	return &Client{
		sigRegion:  sigRegion,
		ctrlRegion: ctrlRegion,
		wake:       wake,
		numSignal:  numSignal,
		numControl: numControl,
	}, nil
}

// ReadBatch sends one read request and returns the sampled signal
// vector, in the order the session declared its signals.
func (c *Client) ReadBatch(ctx context.Context) ([]float64, error) {
	if err := c.wake.Send(shm.ControlRead); err != nil {
		return nil, err
	}
	if _, err := c.wake.Wait(ctx); err != nil {
		return nil, err
	}
	out := make([]float64, c.numSignal)
	buf := make([]byte, 8)
	for i := range out {
		if err := c.sigRegion.Read(i*8, buf); err != nil {
			return nil, err
		}
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
	}
	return out, nil
}

// WriteBatch writes values into the control region, in the order the
// session declared its controls, and sends one write request.
func (c *Client) WriteBatch(ctx context.Context, values []float64) error {
	buf := make([]byte, 8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		if err := c.ctrlRegion.Write(i*8, buf); err != nil {
			return err
		}
	}
	if err := c.wake.Send(shm.ControlWrite); err != nil {
		return err
	}
	_, err := c.wake.Wait(ctx)
	return err
}

// Stop tells the server to exit its loop. The server's regions and
// FIFO remain owned by the server; Stop does not unlink them.
func (c *Client) Stop() error {
	return c.wake.Send(shm.ControlStop)
}

// Close detaches from the regions and wakeup without unlinking them —
// only the owning Server does that.
func (c *Client) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	record(c.wake.Close())
	record(c.sigRegion.Close())
	record(c.ctrlRegion.Close())
	return first
}
