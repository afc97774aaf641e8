package batchserver

import (
	"context"
	"encoding/binary"
	"math"

	"geopm/pkg/apperror"
	"geopm/pkg/shm"
	"geopm/pkg/topology"
)

// PlatformServer is the real pio.PlatformIO method set the server
// drives; declared narrowly here so this package does not import
// pkg/pio (pkg/pio has no reason to know about batchserver).
type PlatformServer interface {
	Validator
	PushSignal(name string, domain topology.Domain, index int) (int, error)
	PushControl(name string, domain topology.Domain, index int) (int, error)
	ReadBatch() error
	WriteBatch() error
	Sample(handle int) (float64, error)
	Adjust(handle int, value float64) error
}

// Server is the owning side of a batch session (§4.5's forked child):
// it holds the pushed handles for exactly the signals/controls the
// session declared and answers ControlRead/ControlWrite/ControlStop
// requests over a Wakeup pair. It never accepts a name it wasn't
// started with; the session is fixed for its whole lifetime.
type Server struct {
	sigRegion *shm.Region
	ctrlRegion *shm.Region
	wake       *shm.Wakeup

	sigHandles  []int
	ctrlHandles []int
}

// NewServer validates spec against pio, pushes every declared signal
// and control, creates the two shared-memory regions and the wakeup
// FIFO as the owning side, and returns a Server ready to Run.
func NewServer(dir string, spec SessionSpec, pio PlatformServer) (*Server, error) {
	if err := spec.Validate(pio); err != nil {
		return nil, err
	}

	sigHandles := make([]int, len(spec.Signals))
	for i, s := range spec.Signals {
		h, err := pio.PushSignal(s.Name, s.Domain, s.Index)
		if err != nil {
			return nil, err
		}
		sigHandles[i] = h
	}
	ctrlHandles := make([]int, len(spec.Controls))
	for i, c := range spec.Controls {
		h, err := pio.PushControl(c.Name, c.Domain, c.Index)
		if err != nil {
			return nil, err
		}
		ctrlHandles[i] = h
	}

	sigRegion, err := shm.Create(dir, spec.Key+"-signal", regionSize(len(spec.Signals)))
	if err != nil {
		return nil, err
	}
	ctrlRegion, err := shm.Create(dir, spec.Key+"-control", regionSize(len(spec.Controls)))
	if err != nil {
		sigRegion.Close()
		sigRegion.Unlink()
		return nil, err
	}
	wake, err := shm.CreateWakeup(dir, spec.Key)
	if err != nil {
		sigRegion.Close()
		sigRegion.Unlink()
		ctrlRegion.Close()
		ctrlRegion.Unlink()
		return nil, err
	}

	return &Server{
		sigRegion:   sigRegion,
		ctrlRegion:  ctrlRegion,
		wake:        wake,
		sigHandles:  sigHandles,
		ctrlHandles: ctrlHandles,
	}, nil
}

// Run serves requests until ControlStop arrives or ctx is cancelled.
// Protocol per §4.5: ControlRead performs one ReadBatch and copies
// samples into the signal region; ControlWrite reads the control
// region, performs one WriteBatch; any other word, or context
// cancellation, ends the loop.
func (s *Server) Run(ctx context.Context, pio PlatformServer) error {
	for {
		word, err := s.wake.Wait(ctx)
		if err != nil {
			return err
		}
		switch word {
		case shm.ControlRead:
			if err := s.handleRead(pio); err != nil {
				return err
			}
		case shm.ControlWrite:
			if err := s.handleWrite(pio); err != nil {
				return err
			}
		case shm.ControlStop:
			return nil
		default:
			return apperror.New(apperror.Invalid, "unrecognized batch control word").WithDetail("word", word)
		}
		if err := s.wake.Send(word); err != nil {
			return err
		}
	}
}

func (s *Server) handleRead(pio PlatformServer) error {
	if err := pio.ReadBatch(); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for i, h := range s.sigHandles {
		v, err := pio.Sample(h)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		if err := s.sigRegion.Write(i*8, buf); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleWrite(pio PlatformServer) error {
	buf := make([]byte, 8)
	for i, h := range s.ctrlHandles {
		if err := s.ctrlRegion.Read(i*8, buf); err != nil {
			return err
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf))
		if err := pio.Adjust(h, v); err != nil {
			return err
		}
	}
	return pio.WriteBatch()
}

// Close releases every resource the server owns, including unlinking
// the backing files — only the owning side calls this.
func (s *Server) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	record(s.wake.Close())
	record(s.wake.Remove())
	record(s.sigRegion.Close())
	record(s.sigRegion.Unlink())
	record(s.ctrlRegion.Close())
	record(s.ctrlRegion.Unlink())
	return first
}
