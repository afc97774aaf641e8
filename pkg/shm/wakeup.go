package shm

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"geopm/pkg/apperror"
)

// Wakeup is the replacement for the SIGCONT+sival_int handshake of §4.5
// and §6: a named FIFO both sides open, over which the client sends one
// byte (the control word a batch-server request carries) and the server
// sends one byte back on completion. Unlike a real-time signal this is a
// blocking read with no portable payload limit workaround needed, and it
// composes with context cancellation the way a raw sigwaitinfo call
// cannot.
type Wakeup struct {
	path string
	file *os.File
}

// Control words a Wakeup write carries, replacing sival_int.
const (
	ControlRead  byte = 0
	ControlWrite byte = 1
	ControlStop  byte = 2
)

// CreateWakeup makes the named FIFO; the owning side (batch server or
// endpoint) calls this before the peer attaches.
func CreateWakeup(dir, name string) (*Wakeup, error) {
	path := filepath.Join(dir, name+".fifo")
	if err := unix.Mkfifo(path, 0o600); err != nil && err != unix.EEXIST {
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to create wakeup fifo").WithDetail("name", name)
	}
	return &Wakeup{path: path}, nil
}

// OpenWakeup attaches to a FIFO created by CreateWakeup.
func OpenWakeup(dir, name string) (*Wakeup, error) {
	path := filepath.Join(dir, name+".fifo")
	return &Wakeup{path: path}, nil
}

func (w *Wakeup) open() error {
	if w.file != nil {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_RDWR, 0o600)
	if err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to open wakeup fifo").WithDetail("path", w.path)
	}
	w.file = f
	return nil
}

// Send writes one control word to the FIFO, waking a blocked Wait.
func (w *Wakeup) Send(word byte) error {
	if err := w.open(); err != nil {
		return err
	}
	if _, err := w.file.Write([]byte{word}); err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to send wakeup")
	}
	return nil
}

// Wait blocks until a control word arrives or ctx is cancelled. Unlike
// sigwaitinfo, cancellation is cooperative: on cancellation Wait sets an
// immediate read deadline on the FIFO, so a cancelled context returns
// promptly and the reader goroutine exits instead of staying blocked.
func (w *Wakeup) Wait(ctx context.Context) (byte, error) {
	if err := w.open(); err != nil {
		return 0, err
	}
	_ = w.file.SetReadDeadline(time.Time{})
	type result struct {
		b   byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 1)
		n, err := w.file.Read(buf)
		if err != nil {
			done <- result{0, apperror.Wrap(err, apperror.Runtime, "wakeup read failed")}
			return
		}
		if n == 0 {
			done <- result{0, apperror.New(apperror.Runtime, "wakeup fifo closed")}
			return
		}
		done <- result{buf[0], nil}
	}()
	select {
	case <-ctx.Done():
		_ = w.file.SetReadDeadline(time.Now())
		return 0, apperror.Wrap(ctx.Err(), apperror.Runtime, "wakeup wait cancelled")
	case r := <-done:
		return r.b, r.err
	}
}

// Close closes the FIFO file descriptor.
func (w *Wakeup) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// Remove deletes the FIFO inode; only the owning side calls this.
func (w *Wakeup) Remove() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return apperror.Wrap(err, apperror.Runtime, "failed to remove wakeup fifo")
	}
	return nil
}
