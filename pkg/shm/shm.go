// Package shm provides the shared-memory region and robust
// process-shared mutex primitive that the batch server (C5) and the
// Endpoint (C9) are built on. A Region is a named, file-backed memory
// mapping under a shared-memory directory (normally /dev/shm); two
// processes that Open/Attach the same name see the same bytes.
package shm

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"geopm/pkg/apperror"
)

// DefaultDir is the tmpfs-backed directory shared-memory regions live
// under on Linux.
const DefaultDir = "/dev/shm"

// Region is a fixed-size named shared-memory mapping.
type Region struct {
	name string
	path string
	file *os.File
	data []byte
	mu   sync.Mutex
}

// Create allocates a new region of size bytes named name under dir,
// failing if one already exists (the owning side, e.g. Daemon or
// BatchServer, always creates; the attaching side always opens).
func Create(dir, name string, size int) (*Region, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, apperror.Wrap(err, apperror.Runtime, "shared memory region already exists").WithDetail("name", name)
		}
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to create shared memory region").WithDetail("name", name)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to size shared memory region").WithDetail("name", name)
	}
	return mapRegion(name, path, f, size)
}

// Open attaches to a region created by the owning side. It fails with
// Runtime if the region does not yet exist.
func Open(dir, name string, size int) (*Region, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to open shared memory region").WithDetail("name", name)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to stat shared memory region")
	}
	if int(info.Size()) < size {
		f.Close()
		return nil, apperror.New(apperror.Runtime, "shared memory region smaller than requested").
			WithDetail("name", name).WithDetail("have", info.Size()).WithDetail("want", size)
	}
	return mapRegion(name, path, f, size)
}

func mapRegion(name, path string, f *os.File, size int) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to mmap shared memory region").WithDetail("name", name)
	}
	return &Region{name: name, path: path, file: f, data: data}, nil
}

// Name returns the region's basename.
func (r *Region) Name() string { return r.name }

// Size returns the mapped region's length in bytes.
func (r *Region) Size() int { return len(r.data) }

// Read copies the region's bytes at [off:off+len(p)] into p.
func (r *Region) Read(off int, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+len(p) > len(r.data) {
		return apperror.New(apperror.Invalid, "shared memory read out of bounds")
	}
	copy(p, r.data[off:off+len(p)])
	return nil
}

// Write copies p into the region's bytes at [off:off+len(p)].
func (r *Region) Write(off int, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off+len(p) > len(r.data) {
		return apperror.New(apperror.Invalid, "shared memory write out of bounds")
	}
	copy(r.data[off:off+len(p)], p)
	return nil
}

// Close unmaps the region. It does not unlink the backing file; only the
// owning side's Unlink does that.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := unix.Munmap(r.data); err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to munmap shared memory region")
	}
	return r.file.Close()
}

// Unlink removes the backing file; only the owning side calls this,
// typically after Close, mirroring POSIX shm_unlink semantics.
func (r *Region) Unlink() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return apperror.Wrap(err, apperror.Runtime, "failed to unlink shared memory region").WithDetail("name", r.name)
	}
	return nil
}
