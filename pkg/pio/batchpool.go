package pio

import "sync"

// BatchPool reduces allocation pressure in the controller's 5ms tick loop
// (C13) by reusing the []float64 buffers a batch-server session marshals
// samples and requests into. Modeled on the teacher's pooled-resources
// pattern: a package-level sync.Pool plus a request-scoped container
// that releases everything it acquired in one call.
type BatchPool struct {
	buffers sync.Pool
}

// globalBatchPool is the default pool used when no BatchPool is supplied
// explicitly.
var globalBatchPool = &BatchPool{
	buffers: sync.Pool{
		New: func() any {
			s := make([]float64, 0, 64)
			return &s
		},
	},
}

// GetBatchPool returns the global batch-buffer pool.
func GetBatchPool() *BatchPool {
	return globalBatchPool
}

// Acquire obtains a []float64 buffer with length 0 and releases it back
// to the pool via Release.
func (p *BatchPool) Acquire() *[]float64 {
	return p.buffers.Get().(*[]float64)
}

// Release clears and returns buf to the pool. Safe to call with nil.
func (p *BatchPool) Release(buf *[]float64) {
	if buf == nil {
		return
	}
	*buf = (*buf)[:0]
	p.buffers.Put(buf)
}

// SessionBuffers tracks every buffer acquired during one batch-client
// read/write cycle so the caller can release them all with one deferred
// call, the same request-scoped pattern as PooledResources.
type SessionBuffers struct {
	pool    *BatchPool
	buffers []*[]float64
}

// NewSessionBuffers creates a tracker backed by the global pool.
func NewSessionBuffers() *SessionBuffers {
	return &SessionBuffers{pool: globalBatchPool}
}

// Acquire obtains a tracked buffer.
func (s *SessionBuffers) Acquire() *[]float64 {
	buf := s.pool.Acquire()
	s.buffers = append(s.buffers, buf)
	return buf
}

// Release returns every buffer this session acquired to the pool.
func (s *SessionBuffers) Release() {
	for _, buf := range s.buffers {
		s.pool.Release(buf)
	}
	s.buffers = s.buffers[:0]
}
