package device

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Hooks observe queue operations. Test backends use them to count live
// allocations and to inject allocation or copy failures. A nil hook set
// disables all instrumentation.
type Hooks interface {
	// OnAlloc is consulted before an allocation of n elements of
	// elemSize bytes; a non-nil error vetoes the allocation.
	OnAlloc(n, elemSize int) error
	// OnFree is notified once per successful buffer release.
	OnFree(n, elemSize int)
	// OnCopy is consulted before every host/device copy of nbytes;
	// a non-nil error fails the copy.
	OnCopy(nbytes int) error
}

// Buffer is a device-resident array owned by exactly one layer or
// workspace struct. Freeing a nil or already-freed buffer is a no-op.
type Buffer struct {
	f32      []float32
	i32      []int32
	elemSize int
}

// Len returns the element count, 0 for a nil or freed buffer.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	if b.i32 != nil {
		return len(b.i32)
	}
	return len(b.f32)
}

// Queue is an in-order execution context bound to one device. Kernel
// launches submitted to a queue execute in submission order; host/device
// copies block until complete. A Queue must not be used from multiple
// goroutines at once.
type Queue struct {
	dev     Device
	hooks   Hooks
	workers int
	closed  bool
}

// NewQueue builds a queue for a device. Backends call this from Open;
// hooks may be nil. workers bounds the parallelism of kernel dispatch
// and is clamped to at least 1.
func NewQueue(dev Device, hooks Hooks, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{dev: dev, hooks: hooks, workers: workers}
}

// Device returns the device this queue was opened against.
func (q *Queue) Device() Device { return q.dev }

// Close releases the queue. Buffers are owned by their allocating
// structs and must be freed by them; Close does not track or free them.
func (q *Queue) Close() {
	if q != nil {
		q.closed = true
	}
}

func (q *Queue) alloc(n, elemSize int) error {
	if q == nil || q.closed {
		return ErrQueueClosed
	}
	if n < 0 {
		return ErrAllocFailed
	}
	// Prefer a device-local allocation, fall back to shared. On this
	// backend both map to queue-owned storage, but the capability check
	// mirrors the device contract: no aspect, no allocation.
	if q.dev.Aspects&(AspectDeviceAlloc|AspectSharedAlloc) == 0 {
		return ErrAllocFailed
	}
	if q.hooks != nil {
		if err := q.hooks.OnAlloc(n, elemSize); err != nil {
			return fmt.Errorf("%w: %v", ErrAllocFailed, err)
		}
	}
	return nil
}

// AllocFloat32 allocates a device buffer of n float32 elements.
func (q *Queue) AllocFloat32(n int) (*Buffer, error) {
	if err := q.alloc(n, 4); err != nil {
		return nil, err
	}
	return &Buffer{f32: make([]float32, n), elemSize: 4}, nil
}

// AllocInt32 allocates a device buffer of n int32 elements.
func (q *Queue) AllocInt32(n int) (*Buffer, error) {
	if err := q.alloc(n, 4); err != nil {
		return nil, err
	}
	return &Buffer{i32: make([]int32, n), elemSize: 4}, nil
}

// Free releases a buffer. Safe on nil and on already-freed buffers;
// each buffer is released at most once.
func (q *Queue) Free(b *Buffer) {
	if q == nil || b == nil || (b.f32 == nil && b.i32 == nil) {
		return
	}
	if q.hooks != nil {
		q.hooks.OnFree(b.Len(), b.elemSize)
	}
	b.f32 = nil
	b.i32 = nil
}

func (q *Queue) copyCheck(nbytes int) error {
	if q == nil || q.closed {
		return ErrQueueClosed
	}
	if q.hooks != nil {
		if err := q.hooks.OnCopy(nbytes); err != nil {
			return fmt.Errorf("%w: %v", ErrCopyFailed, err)
		}
	}
	return nil
}

// UploadFloat32 copies a host slice into a device buffer and blocks
// until the copy completes.
func (q *Queue) UploadFloat32(dst *Buffer, src []float32) error {
	if dst == nil || dst.f32 == nil || len(dst.f32) != len(src) {
		return ErrSizeMismatch
	}
	if err := q.copyCheck(4 * len(src)); err != nil {
		return err
	}
	copy(dst.f32, src)
	return nil
}

// UploadInt32 copies a host int32 slice into a device buffer.
func (q *Queue) UploadInt32(dst *Buffer, src []int32) error {
	if dst == nil || dst.i32 == nil || len(dst.i32) != len(src) {
		return ErrSizeMismatch
	}
	if err := q.copyCheck(4 * len(src)); err != nil {
		return err
	}
	copy(dst.i32, src)
	return nil
}

// DownloadFloat32 copies a device buffer back to a host slice and
// blocks until the copy completes. Asynchronous kernel failures, were
// any possible, would surface here.
func (q *Queue) DownloadFloat32(dst []float32, src *Buffer) error {
	if src == nil || src.f32 == nil || len(src.f32) != len(dst) {
		return ErrSizeMismatch
	}
	if err := q.copyCheck(4 * len(dst)); err != nil {
		return err
	}
	copy(dst, src.f32)
	return nil
}

// submit runs a data-parallel kernel body over [0, n). Each index is
// computed exactly once by exactly one worker, so results do not depend
// on the worker count. The queue is in-order: submit returns only after
// the whole launch has completed, so dependent launches never overlap.
func (q *Queue) submit(n int, body func(i int)) {
	if n <= 0 {
		return
	}
	workers := q.workers
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}
	var g errgroup.Group
	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, lo+chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				body(i)
			}
			return nil
		})
	}
	g.Wait()
}
