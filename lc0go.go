// Package lc0go exposes the LC0J GPU-style evaluator behind a small
// handle-based boundary, mirroring the surface an embedding runtime
// calls: count devices, create a model from a weight file, query its
// shape, run single-position predictions, destroy it.
package lc0go

import (
	"sync"

	"github.com/hailam/lc0go/internal/device"
	"github.com/hailam/lc0go/internal/lc0"
)

// Handle identifies one loaded model. The zero handle is never issued
// and always invalid.
type Handle int64

var (
	mu      sync.Mutex
	nets    = make(map[Handle]*lc0.Net)
	nextID  Handle = 1
	backend device.Backend
)

// SetBackend substitutes the compute backend used by subsequent calls.
// Passing nil restores the built-in host backend. Intended for tests
// that need a counting or failure-injecting device.
func SetBackend(b device.Backend) {
	mu.Lock()
	backend = b
	mu.Unlock()
}

func activeBackend() device.Backend {
	mu.Lock()
	b := backend
	mu.Unlock()
	if b == nil {
		return device.Host()
	}
	return b
}

// DeviceCount reports the number of compatible compute devices. Zero
// means the caller should use its fallback evaluation path. Discovery
// is a fresh query on every call; nothing is cached.
func DeviceCount() int {
	return len(device.Enumerate(device.Filter{}, activeBackend()))
}

// Create loads and validates a weight file, uploading all parameters to
// device memory. It returns 0 on any failure: missing file, bad
// magic or version, shape mismatch, allocation failure, or no device.
func Create(path string) Handle {
	n, err := lc0.LoadNet(path, lc0.Options{Backend: activeBackend()})
	if err != nil {
		return 0
	}
	mu.Lock()
	h := nextID
	nextID++
	nets[h] = n
	mu.Unlock()
	return h
}

// Destroy releases all device resources held by the handle and
// invalidates it. Safe to call with an unknown or zero handle, and
// safe to call more than once.
func Destroy(h Handle) {
	mu.Lock()
	n := nets[h]
	delete(nets, h)
	mu.Unlock()
	n.Close()
}

// GetInfo returns [inputC, trunkC, blocks, policyC, valueC, policySize,
// paramCount] for a loaded model, or ok=false for an invalid handle.
func GetInfo(h Handle) (info [7]int64, ok bool) {
	mu.Lock()
	n := nets[h]
	mu.Unlock()
	if n == nil {
		return info, false
	}
	i := n.Info()
	info = [7]int64{
		int64(i.InputC), int64(i.TrunkC), int64(i.Blocks),
		int64(i.PolicyC), int64(i.ValueC), int64(i.PolicySize),
		i.ParamCount,
	}
	return info, true
}

// Predict evaluates one encoded position. encoded must have length
// inputC*64, policyOut length policySize and wdlOut length 3. On
// success it fills both outputs and returns win minus loss.
//
// On any failure it returns 0.0 and leaves the outputs untouched. A
// 0.0 return is therefore indistinguishable from a legitimately even
// position; callers that need to detect failure must not rely on the
// return value alone. This ambiguity is part of the boundary contract.
//
// A handle must not be used from multiple goroutines concurrently:
// each model owns a single in-order queue and a shared workspace.
func Predict(h Handle, encoded, policyOut, wdlOut []float32) float32 {
	mu.Lock()
	n := nets[h]
	mu.Unlock()
	if n == nil {
		return 0
	}
	v, err := n.Evaluate(encoded, policyOut, wdlOut)
	if err != nil {
		return 0
	}
	return v
}
