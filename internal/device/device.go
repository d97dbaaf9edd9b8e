// Package device provides compute-device enumeration, device memory
// management and the data-parallel kernel library used by the LC0J
// evaluator. A device is owned through an in-order Queue; all buffers
// allocated from a queue live until freed by their owner.
package device

import (
	"errors"
	"strings"
)

var (
	ErrNoDevice     = errors.New("no compatible compute device")
	ErrAllocFailed  = errors.New("device allocation failed")
	ErrCopyFailed   = errors.New("device copy failed")
	ErrQueueClosed  = errors.New("queue is closed")
	ErrSizeMismatch = errors.New("buffer size mismatch")
)

// Class is a coarse device category.
type Class int

const (
	ClassAny Class = iota
	ClassGPU
	ClassCPU
	ClassAccelerator
)

func (c Class) String() string {
	switch c {
	case ClassGPU:
		return "gpu"
	case ClassCPU:
		return "cpu"
	case ClassAccelerator:
		return "accelerator"
	default:
		return "any"
	}
}

// Aspect describes allocation capabilities of a device.
type Aspect uint32

const (
	// AspectDeviceAlloc means the device supports device-local allocations.
	AspectDeviceAlloc Aspect = 1 << iota
	// AspectSharedAlloc means the device supports host-visible shared allocations.
	AspectSharedAlloc
)

// Device describes one compute device visible through a backend.
type Device struct {
	Backend string
	Index   int
	Name    string
	Vendor  string
	Class   Class
	Aspects Aspect
}

// Backend is a compute driver: it enumerates devices and opens queues
// against them. Implementations must be safe to query repeatedly;
// enumeration is stateless and performed on every call.
type Backend interface {
	Name() string
	Devices() []Device
	Open(dev Device) (*Queue, error)
}

// Filter selects devices by class and vendor. The zero value matches
// every device; Vendor is a case-insensitive substring match.
type Filter struct {
	Class  Class
	Vendor string
}

func (f Filter) matches(d Device) bool {
	if f.Class != ClassAny && d.Class != f.Class {
		return false
	}
	if f.Vendor != "" && !strings.Contains(strings.ToLower(d.Vendor), strings.ToLower(f.Vendor)) {
		return false
	}
	return true
}

// Enumerate returns the devices of the given backends that pass the
// filter, in backend order. It is a pure query: no device state is
// cached between calls, so tests can substitute a fake backend.
func Enumerate(f Filter, backends ...Backend) []Device {
	var out []Device
	for _, b := range backends {
		for _, d := range b.Devices() {
			if f.matches(d) {
				out = append(out, d)
			}
		}
	}
	return out
}
