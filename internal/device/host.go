package device

import "runtime"

// hostBackend is the built-in compute backend: an in-process device
// with queue-owned storage and goroutine-parallel kernel dispatch. It
// is always available and serves as the default accelerator; GPU
// backends plug in through the same Backend seam.
type hostBackend struct{}

// Host returns the built-in host compute backend.
func Host() Backend { return hostBackend{} }

func (hostBackend) Name() string { return "host" }

func (hostBackend) Devices() []Device {
	return []Device{{
		Backend: "host",
		Index:   0,
		Name:    "host compute",
		Vendor:  "host",
		Class:   ClassCPU,
		Aspects: AspectDeviceAlloc | AspectSharedAlloc,
	}}
}

func (hostBackend) Open(dev Device) (*Queue, error) {
	return NewQueue(dev, nil, runtime.GOMAXPROCS(0)), nil
}
