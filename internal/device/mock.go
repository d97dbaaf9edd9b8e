package device

import (
	"errors"
	"sync"
)

// MockBackend implements Backend for testing without real hardware.
// It executes kernels like the host backend but counts allocations and
// can inject allocation or copy failures. Shipped in-package so any
// consumer can leak-check its device usage.
type MockBackend struct {
	mu sync.Mutex

	// DeviceList overrides the advertised devices. Empty means the
	// default single mock GPU.
	DeviceList []Device

	// FailAllocsAfter fails every allocation once this many have
	// succeeded. Negative disables injection.
	FailAllocsAfter int

	copyErr error

	allocs int64
	frees  int64
	live   int64
}

// NewMockBackend returns a mock backend with failure injection disabled.
func NewMockBackend() *MockBackend {
	return &MockBackend{FailAllocsAfter: -1}
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeviceList != nil {
		return append([]Device(nil), m.DeviceList...)
	}
	return []Device{{
		Backend: "mock",
		Index:   0,
		Name:    "mock gpu",
		Vendor:  "mock",
		Class:   ClassGPU,
		Aspects: AspectDeviceAlloc | AspectSharedAlloc,
	}}
}

func (m *MockBackend) Open(dev Device) (*Queue, error) {
	return NewQueue(dev, m, 1), nil
}

// SetCopyError makes every subsequent host/device copy fail with err
// until cleared with nil.
func (m *MockBackend) SetCopyError(err error) {
	m.mu.Lock()
	m.copyErr = err
	m.mu.Unlock()
}

// AllocCount returns the number of successful allocations.
func (m *MockBackend) AllocCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocs
}

// FreeCount returns the number of buffer releases.
func (m *MockBackend) FreeCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frees
}

// Live returns allocations minus frees; zero means no leaked buffers.
func (m *MockBackend) Live() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *MockBackend) OnAlloc(n, elemSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAllocsAfter >= 0 && m.allocs >= int64(m.FailAllocsAfter) {
		return errors.New("injected allocation failure")
	}
	m.allocs++
	m.live++
	return nil
}

func (m *MockBackend) OnFree(n, elemSize int) {
	m.mu.Lock()
	m.frees++
	m.live--
	m.mu.Unlock()
}

func (m *MockBackend) OnCopy(nbytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyErr
}

// Interface compliance.
var (
	_ Backend = (*MockBackend)(nil)
	_ Hooks   = (*MockBackend)(nil)
)
