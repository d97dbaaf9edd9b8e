package lc0

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hailam/lc0go/internal/device"
)

func loadTestNet(t *testing.T, m *Model) (*Net, *device.MockBackend) {
	t.Helper()
	mock := device.NewMockBackend()
	n, err := LoadNet(writeTempModel(t, m), Options{Backend: mock})
	if err != nil {
		t.Fatalf("LoadNet failed: %v", err)
	}
	t.Cleanup(n.Close)
	return n, mock
}

func TestLoadNetCloseReleasesEverything(t *testing.T) {
	mock := device.NewMockBackend()
	n, err := LoadNet(writeTempModel(t, testModel(3, true)), Options{Backend: mock})
	if err != nil {
		t.Fatalf("LoadNet failed: %v", err)
	}
	if mock.AllocCount() == 0 {
		t.Fatal("expected device allocations during load")
	}

	n.Close()
	if live := mock.Live(); live != 0 {
		t.Errorf("%d device buffers leaked after Close", live)
	}

	// Close is idempotent and nil-safe.
	n.Close()
	var nilNet *Net
	nilNet.Close()
	if got, want := mock.FreeCount(), mock.AllocCount(); got != want {
		t.Errorf("free count %d != alloc count %d after double Close", got, want)
	}
}

func TestLoadNetMalformedFileNoLeak(t *testing.T) {
	valid := encodeModel(t, testModel(2, true))
	cases := map[string][]byte{
		"truncated": valid[:len(valid)/3],
		"bad magic": append([]byte{'B', 'A', 'D', '!'}, valid[4:]...),
		"trailing":  append(append([]byte(nil), valid...), 1, 2, 3),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "net.bin")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatal(err)
			}
			mock := device.NewMockBackend()
			if _, err := LoadNet(path, Options{Backend: mock}); err == nil {
				t.Fatal("expected load failure")
			}
			if live := mock.Live(); live != 0 {
				t.Errorf("%d device buffers leaked after failed load", live)
			}
		})
	}
}

func TestLoadNetNoDeviceDoesNotTouchFile(t *testing.T) {
	mock := device.NewMockBackend()
	mock.DeviceList = []device.Device{} // nothing compatible

	// The path does not exist; with the device check first we must see
	// the device error, not a file error.
	_, err := LoadNet(filepath.Join(t.TempDir(), "missing.bin"), Options{Backend: mock})
	if !errors.Is(err, device.ErrNoDevice) {
		t.Fatalf("got %v, want ErrNoDevice", err)
	}
}

func TestLoadNetVendorFilter(t *testing.T) {
	mock := device.NewMockBackend()
	path := writeTempModel(t, testModel(0, false))

	if _, err := LoadNet(path, Options{Backend: mock, Filter: device.Filter{Vendor: "other"}}); !errors.Is(err, device.ErrNoDevice) {
		t.Fatalf("mismatched vendor: got %v, want ErrNoDevice", err)
	}
	n, err := LoadNet(path, Options{Backend: mock, Filter: device.Filter{Vendor: "MOCK", Class: device.ClassGPU}})
	if err != nil {
		t.Fatalf("matching vendor: %v", err)
	}
	n.Close()
}

func TestLoadNetAllocFailureRollsBack(t *testing.T) {
	path := writeTempModel(t, testModel(2, true))
	for _, failAfter := range []int{0, 1, 7, 20} {
		mock := device.NewMockBackend()
		mock.FailAllocsAfter = failAfter
		if _, err := LoadNet(path, Options{Backend: mock}); err == nil {
			t.Fatalf("failAfter=%d: expected load failure", failAfter)
		}
		if live := mock.Live(); live != 0 {
			t.Errorf("failAfter=%d: %d device buffers leaked", failAfter, live)
		}
	}
}

func TestLoadNetRejectsWrongInputPlanes(t *testing.T) {
	m := testModel(0, false)
	m.InputC = 16
	m.Input = makeConvZero(16, m.TrunkC)
	m.recount()
	mock := device.NewMockBackend()
	if _, err := LoadNet(writeTempModel(t, m), Options{Backend: mock}); err == nil {
		t.Fatal("expected rejection of non-112-plane net")
	}
	if live := mock.Live(); live != 0 {
		t.Errorf("%d device buffers leaked", live)
	}
}

func makeConvZero(inC, outC int) ConvWeights {
	return ConvWeights{InC: inC, OutC: outC, K: 3,
		W: make([]float32, outC*inC*9), B: make([]float32, outC)}
}

func TestInfoMatchesHeader(t *testing.T) {
	m := testModel(3, true)
	n, _ := loadTestNet(t, m)

	info := n.Info()
	if info.InputC != m.InputC || info.TrunkC != m.TrunkC || info.Blocks != 3 {
		t.Errorf("info trunk fields wrong: %+v", info)
	}
	if info.PolicyC != m.PolicyC || info.ValueC != m.ValueC {
		t.Errorf("info head fields wrong: %+v", info)
	}
	if info.PolicySize != len(m.PolicyMap) {
		t.Errorf("policy size = %d, want %d", info.PolicySize, len(m.PolicyMap))
	}
	if info.ParamCount != m.ParamCount {
		t.Errorf("param count = %d, want %d", info.ParamCount, m.ParamCount)
	}
	if n.InputSize() != m.InputC*64 || n.PolicySize() != len(m.PolicyMap) {
		t.Errorf("size helpers wrong: %d/%d", n.InputSize(), n.PolicySize())
	}
}
