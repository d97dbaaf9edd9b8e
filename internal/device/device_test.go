package device

import (
	"errors"
	"testing"
)

func TestEnumerateFilter(t *testing.T) {
	mock := NewMockBackend()
	mock.DeviceList = []Device{
		{Backend: "mock", Index: 0, Name: "gpu a", Vendor: "Intel Corporation", Class: ClassGPU, Aspects: AspectDeviceAlloc},
		{Backend: "mock", Index: 1, Name: "gpu b", Vendor: "AMD", Class: ClassGPU, Aspects: AspectDeviceAlloc},
		{Backend: "mock", Index: 2, Name: "cpu", Vendor: "Intel Corporation", Class: ClassCPU, Aspects: AspectSharedAlloc},
	}

	all := Enumerate(Filter{}, mock)
	if len(all) != 3 {
		t.Fatalf("unfiltered enumeration: got %d devices, want 3", len(all))
	}

	gpus := Enumerate(Filter{Class: ClassGPU}, mock)
	if len(gpus) != 2 {
		t.Errorf("gpu filter: got %d devices, want 2", len(gpus))
	}

	intel := Enumerate(Filter{Class: ClassGPU, Vendor: "intel"}, mock)
	if len(intel) != 1 || intel[0].Index != 0 {
		t.Errorf("vendor filter: got %v, want device 0 only", intel)
	}

	none := Enumerate(Filter{Vendor: "nvidia"}, mock)
	if len(none) != 0 {
		t.Errorf("expected no nvidia devices, got %v", none)
	}
}

func TestHostBackendAlwaysAvailable(t *testing.T) {
	devs := Enumerate(Filter{}, Host())
	if len(devs) != 1 {
		t.Fatalf("host backend: got %d devices, want 1", len(devs))
	}
	q, err := Host().Open(devs[0])
	if err != nil {
		t.Fatalf("failed to open host queue: %v", err)
	}
	defer q.Close()
	if q.Device().Vendor != "host" {
		t.Errorf("unexpected device: %+v", q.Device())
	}
}

func TestAllocFreeCounting(t *testing.T) {
	mock := NewMockBackend()
	q, err := mock.Open(mock.Devices()[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	a, err := q.AllocFloat32(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	b, err := q.AllocInt32(16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got := mock.Live(); got != 2 {
		t.Errorf("live = %d, want 2", got)
	}

	q.Free(a)
	q.Free(b)
	if got := mock.Live(); got != 0 {
		t.Errorf("live after free = %d, want 0", got)
	}

	// Double free and nil free are no-ops.
	q.Free(a)
	q.Free(nil)
	if got := mock.FreeCount(); got != 2 {
		t.Errorf("free count = %d, want 2", got)
	}
}

func TestAllocFailureInjection(t *testing.T) {
	mock := NewMockBackend()
	mock.FailAllocsAfter = 1
	q, _ := mock.Open(mock.Devices()[0])

	if _, err := q.AllocFloat32(8); err != nil {
		t.Fatalf("first alloc should succeed: %v", err)
	}
	if _, err := q.AllocFloat32(8); !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("second alloc: got %v, want ErrAllocFailed", err)
	}
}

func TestAllocWithoutAspects(t *testing.T) {
	mock := NewMockBackend()
	mock.DeviceList = []Device{{Backend: "mock", Name: "no-usm", Class: ClassGPU}}
	q, _ := mock.Open(mock.DeviceList[0])

	if _, err := q.AllocFloat32(8); !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("alloc on device without allocation aspects: got %v, want ErrAllocFailed", err)
	}
	if got := mock.AllocCount(); got != 0 {
		t.Errorf("alloc count = %d, want 0", got)
	}
}

func TestSharedOnlyDeviceStillAllocates(t *testing.T) {
	mock := NewMockBackend()
	mock.DeviceList = []Device{{Backend: "mock", Name: "shared-only", Class: ClassGPU, Aspects: AspectSharedAlloc}}
	q, _ := mock.Open(mock.DeviceList[0])

	buf, err := q.AllocFloat32(8)
	if err != nil {
		t.Fatalf("shared-only alloc: %v", err)
	}
	if buf.Len() != 8 {
		t.Errorf("len = %d, want 8", buf.Len())
	}
}

func TestCopySizeMismatch(t *testing.T) {
	mock := NewMockBackend()
	q, _ := mock.Open(mock.Devices()[0])
	buf, _ := q.AllocFloat32(4)

	if err := q.UploadFloat32(buf, make([]float32, 5)); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("upload mismatch: got %v, want ErrSizeMismatch", err)
	}
	if err := q.DownloadFloat32(make([]float32, 3), buf); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("download mismatch: got %v, want ErrSizeMismatch", err)
	}
}

func TestCopyErrorInjection(t *testing.T) {
	mock := NewMockBackend()
	q, _ := mock.Open(mock.Devices()[0])
	buf, _ := q.AllocFloat32(4)
	src := []float32{1, 2, 3, 4}

	mock.SetCopyError(errors.New("bus fell over"))
	if err := q.UploadFloat32(buf, src); !errors.Is(err, ErrCopyFailed) {
		t.Fatalf("upload during injected failure: got %v, want ErrCopyFailed", err)
	}

	mock.SetCopyError(nil)
	if err := q.UploadFloat32(buf, src); err != nil {
		t.Fatalf("upload after clearing injection: %v", err)
	}
	got := make([]float32, 4)
	if err := q.DownloadFloat32(got, buf); err != nil {
		t.Fatalf("download: %v", err)
	}
	for i := range src {
		if got[i] != src[i] {
			t.Fatalf("round trip mismatch at %d: %v != %v", i, got[i], src[i])
		}
	}
}

func TestClosedQueueRejectsWork(t *testing.T) {
	mock := NewMockBackend()
	q, _ := mock.Open(mock.Devices()[0])
	buf, _ := q.AllocFloat32(4)
	q.Close()

	if _, err := q.AllocFloat32(4); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("alloc on closed queue: got %v", err)
	}
	if err := q.UploadFloat32(buf, make([]float32, 4)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("upload on closed queue: got %v", err)
	}
}
