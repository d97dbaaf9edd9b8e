package lc0

import (
	"fmt"

	"github.com/hailam/lc0go/internal/device"
)

// Options configures device selection for LoadNet. A nil Backend uses
// the built-in host backend; Filter narrows the candidate devices.
type Options struct {
	Backend device.Backend
	Filter  device.Filter
}

type convLayer struct {
	inC, outC, k int
	w, b         *device.Buffer
}

type denseLayer struct {
	inD, outD int
	w, b      *device.Buffer
}

type seUnit struct {
	channels, hidden int
	w1, b1, w2, b2   *device.Buffer
}

type residualBlock struct {
	conv1, conv2 convLayer
	hasSE        bool
	se           seUnit
}

// workspace is the fixed set of reusable device buffers, sized once at
// load time and overwritten on every evaluation.
type workspace struct {
	in           *device.Buffer // [inputC*64]
	cur          *device.Buffer // [trunkC*64]
	next         *device.Buffer // [trunkC*64]
	tmp          *device.Buffer // [trunkC*64]
	scratch      *device.Buffer // [trunkC*64]
	policyHidden *device.Buffer // [trunkC*64]
	policyPlanes *device.Buffer // [policyC*64]
	valueInput   *device.Buffer // [valueC*64]
	fc1          *device.Buffer // [valueHidden]
	logits       *device.Buffer // [3]
	sePooled     *device.Buffer // [trunkC]
	seHidden     *device.Buffer // [max SE hidden]
	seGates      *device.Buffer // [2*trunkC]
	policyMapped *device.Buffer // [policySize]
}

// Net is a loaded network with all weights resident on one device.
// A Net is immutable once loaded except for its workspace buffers, so a
// single instance must not be evaluated from multiple goroutines;
// independent instances are fully isolated.
type Net struct {
	q *device.Queue

	inputC, trunkC, blocks       int
	policyC, valueC, valueHidden int
	policySize                   int
	paramCount                   int64
	seMaxHidden                  int

	input      convLayer
	tower      []residualBlock
	policyStem convLayer
	policyOut  convLayer
	valueConv  convLayer
	valueFC1   denseLayer
	valueFC2   denseLayer
	policyMap  *device.Buffer

	ws workspace

	// Host staging, so caller buffers are only written on success.
	policyHost []float32
	logitsHost [wdlOutputs]float32

	closed bool
}

// Info is the summary metadata of a loaded network.
type Info struct {
	InputC, TrunkC, Blocks int
	PolicyC, ValueC        int
	PolicySize             int
	ParamCount             int64
}

// LoadNet loads, validates and uploads a weight file. Device presence
// is checked before the file is touched. Construction is atomic: on any
// failure everything allocated so far is released and an error returned.
func LoadNet(path string, opts Options) (*Net, error) {
	backend := opts.Backend
	if backend == nil {
		backend = device.Host()
	}
	devices := device.Enumerate(opts.Filter, backend)
	if len(devices) == 0 {
		return nil, device.ErrNoDevice
	}
	q, err := backend.Open(devices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to open device queue: %w", err)
	}

	m, err := OpenModel(path)
	if err != nil {
		q.Close()
		return nil, err
	}
	if m.InputC != InputPlanes {
		q.Close()
		return nil, fmt.Errorf("unsupported input encoding: %d planes, want %d", m.InputC, InputPlanes)
	}

	n := &Net{
		q:           q,
		inputC:      m.InputC,
		trunkC:      m.TrunkC,
		blocks:      m.Blocks,
		policyC:     m.PolicyC,
		valueC:      m.ValueC,
		valueHidden: m.ValueHidden,
		policySize:  m.PolicyMapLen,
		paramCount:  m.ParamCount,
		seMaxHidden: m.SEMaxHidden,
		policyHost:  make([]float32, m.PolicyMapLen),
	}
	if err := n.upload(m); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Net) uploadArray(dst **device.Buffer, src []float32) error {
	buf, err := n.q.AllocFloat32(len(src))
	if err != nil {
		return err
	}
	*dst = buf
	return n.q.UploadFloat32(buf, src)
}

func (n *Net) uploadConv(dst *convLayer, src ConvWeights) error {
	dst.inC, dst.outC, dst.k = src.InC, src.OutC, src.K
	if err := n.uploadArray(&dst.w, src.W); err != nil {
		return fmt.Errorf("conv weights: %w", err)
	}
	if err := n.uploadArray(&dst.b, src.B); err != nil {
		return fmt.Errorf("conv bias: %w", err)
	}
	return nil
}

func (n *Net) uploadDense(dst *denseLayer, src DenseWeights) error {
	dst.inD, dst.outD = src.InD, src.OutD
	if err := n.uploadArray(&dst.w, src.W); err != nil {
		return fmt.Errorf("dense weights: %w", err)
	}
	if err := n.uploadArray(&dst.b, src.B); err != nil {
		return fmt.Errorf("dense bias: %w", err)
	}
	return nil
}

func (n *Net) uploadSE(dst *seUnit, src SEWeights) error {
	dst.channels, dst.hidden = src.Channels, src.Hidden
	if err := n.uploadArray(&dst.w1, src.W1); err != nil {
		return fmt.Errorf("SE w1: %w", err)
	}
	if err := n.uploadArray(&dst.b1, src.B1); err != nil {
		return fmt.Errorf("SE b1: %w", err)
	}
	if err := n.uploadArray(&dst.w2, src.W2); err != nil {
		return fmt.Errorf("SE w2: %w", err)
	}
	if err := n.uploadArray(&dst.b2, src.B2); err != nil {
		return fmt.Errorf("SE b2: %w", err)
	}
	return nil
}

func (n *Net) upload(m *Model) error {
	if err := n.uploadConv(&n.input, m.Input); err != nil {
		return fmt.Errorf("input conv: %w", err)
	}
	n.tower = make([]residualBlock, m.Blocks)
	for i := range m.Tower {
		b := &n.tower[i]
		if err := n.uploadConv(&b.conv1, m.Tower[i].Conv1); err != nil {
			return fmt.Errorf("block %d conv1: %w", i, err)
		}
		if err := n.uploadConv(&b.conv2, m.Tower[i].Conv2); err != nil {
			return fmt.Errorf("block %d conv2: %w", i, err)
		}
		if m.Tower[i].HasSE {
			b.hasSE = true
			if err := n.uploadSE(&b.se, m.Tower[i].SE); err != nil {
				return fmt.Errorf("block %d SE: %w", i, err)
			}
		}
	}
	if err := n.uploadConv(&n.policyStem, m.PolicyStem); err != nil {
		return fmt.Errorf("policy stem: %w", err)
	}
	if err := n.uploadConv(&n.policyOut, m.PolicyOut); err != nil {
		return fmt.Errorf("policy output: %w", err)
	}
	if err := n.uploadConv(&n.valueConv, m.ValueConv); err != nil {
		return fmt.Errorf("value conv: %w", err)
	}
	if err := n.uploadDense(&n.valueFC1, m.ValueFC1); err != nil {
		return fmt.Errorf("value fc1: %w", err)
	}
	if err := n.uploadDense(&n.valueFC2, m.ValueFC2); err != nil {
		return fmt.Errorf("value fc2: %w", err)
	}

	pm, err := n.q.AllocInt32(len(m.PolicyMap))
	if err != nil {
		return fmt.Errorf("policy map: %w", err)
	}
	n.policyMap = pm
	if err := n.q.UploadInt32(pm, m.PolicyMap); err != nil {
		return fmt.Errorf("policy map: %w", err)
	}

	return n.allocWorkspace()
}

func (n *Net) allocWorkspace() error {
	seHidden := n.seMaxHidden
	if seHidden < 1 {
		seHidden = 1
	}
	allocs := []struct {
		dst   **device.Buffer
		elems int
	}{
		{&n.ws.in, n.inputC * boardSquares},
		{&n.ws.cur, n.trunkC * boardSquares},
		{&n.ws.next, n.trunkC * boardSquares},
		{&n.ws.tmp, n.trunkC * boardSquares},
		{&n.ws.scratch, n.trunkC * boardSquares},
		{&n.ws.policyHidden, n.trunkC * boardSquares},
		{&n.ws.policyPlanes, n.policyC * boardSquares},
		{&n.ws.valueInput, n.valueC * boardSquares},
		{&n.ws.fc1, n.valueHidden},
		{&n.ws.logits, wdlOutputs},
		{&n.ws.sePooled, n.trunkC},
		{&n.ws.seHidden, seHidden},
		{&n.ws.seGates, 2 * n.trunkC},
		{&n.ws.policyMapped, n.policySize},
	}
	for _, a := range allocs {
		buf, err := n.q.AllocFloat32(a.elems)
		if err != nil {
			return fmt.Errorf("workspace: %w", err)
		}
		*a.dst = buf
	}
	return nil
}

// Close releases every device allocation exactly once and closes the
// queue. Safe on a nil receiver and on repeated calls.
func (n *Net) Close() {
	if n == nil || n.closed {
		return
	}
	n.closed = true

	freeConv := func(c *convLayer) {
		n.q.Free(c.w)
		n.q.Free(c.b)
	}
	freeConv(&n.input)
	for i := range n.tower {
		b := &n.tower[i]
		freeConv(&b.conv1)
		freeConv(&b.conv2)
		if b.hasSE {
			n.q.Free(b.se.w1)
			n.q.Free(b.se.b1)
			n.q.Free(b.se.w2)
			n.q.Free(b.se.b2)
		}
	}
	freeConv(&n.policyStem)
	freeConv(&n.policyOut)
	freeConv(&n.valueConv)
	n.q.Free(n.valueFC1.w)
	n.q.Free(n.valueFC1.b)
	n.q.Free(n.valueFC2.w)
	n.q.Free(n.valueFC2.b)
	n.q.Free(n.policyMap)

	n.q.Free(n.ws.in)
	n.q.Free(n.ws.cur)
	n.q.Free(n.ws.next)
	n.q.Free(n.ws.tmp)
	n.q.Free(n.ws.scratch)
	n.q.Free(n.ws.policyHidden)
	n.q.Free(n.ws.policyPlanes)
	n.q.Free(n.ws.valueInput)
	n.q.Free(n.ws.fc1)
	n.q.Free(n.ws.logits)
	n.q.Free(n.ws.sePooled)
	n.q.Free(n.ws.seHidden)
	n.q.Free(n.ws.seGates)
	n.q.Free(n.ws.policyMapped)

	n.q.Close()
}

// Info returns the loaded network's summary metadata.
func (n *Net) Info() Info {
	return Info{
		InputC:     n.inputC,
		TrunkC:     n.trunkC,
		Blocks:     n.blocks,
		PolicyC:    n.policyC,
		ValueC:     n.valueC,
		PolicySize: n.policySize,
		ParamCount: n.paramCount,
	}
}

// PolicySize returns the dense policy vector length.
func (n *Net) PolicySize() int { return n.policySize }

// InputSize returns the expected encoded input length (inputC*64).
func (n *Net) InputSize() int { return n.inputC * boardSquares }
