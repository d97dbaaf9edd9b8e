package lc0

import (
	"errors"
	"fmt"
	"math"

	"github.com/hailam/lc0go/internal/device"
)

var (
	ErrClosed      = errors.New("network is closed")
	ErrInputLength = errors.New("encoded input has wrong length")
	ErrOutputSize  = errors.New("output buffer has wrong length")
)

func launchConv(q *device.Queue, l *convLayer, in, out *device.Buffer) {
	if l.k == 3 {
		device.Conv3x3(q, in, l.w, l.inC, l.outC, out)
	} else {
		device.Conv1x1(q, in, l.w, l.inC, l.outC, out)
	}
}

// Evaluate runs one forward pass. policyOut must have length
// PolicySize() and wdlOut length 3. On success it fills both and
// returns win minus loss; on any failure the outputs are left untouched
// and the network remains usable for subsequent calls.
func (n *Net) Evaluate(encoded, policyOut, wdlOut []float32) (float32, error) {
	if n == nil || n.closed {
		return 0, ErrClosed
	}
	if len(encoded) != n.inputC*boardSquares {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrInputLength, len(encoded), n.inputC*boardSquares)
	}
	if len(policyOut) != n.policySize {
		return 0, fmt.Errorf("%w: policy got %d, want %d", ErrOutputSize, len(policyOut), n.policySize)
	}
	if len(wdlOut) != wdlOutputs {
		return 0, fmt.Errorf("%w: wdl got %d, want %d", ErrOutputSize, len(wdlOut), wdlOutputs)
	}

	q := n.q
	if err := q.UploadFloat32(n.ws.in, encoded); err != nil {
		return 0, fmt.Errorf("input upload: %w", err)
	}

	// Input stem.
	cur, next := n.ws.cur, n.ws.next
	launchConv(q, &n.input, n.ws.in, cur)
	device.BiasReLU(q, cur, n.input.b, n.input.outC)

	// Residual tower. cur holds the running trunk activation; each
	// block writes into next and the two swap roles.
	for i := range n.tower {
		b := &n.tower[i]
		launchConv(q, &b.conv1, cur, n.ws.tmp)
		device.BiasReLU(q, n.ws.tmp, b.conv1.b, b.conv1.outC)

		launchConv(q, &b.conv2, n.ws.tmp, n.ws.scratch)
		if !b.hasSE {
			device.ResidualReLU(q, n.ws.scratch, b.conv2.b, cur, b.conv2.outC, next)
		} else {
			device.SEPool(q, n.ws.scratch, b.conv2.b, b.conv2.outC, n.ws.sePooled)
			device.SEFC1(q, n.ws.sePooled, b.se.w1, b.se.b1, b.conv2.outC, b.se.hidden, n.ws.seHidden)
			device.SEFC2(q, n.ws.seHidden, b.se.w2, b.se.b2, b.se.hidden, 2*b.conv2.outC, n.ws.seGates)
			device.SEApply(q, n.ws.scratch, b.conv2.b, cur, n.ws.seGates, b.conv2.outC, next)
		}
		cur, next = next, cur
	}

	// Policy head.
	launchConv(q, &n.policyStem, cur, n.ws.policyHidden)
	device.BiasReLU(q, n.ws.policyHidden, n.policyStem.b, n.policyStem.outC)
	launchConv(q, &n.policyOut, n.ws.policyHidden, n.ws.policyPlanes)
	device.Bias(q, n.ws.policyPlanes, n.policyOut.b, n.policyOut.outC)
	device.PolicyGather(q, n.ws.policyPlanes, n.policyOut.outC*boardSquares, n.policyMap, n.policySize, n.ws.policyMapped)
	if err := q.DownloadFloat32(n.policyHost, n.ws.policyMapped); err != nil {
		return 0, fmt.Errorf("policy download: %w", err)
	}

	// Value head.
	launchConv(q, &n.valueConv, cur, n.ws.valueInput)
	device.BiasReLU(q, n.ws.valueInput, n.valueConv.b, n.valueConv.outC)
	device.Dense(q, n.ws.valueInput, n.valueFC1.w, n.valueFC1.b, n.valueFC1.inD, n.valueFC1.outD, true, n.ws.fc1)
	device.Dense(q, n.ws.fc1, n.valueFC2.w, n.valueFC2.b, n.valueFC2.inD, n.valueFC2.outD, false, n.ws.logits)
	if err := q.DownloadFloat32(n.logitsHost[:], n.ws.logits); err != nil {
		return 0, fmt.Errorf("logits download: %w", err)
	}

	w, d, l := softmax3(n.logitsHost)

	// Everything succeeded; only now touch the caller's buffers.
	copy(policyOut, n.policyHost)
	wdlOut[0], wdlOut[1], wdlOut[2] = w, d, l
	return w - l, nil
}

// softmax3 is the numerically stable host-side softmax over the three
// value-head logits.
func softmax3(logits [3]float32) (w, d, l float32) {
	m := logits[0]
	if logits[1] > m {
		m = logits[1]
	}
	if logits[2] > m {
		m = logits[2]
	}
	e0 := float32(math.Exp(float64(logits[0] - m)))
	e1 := float32(math.Exp(float64(logits[1] - m)))
	e2 := float32(math.Exp(float64(logits[2] - m)))
	s := e0 + e1 + e2
	if s <= 0 {
		return 0, 0, 0
	}
	return e0 / s, e1 / s, e2 / s
}
