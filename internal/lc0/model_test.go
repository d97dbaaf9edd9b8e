package lc0

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// Deterministic small-weight generator for synthetic networks.
type lcg uint64

func (s *lcg) next() float32 {
	*s = *s*6364136223846793005 + 1442695040888963407
	return float32(int32(*s>>40)&0xFF-128) / 256.0
}

func (s *lcg) fill(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = s.next()
	}
	return out
}

func makeConv(rng *lcg, inC, outC, k int) ConvWeights {
	return ConvWeights{
		InC: inC, OutC: outC, K: k,
		W: rng.fill(outC * inC * k * k),
		B: rng.fill(outC),
	}
}

func makeDense(rng *lcg, inD, outD int) DenseWeights {
	return DenseWeights{
		InD: inD, OutD: outD,
		W: rng.fill(outD * inD),
		B: rng.fill(outD),
	}
}

func makeSE(rng *lcg, channels, hidden int) SEWeights {
	return SEWeights{
		Channels: channels, Hidden: hidden,
		W1: rng.fill(hidden * channels),
		B1: rng.fill(hidden),
		W2: rng.fill(2 * channels * hidden),
		B2: rng.fill(2 * channels),
	}
}

// testModel builds a small valid network with the classical 112-plane
// input encoding. Blocks beyond the first get an SE unit when withSE
// is set.
func testModel(blocks int, withSE bool) *Model {
	rng := lcg(42)
	const (
		trunkC      = 4
		policyC     = 2
		valueC      = 2
		valueHidden = 4
	)
	m := &Model{
		InputC:       InputPlanes,
		TrunkC:       trunkC,
		Blocks:       blocks,
		PolicyC:      policyC,
		ValueC:       valueC,
		ValueHidden:  valueHidden,
		PolicyMapLen: 6,
		Input:        makeConv(&rng, InputPlanes, trunkC, 3),
		PolicyMap:    []int32{0, 64, 5, -1, 700, 1},
	}
	for i := 0; i < blocks; i++ {
		b := BlockWeights{
			Conv1: makeConv(&rng, trunkC, trunkC, 3),
			Conv2: makeConv(&rng, trunkC, trunkC, 3),
		}
		if withSE && i > 0 {
			b.HasSE = true
			b.SE = makeSE(&rng, trunkC, 3)
			if b.SE.Hidden > m.SEMaxHidden {
				m.SEMaxHidden = b.SE.Hidden
			}
		}
		m.Tower = append(m.Tower, b)
	}
	m.PolicyStem = makeConv(&rng, trunkC, trunkC, 3)
	m.PolicyOut = makeConv(&rng, trunkC, policyC, 1)
	m.ValueConv = makeConv(&rng, trunkC, valueC, 1)
	m.ValueFC1 = makeDense(&rng, valueC*64, valueHidden)
	m.ValueFC2 = makeDense(&rng, valueHidden, 3)
	m.recount()
	return m
}

// recount recomputes ParamCount the way the parser does.
func (m *Model) recount() {
	m.ParamCount = m.Input.Params()
	for i := range m.Tower {
		m.ParamCount += m.Tower[i].Conv1.Params() + m.Tower[i].Conv2.Params()
		if m.Tower[i].HasSE {
			m.ParamCount += m.Tower[i].SE.Params()
		}
	}
	m.ParamCount += m.PolicyStem.Params() + m.PolicyOut.Params() + m.ValueConv.Params()
	m.ParamCount += m.ValueFC1.Params() + m.ValueFC2.Params()
}

func encodeModel(t *testing.T, m *Model) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteModel(&buf, m); err != nil {
		t.Fatalf("failed to serialize model: %v", err)
	}
	return buf.Bytes()
}

func writeTempModel(t *testing.T, m *Model) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "net.bin")
	if err := os.WriteFile(path, encodeModel(t, m), 0o644); err != nil {
		t.Fatalf("failed to write model file: %v", err)
	}
	return path
}

// zeroModel builds the minimal identity scenario: no blocks, zero
// weights everywhere, a single policy slot mapped to plane index 0 and
// an adjustable policy-output bias.
func zeroModel(policyBias float32) *Model {
	zeroConv := func(inC, outC, k int) ConvWeights {
		return ConvWeights{InC: inC, OutC: outC, K: k,
			W: make([]float32, outC*inC*k*k), B: make([]float32, outC)}
	}
	zeroDense := func(inD, outD int) DenseWeights {
		return DenseWeights{InD: inD, OutD: outD,
			W: make([]float32, outD*inD), B: make([]float32, outD)}
	}
	m := &Model{
		InputC:       InputPlanes,
		TrunkC:       InputPlanes,
		Blocks:       0,
		PolicyC:      1,
		ValueC:       1,
		ValueHidden:  2,
		PolicyMapLen: 1,
		Input:        zeroConv(InputPlanes, InputPlanes, 3),
		PolicyStem:   zeroConv(InputPlanes, InputPlanes, 3),
		PolicyOut:    zeroConv(InputPlanes, 1, 1),
		ValueConv:    zeroConv(InputPlanes, 1, 1),
		ValueFC1:     zeroDense(64, 2),
		ValueFC2:     zeroDense(2, 3),
		PolicyMap:    []int32{0},
	}
	m.PolicyOut.B[0] = policyBias
	m.recount()
	return m
}
