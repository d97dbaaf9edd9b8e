// Package lc0 implements the LC0J batch-size-1 evaluator: parsing the
// LC0J v1 weight format, uploading the network to a compute device and
// running single-position forward passes.
package lc0

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// LC0J v1 format constants.
const (
	FormatVersion = 1

	// InputPlanes is the classical LC0 input encoding used by the
	// callers of this evaluator: 112 planes of 64 squares.
	InputPlanes = 112

	boardSquares = 64
	wdlOutputs   = 3
)

var magic = [4]byte{'L', 'C', '0', 'J'}

var (
	ErrBadMagic   = errors.New("not an LC0J weight file")
	ErrBadVersion = errors.New("unsupported LC0J version")
)

// ConvWeights is a parsed convolution record: weights [outC][inC][k][k]
// plus a bias per output channel.
type ConvWeights struct {
	InC, OutC, K int
	W, B         []float32
}

// Params returns the parameter count of the layer.
func (c *ConvWeights) Params() int64 {
	return int64(len(c.W) + len(c.B))
}

// DenseWeights is a parsed fully-connected record: weights [outD][inD]
// plus a bias per output.
type DenseWeights struct {
	InD, OutD int
	W, B      []float32
}

func (d *DenseWeights) Params() int64 {
	return int64(len(d.W) + len(d.B))
}

// SEWeights is a parsed squeeze-excite record. W2/B2 have 2*Channels
// outputs: a multiplicative gate logit and an additive offset per channel.
type SEWeights struct {
	Channels, Hidden int
	W1, B1, W2, B2   []float32
}

func (s *SEWeights) Params() int64 {
	return int64(len(s.W1) + len(s.B1) + len(s.W2) + len(s.B2))
}

// BlockWeights is one residual block: two convolutions and an optional
// squeeze-excite unit.
type BlockWeights struct {
	Conv1, Conv2 ConvWeights
	HasSE        bool
	SE           SEWeights
}

// Model is a fully parsed and validated LC0J network, host-side only.
type Model struct {
	InputC, TrunkC, Blocks             int
	PolicyC, ValueC, ValueHidden       int
	PolicyMapLen                       int
	Input                              ConvWeights
	Tower                              []BlockWeights
	PolicyStem, PolicyOut, ValueConv   ConvWeights
	ValueFC1, ValueFC2                 DenseWeights
	PolicyMap                          []int32
	ParamCount                         int64
	SEMaxHidden                        int
}

func readI32(r io.Reader) (int32, error) {
	var v int32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func readFloatArray(r io.Reader) ([]float32, error) {
	n, err := readI32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read array length: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative array length %d", n)
	}
	out := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("failed to read %d floats: %w", n, err)
	}
	return out, nil
}

func readConv(r io.Reader) (ConvWeights, error) {
	var c ConvWeights
	inC, err := readI32(r)
	if err != nil {
		return c, fmt.Errorf("failed to read conv header: %w", err)
	}
	outC, err := readI32(r)
	if err != nil {
		return c, fmt.Errorf("failed to read conv header: %w", err)
	}
	k, err := readI32(r)
	if err != nil {
		return c, fmt.Errorf("failed to read conv header: %w", err)
	}
	if inC <= 0 || outC <= 0 || (k != 1 && k != 3) {
		return c, fmt.Errorf("invalid conv dimensions inC=%d outC=%d k=%d", inC, outC, k)
	}
	c.InC, c.OutC, c.K = int(inC), int(outC), int(k)
	if c.W, err = readFloatArray(r); err != nil {
		return c, fmt.Errorf("conv weights: %w", err)
	}
	if c.B, err = readFloatArray(r); err != nil {
		return c, fmt.Errorf("conv bias: %w", err)
	}
	if len(c.W) != c.OutC*c.InC*c.K*c.K {
		return c, fmt.Errorf("conv weight count %d does not match %dx%dx%dx%d",
			len(c.W), c.OutC, c.InC, c.K, c.K)
	}
	if len(c.B) != c.OutC {
		return c, fmt.Errorf("conv bias count %d does not match outC=%d", len(c.B), c.OutC)
	}
	return c, nil
}

func readDense(r io.Reader, expectedOut int) (DenseWeights, error) {
	var d DenseWeights
	inD, err := readI32(r)
	if err != nil {
		return d, fmt.Errorf("failed to read dense header: %w", err)
	}
	outD, err := readI32(r)
	if err != nil {
		return d, fmt.Errorf("failed to read dense header: %w", err)
	}
	if inD <= 0 || outD <= 0 || int(outD) != expectedOut {
		return d, fmt.Errorf("invalid dense dimensions inD=%d outD=%d (want outD=%d)", inD, outD, expectedOut)
	}
	d.InD, d.OutD = int(inD), int(outD)
	if d.W, err = readFloatArray(r); err != nil {
		return d, fmt.Errorf("dense weights: %w", err)
	}
	if d.B, err = readFloatArray(r); err != nil {
		return d, fmt.Errorf("dense bias: %w", err)
	}
	if len(d.W) != d.OutD*d.InD {
		return d, fmt.Errorf("dense weight count %d does not match %dx%d", len(d.W), d.OutD, d.InD)
	}
	if len(d.B) != d.OutD {
		return d, fmt.Errorf("dense bias count %d does not match outD=%d", len(d.B), d.OutD)
	}
	return d, nil
}

// readSE reads the SE-presence flag and, when set, the SE record.
// channels must equal the declared channel count of the preceding conv.
func readSE(r io.Reader, channels int) (SEWeights, bool, error) {
	var s SEWeights
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return s, false, fmt.Errorf("failed to read SE flag: %w", err)
	}
	if flag[0] == 0 {
		return s, false, nil
	}
	hidden, err := readI32(r)
	if err != nil {
		return s, false, fmt.Errorf("failed to read SE header: %w", err)
	}
	declared, err := readI32(r)
	if err != nil {
		return s, false, fmt.Errorf("failed to read SE header: %w", err)
	}
	if int(declared) != channels {
		return s, false, fmt.Errorf("SE channel count %d does not match conv outC=%d", declared, channels)
	}
	s.Channels = channels
	s.Hidden = int(hidden)
	if s.W1, err = readFloatArray(r); err != nil {
		return s, false, fmt.Errorf("SE w1: %w", err)
	}
	if s.B1, err = readFloatArray(r); err != nil {
		return s, false, fmt.Errorf("SE b1: %w", err)
	}
	if s.W2, err = readFloatArray(r); err != nil {
		return s, false, fmt.Errorf("SE w2: %w", err)
	}
	if s.B2, err = readFloatArray(r); err != nil {
		return s, false, fmt.Errorf("SE b2: %w", err)
	}
	if len(s.W1) != s.Hidden*channels || len(s.B1) != s.Hidden {
		return s, false, fmt.Errorf("SE fc1 shape mismatch (hidden=%d channels=%d)", s.Hidden, channels)
	}
	if len(s.W2) != 2*channels*s.Hidden || len(s.B2) != 2*channels {
		return s, false, fmt.Errorf("SE fc2 shape mismatch (hidden=%d channels=%d)", s.Hidden, channels)
	}
	return s, true, nil
}

// ParseModel reads and validates a complete LC0J v1 stream. Any short
// read, negative length, shape mismatch or trailing byte fails the
// whole parse; no partial model is returned.
func ParseModel(r io.Reader) (*Model, error) {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if got != magic {
		return nil, ErrBadMagic
	}
	version, err := readI32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	var hdr [8]int32
	for i := range hdr {
		if hdr[i], err = readI32(r); err != nil {
			return nil, fmt.Errorf("failed to read header field %d: %w", i, err)
		}
	}
	m := &Model{
		InputC:       int(hdr[0]),
		TrunkC:       int(hdr[1]),
		Blocks:       int(hdr[2]),
		PolicyC:      int(hdr[3]),
		ValueC:       int(hdr[4]),
		ValueHidden:  int(hdr[5]),
		PolicyMapLen: int(hdr[6]),
	}
	if hdr[7] != wdlOutputs {
		return nil, fmt.Errorf("wdlOutputs must be 3, got %d", hdr[7])
	}

	if m.Input, err = readConv(r); err != nil {
		return nil, fmt.Errorf("input conv: %w", err)
	}
	m.ParamCount += m.Input.Params()

	m.Tower = make([]BlockWeights, m.Blocks)
	for i := 0; i < m.Blocks; i++ {
		b := &m.Tower[i]
		if b.Conv1, err = readConv(r); err != nil {
			return nil, fmt.Errorf("block %d conv1: %w", i, err)
		}
		if b.Conv2, err = readConv(r); err != nil {
			return nil, fmt.Errorf("block %d conv2: %w", i, err)
		}
		m.ParamCount += b.Conv1.Params() + b.Conv2.Params()
		if b.SE, b.HasSE, err = readSE(r, b.Conv2.OutC); err != nil {
			return nil, fmt.Errorf("block %d SE: %w", i, err)
		}
		if b.HasSE {
			m.ParamCount += b.SE.Params()
			if b.SE.Hidden > m.SEMaxHidden {
				m.SEMaxHidden = b.SE.Hidden
			}
		}
	}

	if m.PolicyStem, err = readConv(r); err != nil {
		return nil, fmt.Errorf("policy stem conv: %w", err)
	}
	if m.PolicyOut, err = readConv(r); err != nil {
		return nil, fmt.Errorf("policy output conv: %w", err)
	}
	if m.ValueConv, err = readConv(r); err != nil {
		return nil, fmt.Errorf("value conv: %w", err)
	}
	if m.PolicyOut.OutC != m.PolicyC {
		return nil, fmt.Errorf("policy output channels %d do not match header policyC=%d", m.PolicyOut.OutC, m.PolicyC)
	}
	if m.ValueConv.OutC != m.ValueC {
		return nil, fmt.Errorf("value conv channels %d do not match header valueC=%d", m.ValueConv.OutC, m.ValueC)
	}
	m.ParamCount += m.PolicyStem.Params() + m.PolicyOut.Params() + m.ValueConv.Params()

	if m.ValueFC1, err = readDense(r, m.ValueHidden); err != nil {
		return nil, fmt.Errorf("value fc1: %w", err)
	}
	if m.ValueFC2, err = readDense(r, wdlOutputs); err != nil {
		return nil, fmt.Errorf("value fc2: %w", err)
	}
	m.ParamCount += m.ValueFC1.Params() + m.ValueFC2.Params()

	mapEntries, err := readI32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy map length: %w", err)
	}
	if int(mapEntries) != m.PolicyMapLen {
		return nil, fmt.Errorf("policy map entries %d do not match header policyMapLen=%d", mapEntries, m.PolicyMapLen)
	}
	m.PolicyMap = make([]int32, mapEntries)
	if err := binary.Read(r, binary.LittleEndian, m.PolicyMap); err != nil {
		return nil, fmt.Errorf("failed to read policy map: %w", err)
	}

	// The format is exact: anything after the policy map is an error.
	var trailing [1]byte
	if _, err := io.ReadFull(r, trailing[:]); err != io.EOF {
		return nil, errors.New("trailing bytes after policy map")
	}
	return m, nil
}

// OpenModel parses a weight file from disk. Gzip-compressed files
// (.bin.gz) are decompressed transparently; the format checks,
// including trailing-byte detection, apply to the decompressed stream.
func OpenModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var r io.Reader = br
	if head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return ParseModel(r)
}
