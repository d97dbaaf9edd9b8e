package lc0

import (
	"encoding/binary"
	"fmt"
	"io"
)

func writeI32(w io.Writer, v int) error {
	return binary.Write(w, binary.LittleEndian, int32(v))
}

func writeFloatArray(w io.Writer, a []float32) error {
	if err := writeI32(w, len(a)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, a)
}

func writeConv(w io.Writer, c ConvWeights) error {
	if err := writeI32(w, c.InC); err != nil {
		return err
	}
	if err := writeI32(w, c.OutC); err != nil {
		return err
	}
	if err := writeI32(w, c.K); err != nil {
		return err
	}
	if err := writeFloatArray(w, c.W); err != nil {
		return err
	}
	return writeFloatArray(w, c.B)
}

func writeDense(w io.Writer, d DenseWeights) error {
	if err := writeI32(w, d.InD); err != nil {
		return err
	}
	if err := writeI32(w, d.OutD); err != nil {
		return err
	}
	if err := writeFloatArray(w, d.W); err != nil {
		return err
	}
	return writeFloatArray(w, d.B)
}

// WriteModel serializes a model in LC0J v1 layout. It is the inverse
// of ParseModel and is used by tooling and tests to produce weight
// files; it trusts the model's declared shapes.
func WriteModel(w io.Writer, m *Model) error {
	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("failed to write magic: %w", err)
	}
	if err := writeI32(w, FormatVersion); err != nil {
		return err
	}
	for _, v := range []int{m.InputC, m.TrunkC, m.Blocks, m.PolicyC, m.ValueC, m.ValueHidden, m.PolicyMapLen, wdlOutputs} {
		if err := writeI32(w, v); err != nil {
			return err
		}
	}
	if err := writeConv(w, m.Input); err != nil {
		return fmt.Errorf("input conv: %w", err)
	}
	for i := range m.Tower {
		b := &m.Tower[i]
		if err := writeConv(w, b.Conv1); err != nil {
			return fmt.Errorf("block %d conv1: %w", i, err)
		}
		if err := writeConv(w, b.Conv2); err != nil {
			return fmt.Errorf("block %d conv2: %w", i, err)
		}
		flag := []byte{0}
		if b.HasSE {
			flag[0] = 1
		}
		if _, err := w.Write(flag); err != nil {
			return err
		}
		if b.HasSE {
			if err := writeI32(w, b.SE.Hidden); err != nil {
				return err
			}
			if err := writeI32(w, b.SE.Channels); err != nil {
				return err
			}
			for _, a := range [][]float32{b.SE.W1, b.SE.B1, b.SE.W2, b.SE.B2} {
				if err := writeFloatArray(w, a); err != nil {
					return err
				}
			}
		}
	}
	if err := writeConv(w, m.PolicyStem); err != nil {
		return fmt.Errorf("policy stem: %w", err)
	}
	if err := writeConv(w, m.PolicyOut); err != nil {
		return fmt.Errorf("policy output: %w", err)
	}
	if err := writeConv(w, m.ValueConv); err != nil {
		return fmt.Errorf("value conv: %w", err)
	}
	if err := writeDense(w, m.ValueFC1); err != nil {
		return fmt.Errorf("value fc1: %w", err)
	}
	if err := writeDense(w, m.ValueFC2); err != nil {
		return fmt.Errorf("value fc2: %w", err)
	}
	if err := writeI32(w, len(m.PolicyMap)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, m.PolicyMap)
}
