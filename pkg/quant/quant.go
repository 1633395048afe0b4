package quant

import (
	"fmt"
	"math"
)

// Scheme is a weight quantization scheme. Apply snaps values in place to
// the scheme's representable grid (the dequantized form stays float32 so
// downstream math is unchanged); Quantize produces the packed form for
// serialization.
type Scheme interface {
	Name() string
	Apply(values []float32)
	Quantize(values []float32) (Tensor, error)
}

// Tensor is a packed quantized tensor: one scale per block of BlockSize
// values, data stored as int8 codes.
type Tensor struct {
	BlockSize int
	Scales    []float32
	Data      []int8
}

// Dequantize expands the packed tensor back into float32 values.
func (t Tensor) Dequantize() []float32 {
	out := make([]float32, len(t.Data))
	for i, q := range t.Data {
		out[i] = float32(q) * t.Scales[i/t.BlockSize]
	}
	return out
}

// Int8Block quantizes per-block with an absmax scale to signed 8-bit
// codes in [-127, 127].
type Int8Block struct {
	BlockSize int
}

func (s Int8Block) Name() string { return fmt.Sprintf("int8-block%d", s.blockSize()) }

func (s Int8Block) blockSize() int {
	if s.BlockSize <= 0 {
		return 32
	}
	return s.BlockSize
}

// Apply replaces each value with its dequantized int8 representation.
func (s Int8Block) Apply(values []float32) {
	bs := s.blockSize()
	for start := 0; start < len(values); start += bs {
		end := min(start+bs, len(values))
		block := values[start:end]
		scale := blockScale(block)
		if scale == 0 {
			continue
		}
		for i, v := range block {
			q := roundClamp(v / scale)
			block[i] = float32(q) * scale
		}
	}
}

// Quantize packs values into int8 codes plus per-block scales.
func (s Int8Block) Quantize(values []float32) (Tensor, error) {
	bs := s.blockSize()
	nBlocks := (len(values) + bs - 1) / bs
	t := Tensor{
		BlockSize: bs,
		Scales:    make([]float32, nBlocks),
		Data:      make([]int8, len(values)),
	}
	for b := 0; b < nBlocks; b++ {
		start := b * bs
		end := min(start+bs, len(values))
		block := values[start:end]
		scale := blockScale(block)
		t.Scales[b] = scale
		if scale == 0 {
			continue
		}
		for i, v := range block {
			t.Data[start+i] = roundClamp(v / scale)
		}
	}
	return t, nil
}

func blockScale(block []float32) float32 {
	var absMax float32
	for _, v := range block {
		a := float32(math.Abs(float64(v)))
		if a > absMax {
			absMax = a
		}
	}
	return absMax / 127
}

func roundClamp(v float32) int8 {
	r := math.RoundToEven(float64(v))
	if r > 127 {
		r = 127
	}
	if r < -127 {
		r = -127
	}
	return int8(r)
}
