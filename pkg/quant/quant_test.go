package quant

import (
	"math"
	"math/rand"
	"testing"
)

func TestInt8BlockRoundTripBound(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	values := make([]float32, 100)
	for i := range values {
		values[i] = (rng.Float32() - 0.5) * 2
	}
	s := Int8Block{BlockSize: 32}

	packed, err := s.Quantize(values)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	back := packed.Dequantize()
	if len(back) != len(values) {
		t.Fatalf("length mismatch: %d vs %d", len(back), len(values))
	}
	for i := range values {
		// Error is bounded by half a quantization step, i.e. absmax/254.
		if math.Abs(float64(values[i]-back[i])) > 1.0/127 {
			t.Fatalf("value %d: %v -> %v exceeds quantization error bound", i, values[i], back[i])
		}
	}
}

func TestApplyMatchesQuantize(t *testing.T) {
	values := []float32{0.5, -0.25, 0.1, 1.0, -1.0, 0.03}
	applied := append([]float32(nil), values...)
	s := Int8Block{BlockSize: 4}
	s.Apply(applied)

	packed, err := s.Quantize(values)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	back := packed.Dequantize()
	for i := range applied {
		if applied[i] != back[i] {
			t.Fatalf("Apply/Quantize disagree at %d: %v vs %v", i, applied[i], back[i])
		}
	}
}

func TestZeroBlock(t *testing.T) {
	values := make([]float32, 8)
	s := Int8Block{BlockSize: 8}
	s.Apply(values)
	for i, v := range values {
		if v != 0 {
			t.Fatalf("zero block changed at %d: %v", i, v)
		}
	}
	packed, err := s.Quantize(values)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if packed.Scales[0] != 0 {
		t.Fatalf("expected zero scale, got %v", packed.Scales[0])
	}
}

func TestDefaultBlockSize(t *testing.T) {
	s := Int8Block{}
	if s.Name() != "int8-block32" {
		t.Fatalf("unexpected name: %s", s.Name())
	}
}
