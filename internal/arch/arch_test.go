package arch

import (
	"errors"
	"testing"

	"github.com/samcharles93/winnow/internal/calib"
	"github.com/samcharles93/winnow/internal/compress"
	"github.com/samcharles93/winnow/internal/device"
	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/model"
	"github.com/samcharles93/winnow/internal/solver"
)

func archModel(modelType string) *model.Model {
	return model.NewRandom(model.Config{
		ModelType:        modelType,
		HiddenSize:       8,
		IntermediateSize: 16,
		NumHiddenLayers:  2,
		NumHeads:         2,
		VocabSize:        16,
		NormEps:          1e-5,
		UseCache:         true,
	}, 3)
}

type countingSolver struct {
	calls int
	names []string
}

func (s *countingSolver) Compress(targets []solver.Target, p solver.Params) error {
	s.calls++
	for _, t := range targets {
		s.names = append(s.names, t.Name)
	}
	return nil
}

func TestForModelSelection(t *testing.T) {
	tests := []struct {
		modelType string
		wantName  string
		wantHead  bool
		wantError bool
	}{
		{modelType: "llama", wantName: "llama", wantHead: false},
		{modelType: "mistral", wantName: "llama", wantHead: false},
		{modelType: "qwen2", wantName: "llama", wantHead: false},
		{modelType: "opt", wantName: "opt", wantHead: true},
		{modelType: "mamba", wantError: true},
	}
	for _, tt := range tests {
		m := archModel(tt.modelType)
		family, err := ForModel(m, compress.Args{}, &countingSolver{}, logger.Discard())
		if tt.wantError {
			if err == nil {
				t.Fatalf("%s: expected error", tt.modelType)
			}
			var cfgErr *compress.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("%s: expected ConfigError, got %v", tt.modelType, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.modelType, err)
		}
		if family.Name() != tt.wantName {
			t.Fatalf("%s: family %q, want %q", tt.modelType, family.Name(), tt.wantName)
		}
		if (family.Head() != nil) != tt.wantHead {
			t.Fatalf("%s: head presence = %v, want %v", tt.modelType, family.Head() != nil, tt.wantHead)
		}
		if family.Bottom() == nil {
			t.Fatalf("%s: missing bottom compressor", tt.modelType)
		}
	}
}

func TestBottomSeedsState(t *testing.T) {
	m := archModel("llama")
	bottom := &embeddingCompressor{m: m, args: compress.Args{}, log: logger.Discard()}

	loader := calib.NewSliceLoader(
		calib.Batch{Tokens: []int{1, 2, 3, 4}},
		calib.Batch{Tokens: []int{5, 6, 7, 8}},
	)
	upd, err := bottom.Compress(device.CPU, nil, "", loader)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(upd.Outputs) != 2 {
		t.Fatalf("outputs for %d batches, want 2", len(upd.Outputs))
	}
	for b, out := range upd.Outputs {
		if out.R != 4 || out.C != m.Config.HiddenSize {
			t.Fatalf("batch %d output shape %dx%d", b, out.R, out.C)
		}
	}
	if upd.AttentionMask == nil || upd.AttentionMask.R != 4 {
		t.Fatal("missing or misshaped attention mask")
	}
	if upd.UseCache == nil || !*upd.UseCache {
		t.Fatal("pre-compression use_cache flag not captured")
	}
	if m.Config.UseCache {
		t.Fatal("use_cache not disabled for calibration")
	}
}

func TestBottomRejectsUnevenBatches(t *testing.T) {
	m := archModel("llama")
	bottom := &embeddingCompressor{m: m, args: compress.Args{}, log: logger.Discard()}
	loader := calib.NewSliceLoader(
		calib.Batch{Tokens: []int{1, 2, 3}},
		calib.Batch{Tokens: []int{4, 5}},
	)
	if _, err := bottom.Compress(device.CPU, nil, "", loader); err == nil {
		t.Fatal("expected error for uneven batch lengths")
	}
}

func TestBottomRejectsEmptyLoader(t *testing.T) {
	m := archModel("llama")
	bottom := &embeddingCompressor{m: m, args: compress.Args{}, log: logger.Discard()}
	if _, err := bottom.Compress(device.CPU, nil, "", calib.NewSliceLoader()); err == nil {
		t.Fatal("expected error for empty calibration data")
	}
}

func TestBottomLayerPrefixHint(t *testing.T) {
	m := archModel("llama")
	bottom := &embeddingCompressor{m: m, args: compress.Args{}, log: logger.Discard()}
	loader := calib.NewSliceLoader(calib.Batch{Tokens: []int{1, 2}})
	if _, err := bottom.Compress(device.CPU, nil, "decoder.", loader); err == nil {
		t.Fatal("expected error for mismatched layer prefix")
	}
}

func TestBottomQuantizesEmbeddingWhenSelected(t *testing.T) {
	m := archModel("llama")
	before := m.Embeddings.Clone()
	bottom := &embeddingCompressor{m: m, args: compress.Args{Quantize: true}, log: logger.Discard()}
	loader := calib.NewSliceLoader(calib.Batch{Tokens: []int{1, 2}})
	if _, err := bottom.Compress(device.CPU, []string{embeddingModuleID}, "", loader); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	changed := false
	for i := range before.Data {
		if before.Data[i] != m.Embeddings.Data[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("embedding unchanged by quantization")
	}

	// Deselected target must be left alone.
	m2 := archModel("llama")
	before2 := m2.Embeddings.Clone()
	bottom2 := &embeddingCompressor{m: m2, args: compress.Args{Quantize: true}, log: logger.Discard()}
	loader2 := calib.NewSliceLoader(calib.Batch{Tokens: []int{1, 2}})
	if _, err := bottom2.Compress(device.CPU, []string{"other_module"}, "", loader2); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	for i := range before2.Data {
		if before2.Data[i] != m2.Embeddings.Data[i] {
			t.Fatal("deselected embedding was modified")
		}
	}
}

func TestHeadCompressesLMHead(t *testing.T) {
	m := archModel("opt")
	cs := &countingSolver{}
	head := &headCompressor{m: m, args: compress.Args{Sparsity: 0.5}, solver: cs, log: logger.Discard()}

	bottom := &embeddingCompressor{m: m, args: compress.Args{}, log: logger.Discard()}
	loader := calib.NewSliceLoader(calib.Batch{Tokens: []int{1, 2, 3}})
	upd, err := bottom.Compress(device.CPU, nil, "", loader)
	if err != nil {
		t.Fatalf("bottom: %v", err)
	}
	st := &compress.State{Outputs: upd.Outputs, AttentionMask: upd.AttentionMask}

	if _, err := head.Compress(device.CPU, st); err != nil {
		t.Fatalf("head: %v", err)
	}
	if cs.calls != 1 || len(cs.names) != 1 || cs.names[0] != "lm_head" {
		t.Fatalf("head solver calls = %d %v, want one lm_head call", cs.calls, cs.names)
	}
}

func TestHeadRequiresOutputs(t *testing.T) {
	m := archModel("opt")
	head := &headCompressor{m: m, args: compress.Args{}, solver: &countingSolver{}, log: logger.Discard()}
	_, err := head.Compress(device.CPU, &compress.State{})
	var stateErr *compress.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError, got %v", err)
	}
}
