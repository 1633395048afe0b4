package ckpt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/winnow/internal/model"
)

func testConfig() model.Config {
	return model.Config{
		ModelType:        "llama",
		HiddenSize:       8,
		IntermediateSize: 16,
		NumHiddenLayers:  2,
		NumHeads:         2,
		VocabSize:        16,
		NormEps:          1e-5,
		RopeTheta:        10000,
		UseCache:         true,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.winnow")
	orig := model.NewRandom(testConfig(), 11)
	orig.Layers[0].AttnNorm[3] = 0.5
	orig.OutputNorm[1] = 2

	if err := Save(path, orig); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.Config != orig.Config {
		t.Fatalf("config = %+v, want %+v", got.Config, orig.Config)
	}
	wantRefs := modelTensors(orig)
	gotRefs := modelTensors(got)
	for i := range wantRefs {
		w, g := wantRefs[i], gotRefs[i]
		if w.name != g.name || len(w.data) != len(g.data) {
			t.Fatalf("tensor %d: %q/%d vs %q/%d", i, w.name, len(w.data), g.name, len(g.data))
		}
		for j := range w.data {
			if w.data[j] != g.data[j] {
				t.Fatalf("tensor %q differs at %d: %v vs %v", w.name, j, w.data[j], g.data[j])
			}
		}
	}
}

func TestModelSurvivesClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.winnow")
	orig := model.NewRandom(testConfig(), 3)
	if err := Save(path, orig); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := f.Model()
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got.Embeddings.Data[0] != orig.Embeddings.Data[0] {
		t.Fatal("weights unreadable after Close")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	if err := os.WriteFile(path, []byte("GGUFxxxxxxxxxxxx"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.winnow")
	if err := Save(path, model.NewRandom(testConfig(), 5)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-16], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("err = %v, want ErrCorruptFile", err)
	}
}

func TestOpenRejectsTinyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny")
	if err := os.WriteFile(path, []byte("WN"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("err = %v, want ErrCorruptFile", err)
	}
}

func TestModelRejectsMismatchedShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.winnow")
	if err := Save(path, model.NewRandom(testConfig(), 5)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	// A config claiming a wider model must not match the stored tensors.
	f.hdr.Config.HiddenSize = 16
	if _, err := f.Model(); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("err = %v, want ErrCorruptFile", err)
	}
}
