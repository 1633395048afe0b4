package distill

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/winnow/internal/model"
)

func distillModel(hidden int, seed int64) *model.Model {
	return model.NewRandom(model.Config{
		ModelType:        "llama",
		HiddenSize:       hidden,
		IntermediateSize: 2 * hidden,
		NumHiddenLayers:  2,
		NumHeads:         2,
		VocabSize:        16,
		NormEps:          1e-5,
	}, seed)
}

// runLayer feeds a fixed token sequence through the model's first decoder
// layer so the attached capture sinks observe every projection output.
func runLayer(t *testing.T, m *model.Model) {
	t.Helper()
	x, err := m.Embed([]int{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	m.Layers[0].Forward(&x, nil)
}

func layer0Names() []string {
	return []string{
		"layers.0.q_proj", "layers.0.k_proj", "layers.0.v_proj", "layers.0.o_proj",
		"layers.0.gate_proj", "layers.0.up_proj", "layers.0.down_proj",
	}
}

func TestDisableSentinelIsInert(t *testing.T) {
	mod, err := New(Config{Gain: 2.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(distillModel(8, 1), Disable); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	loss, err := mod.DistillationLoss()
	if err != nil || loss != 0 {
		t.Fatalf("DistillationLoss = %v, %v, want exactly 0", loss, err)
	}
	total, err := mod.TotalLoss(1.25)
	if err != nil {
		t.Fatalf("TotalLoss: %v", err)
	}
	if total != 1.25 {
		t.Fatalf("TotalLoss = %v, want base unchanged", total)
	}
}

func TestRejectsUnknownTeacher(t *testing.T) {
	for _, teacher := range []any{"off", 42, nil} {
		mod, err := New(Config{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		err = mod.Initialize(distillModel(8, 1), teacher)
		var cfgErr *ConfigError
		if err == nil {
			t.Fatalf("teacher %v: expected error", teacher)
		}
		if !errors.As(err, &cfgErr) {
			t.Fatalf("teacher %v: expected ConfigError, got %v", teacher, err)
		}
	}
}

func TestIdenticalModelsZeroLoss(t *testing.T) {
	student := distillModel(8, 7)
	teacher := distillModel(8, 7)
	mod, err := New(Config{Gain: 1, Normalize: true, StudentNames: layer0Names()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(student, teacher); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	runLayer(t, student)
	runLayer(t, teacher)

	loss, err := mod.DistillationLoss()
	if err != nil {
		t.Fatalf("DistillationLoss: %v", err)
	}
	if loss != 0 {
		t.Fatalf("identical models produced loss %v", loss)
	}
}

func TestDifferentModelsPositiveLoss(t *testing.T) {
	student := distillModel(8, 7)
	teacher := distillModel(8, 8)
	mod, err := New(Config{Gain: 0.5, Normalize: true, StudentNames: layer0Names()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(student, teacher); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	runLayer(t, student)
	runLayer(t, teacher)

	loss, err := mod.DistillationLoss()
	if err != nil {
		t.Fatalf("DistillationLoss: %v", err)
	}
	if loss <= 0 || math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss = %v, want positive finite", loss)
	}
	total, err := mod.TotalLoss(2)
	if err != nil {
		t.Fatalf("TotalLoss: %v", err)
	}
	if want := 2 + 0.5*loss; math.Abs(total-want) > 1e-12 {
		t.Fatalf("TotalLoss = %v, want %v", total, want)
	}
}

func TestNormalizationFloor(t *testing.T) {
	student := distillModel(8, 7)
	teacher := distillModel(8, 8)
	// Zero the teacher projection so its captured output has zero magnitude.
	tq, ok := teacher.FindModule("layers.0.q_proj")
	if !ok {
		t.Fatal("teacher q_proj missing")
	}
	for i := range tq.W.Data {
		tq.W.Data[i] = 0
	}

	mod, err := New(Config{Normalize: true, StudentNames: []string{"layers.0.q_proj"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(student, teacher); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	runLayer(t, student)
	runLayer(t, teacher)

	loss, err := mod.DistillationLoss()
	if err != nil {
		t.Fatalf("DistillationLoss: %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss = %v, want finite despite zero teacher output", loss)
	}
	if loss <= 0 {
		t.Fatalf("loss = %v, want positive", loss)
	}
}

func TestMismatchedNameListsRejected(t *testing.T) {
	mod, err := New(Config{
		StudentNames: []string{"layers.0.q_proj", "layers.0.k_proj"},
		TeacherNames: []string{"layers.0.q_proj"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = mod.Initialize(distillModel(8, 1), distillModel(8, 2))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for mismatched lists, got %v", err)
	}
}

func TestMissingModuleRejected(t *testing.T) {
	mod, err := New(Config{StudentNames: []string{"layers.9.q_proj"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(distillModel(8, 1), distillModel(8, 2)); err == nil {
		t.Fatal("expected error for unknown module name")
	}
}

func TestAutoDiscoveryPairsAllModules(t *testing.T) {
	student := distillModel(8, 7)
	teacher := distillModel(8, 7)
	mod, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(student, teacher); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// 2 layers x 7 projections + lm_head.
	if got, want := len(mod.pairs), 2*7+1; got != want {
		t.Fatalf("auto-discovered %d pairs, want %d", got, want)
	}
}

func TestProjectionBridgesWidths(t *testing.T) {
	student := distillModel(8, 7)
	teacher := distillModel(12, 9)
	mod, err := New(Config{
		Normalize:       true,
		ProjectFeatures: true,
		ProjectFrom:     FromTeacher,
		StudentNames:    []string{"layers.0.q_proj"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(student, teacher); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	runLayer(t, student)
	runLayer(t, teacher)

	first, err := mod.DistillationLoss()
	if err != nil {
		t.Fatalf("DistillationLoss: %v", err)
	}
	if math.IsNaN(first) || math.IsInf(first, 0) {
		t.Fatalf("loss = %v, want finite", first)
	}
	if mod.pairs[0].projection == nil {
		t.Fatal("projection not initialized")
	}
	// The lazily-built projection must be stable across calls.
	second, err := mod.DistillationLoss()
	if err != nil {
		t.Fatalf("DistillationLoss: %v", err)
	}
	if first != second {
		t.Fatalf("loss changed across calls: %v vs %v", first, second)
	}
}

func TestWidthMismatchWithoutProjection(t *testing.T) {
	student := distillModel(8, 7)
	teacher := distillModel(12, 9)
	mod, err := New(Config{StudentNames: []string{"layers.0.q_proj"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(student, teacher); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	runLayer(t, student)
	runLayer(t, teacher)
	if _, err := mod.DistillationLoss(); err == nil {
		t.Fatal("expected width mismatch error")
	}
}

func TestLossBeforeForwardErrors(t *testing.T) {
	mod, err := New(Config{StudentNames: []string{"layers.0.q_proj"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(distillModel(8, 1), distillModel(8, 2)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := mod.DistillationLoss(); err == nil {
		t.Fatal("expected error for missing captured outputs")
	}
}

func TestFinalizeDetachesAndIsIdempotent(t *testing.T) {
	student := distillModel(8, 7)
	teacher := distillModel(8, 8)
	mod, err := New(Config{StudentNames: []string{"layers.0.q_proj"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mod.Initialize(student, teacher); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sink := mod.pairs[0].studentCap

	mod.Finalize()
	mod.Finalize()

	// Detached sink must no longer observe forwards.
	runLayer(t, student)
	if sink.Seen {
		t.Fatal("capture sink still attached after Finalize")
	}

	loss, err := mod.DistillationLoss()
	if err != nil || loss != 0 {
		t.Fatalf("finalized loss = %v, %v, want exactly 0", loss, err)
	}
	total, err := mod.TotalLoss(3)
	if err != nil || total != 3 {
		t.Fatalf("finalized TotalLoss = %v, %v, want base unchanged", total, err)
	}
}
