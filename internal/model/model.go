package model

import (
	"fmt"
	"path"

	"github.com/samcharles93/winnow/internal/tensor"
)

// Config mirrors the checkpoint's model configuration. UseCache is the
// runtime KV-cache flag the compression finalizer must restore.
type Config struct {
	ModelType        string  `json:"model_type"`
	HiddenSize       int     `json:"hidden_size"`
	IntermediateSize int     `json:"intermediate_size"`
	NumHiddenLayers  int     `json:"num_hidden_layers"`
	NumHeads         int     `json:"num_attention_heads"`
	VocabSize        int     `json:"vocab_size"`
	NormEps          float64 `json:"norm_eps"`
	RopeTheta        float64 `json:"rope_theta"`
	UseCache         bool    `json:"use_cache"`
}

// Model is an ordered, named collection of decoder layers plus the
// embedding and head weights. It is mutated in place during compression.
type Model struct {
	Config Config

	Embeddings tensor.Mat // vocab x hidden
	Layers     []Layer
	OutputNorm []float32
	Output     Linear // lm_head, vocab x hidden
}

// NamedLayer pairs a decoder layer with its dotted name.
type NamedLayer struct {
	Name  string
	Layer *Layer
}

// GetLayers returns the layers whose names match the selector pattern
// (path.Match syntax, e.g. "layers.*"), in architectural order.
func (m *Model) GetLayers(selector string) ([]NamedLayer, error) {
	var out []NamedLayer
	for i := range m.Layers {
		l := &m.Layers[i]
		ok, err := path.Match(selector, l.Name)
		if err != nil {
			return nil, fmt.Errorf("bad layer selector %q: %w", selector, err)
		}
		if ok {
			out = append(out, NamedLayer{Name: l.Name, Layer: l})
		}
	}
	return out, nil
}

// NamedLinear pairs a projection module with its dotted name.
type NamedLinear struct {
	Name string
	Lin  *Linear
}

// NamedModules returns every Linear in the model via a depth-first named
// traversal, dotted names in architectural order. Used by distillation
// auto-discovery.
func (m *Model) NamedModules() []NamedLinear {
	var out []NamedLinear
	for i := range m.Layers {
		l := &m.Layers[i]
		for _, t := range l.Targets() {
			out = append(out, NamedLinear{Name: l.Name + "." + t.Name, Lin: t})
		}
	}
	out = append(out, NamedLinear{Name: m.Output.Name, Lin: &m.Output})
	return out
}

// FindModule locates a Linear by its dotted name.
func (m *Model) FindModule(name string) (*Linear, bool) {
	for _, nm := range m.NamedModules() {
		if nm.Name == name {
			return nm.Lin, true
		}
	}
	return nil, false
}

// EnableObservers attaches calibration observers to every projection.
func (m *Model) EnableObservers() {
	for _, nm := range m.NamedModules() {
		nm.Lin.EnableObserver()
	}
}

// DisableObservers detaches calibration observers model-wide. Idempotent:
// safe to call when none are attached.
func (m *Model) DisableObservers() {
	for _, nm := range m.NamedModules() {
		nm.Lin.DisableObserver()
	}
}

// Embed maps token ids to their embedding rows, producing a (T x hidden)
// activation matrix.
func (m *Model) Embed(tokens []int) (tensor.Mat, error) {
	out := tensor.NewMat(len(tokens), m.Config.HiddenSize)
	for t, id := range tokens {
		if id < 0 || id >= m.Embeddings.R {
			return tensor.Mat{}, fmt.Errorf("token id out of range: %d", id)
		}
		copy(out.Row(t), m.Embeddings.Row(id))
	}
	return out, nil
}

// New builds a zero-weight model shell with the standard module names and
// unit norm gains. Checkpoint loading fills the weights afterwards.
func New(cfg Config) *Model {
	m := &Model{Config: cfg}
	m.Embeddings = tensor.NewMat(cfg.VocabSize, cfg.HiddenSize)

	m.Layers = make([]Layer, cfg.NumHiddenLayers)
	for i := range m.Layers {
		l := &m.Layers[i]
		l.Name = fmt.Sprintf("layers.%d", i)
		l.HiddenDim = cfg.HiddenSize
		l.NumHeads = cfg.NumHeads
		l.FfnDim = cfg.IntermediateSize
		l.RMSEps = float32(cfg.NormEps)
		l.RopeTheta = cfg.RopeTheta

		l.AttnNorm = ones(cfg.HiddenSize)
		l.FfnNorm = ones(cfg.HiddenSize)

		l.Q = Linear{Name: "q_proj", W: tensor.NewMat(cfg.HiddenSize, cfg.HiddenSize)}
		l.K = Linear{Name: "k_proj", W: tensor.NewMat(cfg.HiddenSize, cfg.HiddenSize)}
		l.V = Linear{Name: "v_proj", W: tensor.NewMat(cfg.HiddenSize, cfg.HiddenSize)}
		l.O = Linear{Name: "o_proj", W: tensor.NewMat(cfg.HiddenSize, cfg.HiddenSize)}
		l.Gate = Linear{Name: "gate_proj", W: tensor.NewMat(cfg.IntermediateSize, cfg.HiddenSize)}
		l.Up = Linear{Name: "up_proj", W: tensor.NewMat(cfg.IntermediateSize, cfg.HiddenSize)}
		l.Down = Linear{Name: "down_proj", W: tensor.NewMat(cfg.HiddenSize, cfg.IntermediateSize)}
	}

	m.OutputNorm = ones(cfg.HiddenSize)
	m.Output = Linear{Name: "lm_head", W: tensor.NewMat(cfg.VocabSize, cfg.HiddenSize)}
	return m
}

// NewRandom builds a model with reproducible random weights. Intended for
// tests and benchmarks.
func NewRandom(cfg Config, seed int64) *Model {
	m := New(cfg)
	tensor.FillRand(&m.Embeddings, seed)
	for i := range m.Layers {
		l := &m.Layers[i]
		s := seed + int64(i)*100
		tensor.FillRand(&l.Q.W, s+1)
		tensor.FillRand(&l.K.W, s+2)
		tensor.FillRand(&l.V.W, s+3)
		tensor.FillRand(&l.O.W, s+4)
		tensor.FillRand(&l.Gate.W, s+5)
		tensor.FillRand(&l.Up.W, s+6)
		tensor.FillRand(&l.Down.W, s+7)
	}
	tensor.FillRand(&m.Output.W, seed+9999)
	return m
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
