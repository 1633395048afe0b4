package model

import (
	"math"

	"github.com/samcharles93/winnow/internal/tensor"
)

// Layer is one decoder block: pre-norm attention with rotary embeddings
// followed by a pre-norm gated FFN, both with residual connections.
type Layer struct {
	Name string

	HiddenDim int
	NumHeads  int
	FfnDim    int
	RMSEps    float32
	RopeTheta float64

	AttnNorm []float32
	Q, K, V  Linear
	O        Linear

	FfnNorm        []float32
	Gate, Up, Down Linear
}

// Targets returns the compressible sub-modules of the layer in a fixed
// architectural order.
func (l *Layer) Targets() []*Linear {
	return []*Linear{&l.Q, &l.K, &l.V, &l.O, &l.Gate, &l.Up, &l.Down}
}

// Forward runs the full-sequence forward pass. x is (T x hidden); mask is
// an additive (T x T) attention mask (0 allowed, large negative blocked)
// and may be nil for a causal default. The input is not mutated.
func (l *Layer) Forward(x, mask *tensor.Mat) tensor.Mat {
	return l.forward(x, mask, nil)
}

// ForwardCapture runs the same forward pass while recording, for each
// compressible sub-module, a copy of the activations that feed it. This is
// the deliberate capture step used to gather solver calibration inputs;
// record may filter by sub-module name.
func (l *Layer) ForwardCapture(x, mask *tensor.Mat, record func(sub string, in *tensor.Mat)) tensor.Mat {
	return l.forward(x, mask, record)
}

func (l *Layer) forward(x, mask *tensor.Mat, rec func(string, *tensor.Mat)) tensor.Mat {
	T := x.R
	d := l.HiddenDim
	nh := l.NumHeads
	hd := d / nh
	scale := float32(1.0 / math.Sqrt(float64(hd)))

	out := x.Clone()

	// Attention block.
	normed := tensor.NewMat(T, d)
	for t := 0; t < T; t++ {
		tensor.RMSNorm(normed.Row(t), out.Row(t), l.AttnNorm, l.RMSEps)
	}
	if rec != nil {
		rec(l.Q.Name, &normed)
		rec(l.K.Name, &normed)
		rec(l.V.Name, &normed)
	}
	q := tensor.NewMat(T, d)
	k := tensor.NewMat(T, d)
	v := tensor.NewMat(T, d)
	l.Q.Forward(&q, &normed)
	l.K.Forward(&k, &normed)
	l.V.Forward(&v, &normed)
	for t := 0; t < T; t++ {
		l.rope(q.Row(t), t, nh, hd)
		l.rope(k.Row(t), t, nh, hd)
	}

	ctx := tensor.NewMat(T, d)
	scores := make([]float32, T)
	for h := 0; h < nh; h++ {
		off := h * hd
		for t := 0; t < T; t++ {
			qt := q.Row(t)[off : off+hd]
			for s := 0; s < T; s++ {
				w := tensor.Dot(qt, k.Row(s)[off:off+hd]) * scale
				if mask != nil {
					w += mask.At(t, s)
				} else if s > t {
					w += maskedOut
				}
				scores[s] = w
			}
			tensor.Softmax(scores)
			ct := ctx.Row(t)[off : off+hd]
			for s := 0; s < T; s++ {
				p := scores[s]
				if p == 0 {
					continue
				}
				vs := v.Row(s)[off : off+hd]
				for i := range ct {
					ct[i] += p * vs[i]
				}
			}
		}
	}
	if rec != nil {
		rec(l.O.Name, &ctx)
	}
	attnOut := tensor.NewMat(T, d)
	l.O.Forward(&attnOut, &ctx)
	for t := 0; t < T; t++ {
		tensor.Add(out.Row(t), attnOut.Row(t))
	}

	// FFN block.
	for t := 0; t < T; t++ {
		tensor.RMSNorm(normed.Row(t), out.Row(t), l.FfnNorm, l.RMSEps)
	}
	if rec != nil {
		rec(l.Gate.Name, &normed)
		rec(l.Up.Name, &normed)
	}
	gate := tensor.NewMat(T, l.FfnDim)
	up := tensor.NewMat(T, l.FfnDim)
	l.Gate.Forward(&gate, &normed)
	l.Up.Forward(&up, &normed)
	act := tensor.NewMat(T, l.FfnDim)
	for t := 0; t < T; t++ {
		gr, ur, ar := gate.Row(t), up.Row(t), act.Row(t)
		for i := range ar {
			ar[i] = tensor.Silu(gr[i]) * ur[i]
		}
	}
	if rec != nil {
		rec(l.Down.Name, &act)
	}
	ffnOut := tensor.NewMat(T, d)
	l.Down.Forward(&ffnOut, &act)
	for t := 0; t < T; t++ {
		tensor.Add(out.Row(t), ffnOut.Row(t))
	}

	return out
}

func (l *Layer) rope(row []float32, pos, nh, hd int) {
	theta := l.RopeTheta
	if theta == 0 {
		theta = 10000
	}
	for h := 0; h < nh; h++ {
		base := h * hd
		for i := 0; i < hd/2; i++ {
			freq := 1.0 / math.Pow(theta, float64(2*i)/float64(hd))
			angle := float64(pos) * freq
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + 2*i
			i1 := i0 + 1
			x0, x1 := row[i0], row[i1]
			row[i0] = x0*c - x1*s
			row[i1] = x0*s + x1*c
		}
	}
}

// maskedOut is the additive mask value for blocked attention positions.
const maskedOut = float32(-1e9)

// CausalMask builds the standard (T x T) additive causal mask.
func CausalMask(T int) tensor.Mat {
	m := tensor.NewMat(T, T)
	for t := 0; t < T; t++ {
		row := m.Row(t)
		for s := t + 1; s < T; s++ {
			row[s] = maskedOut
		}
	}
	return m
}
