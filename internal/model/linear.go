package model

import (
	"math"

	"github.com/samcharles93/winnow/internal/tensor"
)

// Capture is an explicit output sink for a Linear. When attached, every
// forward pass overwrites Out with a copy of the layer's last output; no
// history is retained. This replaces implicit forward hooks: instrumentation
// is attached and removed deliberately by the owner of the run.
type Capture struct {
	Out  tensor.Mat
	Seen bool
}

// Observer tracks calibration statistics (output absmax) for quantization.
// It is enabled during calibration and must be disabled by the finalizer.
type Observer struct {
	AbsMax  float32
	enabled bool
}

func (o *Observer) observe(out *tensor.Mat) {
	if o == nil || !o.enabled {
		return
	}
	for _, v := range out.Data {
		a := float32(math.Abs(float64(v)))
		if a > o.AbsMax {
			o.AbsMax = a
		}
	}
}

// Linear is a dense projection with weight W of shape (out x in).
// It is the unit of compression: the solver rewrites W in place.
type Linear struct {
	Name string
	W    tensor.Mat

	observer *Observer
	capture  *Capture
}

// Forward computes dst = x * W^T for a full sequence x of shape (T x in).
// dst must be (T x out). Attached observers and capture sinks fire on
// every call.
func (l *Linear) Forward(dst, x *tensor.Mat) {
	tensor.MatMulT(dst, x, &l.W)
	l.observer.observe(dst)
	if l.capture != nil {
		l.capture.Out = dst.Clone()
		l.capture.Seen = true
	}
}

// SetCapture attaches an output capture sink. Passing nil detaches.
func (l *Linear) SetCapture(c *Capture) { l.capture = c }

// EnableObserver attaches (or re-enables) the calibration observer.
func (l *Linear) EnableObserver() {
	if l.observer == nil {
		l.observer = &Observer{}
	}
	l.observer.enabled = true
}

// DisableObserver stops calibration observation. Safe to call when no
// observer is attached.
func (l *Linear) DisableObserver() {
	if l.observer != nil {
		l.observer.enabled = false
	}
}

// ObserverAbsMax returns the recorded output absmax, or zero when no
// observer has run.
func (l *Linear) ObserverAbsMax() float32 {
	if l.observer == nil {
		return 0
	}
	return l.observer.AbsMax
}
