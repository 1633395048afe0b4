// Package report summarizes a compressed model: per-module parameter and
// zero counts plus the aggregate sparsity actually achieved.
package report

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/samcharles93/winnow/internal/model"
)

// Module is one projection's share of the report.
type Module struct {
	Name     string  `json:"name"`
	Rows     int     `json:"rows"`
	Cols     int     `json:"cols"`
	Params   int64   `json:"params"`
	Zeros    int64   `json:"zeros"`
	Sparsity float64 `json:"sparsity"`
}

// Report is the run summary emitted after compression.
type Report struct {
	ModelType string   `json:"model_type"`
	Params    int64    `json:"params"`
	Zeros     int64    `json:"zeros"`
	Sparsity  float64  `json:"sparsity"`
	Duration  float64  `json:"duration_seconds,omitempty"`
	Modules   []Module `json:"modules"`
}

// Build walks every projection of the model and tallies zeros.
func Build(m *model.Model) Report {
	r := Report{ModelType: m.Config.ModelType}
	for _, nm := range m.NamedModules() {
		w := &nm.Lin.W
		var zeros int64
		for _, v := range w.Data {
			if v == 0 {
				zeros++
			}
		}
		params := int64(len(w.Data))
		mod := Module{
			Name:   nm.Name,
			Rows:   w.R,
			Cols:   w.C,
			Params: params,
			Zeros:  zeros,
		}
		if params > 0 {
			mod.Sparsity = float64(zeros) / float64(params)
		}
		r.Modules = append(r.Modules, mod)
		r.Params += params
		r.Zeros += zeros
	}
	if r.Params > 0 {
		r.Sparsity = float64(r.Zeros) / float64(r.Params)
	}
	return r
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}
