// Package calib provides calibration dataloaders: finite sequences of
// token batches consumed exactly once per compression run.
package calib

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	json "github.com/goccy/go-json"
)

// Batch is one calibration sample.
type Batch struct {
	Tokens []int `json:"tokens"`
}

// Loader yields calibration batches in order. Next returns io.EOF once
// the data is exhausted; a loader is intended to be read fully exactly
// once per run.
type Loader interface {
	Next() (*Batch, error)
}

// SliceLoader serves batches from memory.
type SliceLoader struct {
	batches []Batch
	pos     int
}

// NewSliceLoader builds a loader over the given batches.
func NewSliceLoader(batches ...Batch) *SliceLoader {
	return &SliceLoader{batches: batches}
}

// Next returns the next batch or io.EOF.
func (l *SliceLoader) Next() (*Batch, error) {
	if l.pos >= len(l.batches) {
		return nil, io.EOF
	}
	b := &l.batches[l.pos]
	l.pos++
	return b, nil
}

// Len returns the total number of batches.
func (l *SliceLoader) Len() int { return len(l.batches) }

type datasetFile struct {
	Samples [][]int `json:"samples"`
}

// LoadJSON reads a calibration dataset file of the form
// {"samples": [[id, id, ...], ...]}.
func LoadJSON(path string) (*SliceLoader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration dataset: %w", err)
	}
	var ds datasetFile
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse calibration dataset: %w", err)
	}
	if len(ds.Samples) == 0 {
		return nil, fmt.Errorf("calibration dataset %s has no samples", path)
	}
	batches := make([]Batch, len(ds.Samples))
	for i, s := range ds.Samples {
		batches[i] = Batch{Tokens: s}
	}
	return NewSliceLoader(batches...), nil
}

// Synthetic builds a reproducible random-token loader. Useful for smoke
// tests and benchmarks where no real dataset is at hand.
func Synthetic(numBatches, seqLen, vocabSize int, seed int64) *SliceLoader {
	rng := rand.New(rand.NewSource(seed))
	batches := make([]Batch, numBatches)
	for i := range batches {
		tokens := make([]int, seqLen)
		for t := range tokens {
			tokens[t] = rng.Intn(vocabSize)
		}
		batches[i] = Batch{Tokens: tokens}
	}
	return NewSliceLoader(batches...)
}
