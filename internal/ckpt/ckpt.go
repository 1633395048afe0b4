// Package ckpt reads and writes winnow checkpoint files: a small JSON
// header describing the model configuration and tensor index, followed by
// the raw little-endian float32 weight blob. Files are mapped read-only
// where mmap is available.
package ckpt

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/winnow/internal/model"
)

var (
	ErrInvalidMagic = errors.New("ckpt: invalid magic")
	ErrCorruptFile  = errors.New("ckpt: corrupt file")
)

// magic identifies a winnow checkpoint; the trailing digit is the format
// version.
var magic = [4]byte{'W', 'N', 'W', '1'}

// prefixSize covers the magic plus the uint32 header length.
const prefixSize = 8

type tensorEntry struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Offset int64  `json:"offset"`
}

type header struct {
	Config  model.Config  `json:"config"`
	Tensors []tensorEntry `json:"tensors"`
}

// tensorRef is a named view over one weight tensor of a model, shared by
// the writer and the loader so both walk the same order.
type tensorRef struct {
	name string
	rows int
	cols int
	data []float32
}

func modelTensors(m *model.Model) []tensorRef {
	h := m.Config.HiddenSize
	refs := []tensorRef{
		{name: "embed_tokens", rows: m.Embeddings.R, cols: m.Embeddings.C, data: m.Embeddings.Data},
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		refs = append(refs,
			tensorRef{name: l.Name + ".attn_norm", rows: 1, cols: h, data: l.AttnNorm},
			tensorRef{name: l.Name + ".ffn_norm", rows: 1, cols: h, data: l.FfnNorm},
		)
		for _, t := range l.Targets() {
			refs = append(refs, tensorRef{name: l.Name + "." + t.Name, rows: t.W.R, cols: t.W.C, data: t.W.Data})
		}
	}
	refs = append(refs,
		tensorRef{name: "output_norm", rows: 1, cols: h, data: m.OutputNorm},
		tensorRef{name: m.Output.Name, rows: m.Output.W.R, cols: m.Output.W.C, data: m.Output.W.Data},
	)
	return refs
}

// Save writes the model to path, replacing any existing file.
func Save(path string, m *model.Model) error {
	refs := modelTensors(m)
	hdr := header{Config: m.Config, Tensors: make([]tensorEntry, len(refs))}
	var off int64
	for i, r := range refs {
		hdr.Tensors[i] = tensorEntry{Name: r.name, Rows: r.rows, Cols: r.cols, Offset: off}
		off += int64(len(r.data)) * 4
	}
	hdrBytes, err := json.Marshal(&hdr)
	if err != nil {
		return fmt.Errorf("encoding checkpoint header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	prefix := make([]byte, prefixSize)
	copy(prefix, magic[:])
	binary.LittleEndian.PutUint32(prefix[4:], uint32(len(hdrBytes)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, r := range refs {
		for _, v := range r.data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// File is an opened checkpoint. Close releases any mapping.
type File struct {
	data    []byte
	hdr     header
	blob    []byte
	mmapped bool
}

// Open maps a checkpoint read-only and validates its structure, falling
// back to ReadAt-based loading where mmap is unavailable.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < prefixSize {
		return nil, ErrCorruptFile
	}
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, mmapped, err := mapFile(f, size)
	if err != nil {
		return nil, err
	}
	ck, err := parse(data, mmapped)
	if err != nil {
		if mmapped {
			_ = unmapFile(data)
		}
		return nil, err
	}
	return ck, nil
}

func readAllAt(f *os.File, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := f.ReadAt(out[off:], off)
		off += int64(n)
		if err != nil {
			if off == int64(size) {
				break
			}
			return nil, err
		}
	}
	return out, nil
}

func parse(data []byte, mmapped bool) (*File, error) {
	if string(data[:4]) != string(magic[:]) {
		return nil, ErrInvalidMagic
	}
	hdrLen := int(binary.LittleEndian.Uint32(data[4:prefixSize]))
	if hdrLen <= 0 || prefixSize+hdrLen > len(data) {
		return nil, ErrCorruptFile
	}
	var hdr header
	if err := json.Unmarshal(data[prefixSize:prefixSize+hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	blob := data[prefixSize+hdrLen:]
	for i := range hdr.Tensors {
		t := &hdr.Tensors[i]
		if t.Rows <= 0 || t.Cols <= 0 || t.Offset < 0 {
			return nil, fmt.Errorf("%w: tensor %q has bad shape", ErrCorruptFile, t.Name)
		}
		end := t.Offset + int64(t.Rows)*int64(t.Cols)*4
		if end < t.Offset || end > int64(len(blob)) {
			return nil, fmt.Errorf("%w: tensor %q out of bounds", ErrCorruptFile, t.Name)
		}
	}
	return &File{data: data, hdr: hdr, blob: blob, mmapped: mmapped}, nil
}

// Config returns the stored model configuration.
func (f *File) Config() model.Config {
	return f.hdr.Config
}

// Model materializes the checkpoint as an in-memory model. Weights are
// copied out of the mapping, so the returned model stays valid after
// Close.
func (f *File) Model() (*model.Model, error) {
	m := model.New(f.hdr.Config)
	want := modelTensors(m)
	index := make(map[string]*tensorEntry, len(f.hdr.Tensors))
	for i := range f.hdr.Tensors {
		index[f.hdr.Tensors[i].Name] = &f.hdr.Tensors[i]
	}
	for _, ref := range want {
		t, ok := index[ref.name]
		if !ok {
			return nil, fmt.Errorf("%w: missing tensor %q", ErrCorruptFile, ref.name)
		}
		if t.Rows != ref.rows || t.Cols != ref.cols {
			return nil, fmt.Errorf("%w: tensor %q shape %dx%d, want %dx%d",
				ErrCorruptFile, ref.name, t.Rows, t.Cols, ref.rows, ref.cols)
		}
		raw := f.blob[t.Offset : t.Offset+int64(t.Rows)*int64(t.Cols)*4]
		for i := range ref.data {
			ref.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return m, nil
}

// Close releases the mapping. Safe to call more than once.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unmapFile(f.data)
	}
	f.data = nil
	f.blob = nil
	f.mmapped = false
	return err
}

// Load is the common open-materialize-close path.
func Load(path string) (*model.Model, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return f.Model()
}
