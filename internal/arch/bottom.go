package arch

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/samcharles93/winnow/internal/calib"
	"github.com/samcharles93/winnow/internal/compress"
	"github.com/samcharles93/winnow/internal/logger"
	"github.com/samcharles93/winnow/internal/model"
	"github.com/samcharles93/winnow/internal/tensor"
	"github.com/samcharles93/winnow/pkg/quant"
)

// embeddingCompressor is the bottom compressor shared by the supported
// decoder families. It quantizes the entry embedding when requested, runs
// every calibration batch through it, and seeds the accumulated state:
// initial per-layer inputs, the shared attention mask, and the captured
// KV-cache flag (caching is turned off for the duration of calibration).
type embeddingCompressor struct {
	m    *model.Model
	args compress.Args
	log  logger.Logger
}

const embeddingModuleID = "embed_tokens"

func (c *embeddingCompressor) Compress(dev string, targetIDs []string, layerPrefix string, loader calib.Loader) (compress.StateUpdate, error) {
	if layerPrefix != "" && len(c.m.Layers) > 0 && !strings.HasPrefix(c.m.Layers[0].Name, layerPrefix) {
		return compress.StateUpdate{}, &compress.ConfigError{
			Msg: fmt.Sprintf("layer prefix %q does not match model layers (%q)", layerPrefix, c.m.Layers[0].Name),
		}
	}

	useCache := c.m.Config.UseCache
	c.m.Config.UseCache = false

	if c.args.Quantize && targetSelected(targetIDs, embeddingModuleID) {
		scheme := quant.Int8Block{}
		for i := 0; i < c.m.Embeddings.R; i++ {
			scheme.Apply(c.m.Embeddings.Row(i))
		}
		c.log.Debug("quantized entry embedding", "scheme", scheme.Name(), "device", dev)
	}

	var outputs []tensor.Mat
	seqLen := -1
	for {
		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return compress.StateUpdate{}, fmt.Errorf("calibration loader: %w", err)
		}
		if seqLen == -1 {
			seqLen = len(batch.Tokens)
		} else if len(batch.Tokens) != seqLen {
			return compress.StateUpdate{}, &compress.ConfigError{
				Msg: fmt.Sprintf("calibration batches must share one sequence length (%d vs %d)", seqLen, len(batch.Tokens)),
			}
		}
		x, err := c.m.Embed(batch.Tokens)
		if err != nil {
			return compress.StateUpdate{}, fmt.Errorf("embedding calibration batch %d: %w", len(outputs), err)
		}
		outputs = append(outputs, x)
	}
	if len(outputs) == 0 {
		return compress.StateUpdate{}, &compress.ConfigError{Msg: "calibration loader produced no batches"}
	}

	mask := model.CausalMask(seqLen)
	return compress.StateUpdate{
		Outputs:       outputs,
		AttentionMask: &mask,
		UseCache:      &useCache,
	}, nil
}

func targetSelected(targetIDs []string, id string) bool {
	if len(targetIDs) == 0 {
		return true
	}
	for _, t := range targetIDs {
		if t == id {
			return true
		}
	}
	return false
}
