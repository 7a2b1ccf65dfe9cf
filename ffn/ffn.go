// Package ffn implements the position-wise feed-forward network and its
// blockwise form, which runs the network one sequence chunk at a time so the
// [seq, hidden] activation never exists for the whole sequence.
package ffn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/ringattn/tensor"
)

// ErrChunk indicates a chunk size that does not tile the sequence.
var ErrChunk = errors.New("ffn: invalid chunk size")

// FeedForward is a two-layer MLP applied independently to each position:
//
//	FFN(x) = GELU(x @ W1 + b1) @ W2 + b2
type FeedForward struct {
	W1, B1 *tensor.Tensor
	W2, B2 *tensor.Tensor
}

// New creates a feed-forward layer with weights drawn from rng, scaled by
// 1/sqrt(fan-in).
func New(rng *rand.Rand, dim, hidden int) *FeedForward {
	return &FeedForward{
		W1: tensor.NewRand(rng, 1/math.Sqrt(float64(dim)), dim, hidden),
		B1: tensor.New(hidden),
		W2: tensor.NewRand(rng, 1/math.Sqrt(float64(hidden)), hidden, dim),
		B2: tensor.New(dim),
	}
}

// Dim is the model dimension.
func (ff *FeedForward) Dim() int { return ff.W1.Dim(0) }

// Forward applies the network to x [rows, dim], splitting large products
// across all cores.
func (ff *FeedForward) Forward(x *tensor.Tensor) *tensor.Tensor {
	return ff.forward(x, tensor.DefaultComputeConfig())
}

func (ff *FeedForward) forward(x *tensor.Tensor, cfg tensor.ComputeConfig) *tensor.Tensor {
	hidden := tensor.MatMulWithConfig(x, ff.W1, cfg)
	hidden = tensor.GELU(tensor.AddRowBias(hidden, ff.B1))

	out := tensor.MatMulWithConfig(hidden, ff.W2, cfg)
	return tensor.AddRowBias(out, ff.B2)
}

// Blockwise applies ff to x [batch, seq, dim] in chunks of chunkSize
// positions. Each chunk's products are split across workers goroutines;
// workers <= 1 runs sequentially. The result equals applying Forward to the
// whole sequence.
func Blockwise(ff *FeedForward, x *tensor.Tensor, chunkSize, workers int) (*tensor.Tensor, error) {
	if x.Dims() != 3 || x.Dim(2) != ff.Dim() {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "ffn input %v, want [batch, seq, %d]", x.Shape(), ff.Dim())
	}
	batch, seqLen, dim := x.Dim(0), x.Dim(1), x.Dim(2)
	if chunkSize <= 0 || seqLen%chunkSize != 0 {
		return nil, errors.Wrapf(ErrChunk, "sequence length %d, chunk size %d", seqLen, chunkSize)
	}

	cfg := tensor.ComputeConfig{Parallel: workers > 1, NumWorkers: workers, MinRowsForParallel: 2 * workers}
	out := tensor.New(batch, seqLen, dim)
	xd, od := x.Data(), out.Data()

	for b := 0; b < batch; b++ {
		for lo := 0; lo < seqLen; lo += chunkSize {
			base := (b*seqLen + lo) * dim
			chunk, err := tensor.FromData(xd[base:base+chunkSize*dim], chunkSize, dim)
			if err != nil {
				return nil, err
			}
			copy(od[base:base+chunkSize*dim], ff.forward(chunk, cfg).Data())
		}
	}
	return out, nil
}
