package attention

import (
	"math"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/ringattn/tensor"
)

// Standard computes attention by materializing the full score matrix for
// every (batch, head). Inputs are in natural token order; the chunking and
// striping fields of opts are ignored. It is the reference the blockwise and
// ring paths are checked against.
//
// Algorithm:
//  1. S = QK^T / sqrt(d) + bias
//  2. Mask causal and dropped entries
//  3. P = softmax(S)
//  4. O = PV
func Standard(q, k, v, bias *tensor.Tensor, opts Options) (*tensor.Tensor, error) {
	opts, err := referenceOptions(q, k, v, bias, opts)
	if err != nil {
		return nil, err
	}
	batch, seqLen, heads, dim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	vd := v.Data()

	out := tensor.New(batch, seqLen, heads, dim)
	od := out.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			p := probabilities(q, k, bias, b, h, opts)
			for i := 0; i < seqLen; i++ {
				oRow := od[((b*seqLen+i)*heads+h)*dim:][:dim]
				for j := 0; j < seqLen; j++ {
					pij := p[i*seqLen+j]
					if pij == 0 {
						continue
					}
					vRow := vd[((b*seqLen+j)*heads+h)*dim:][:dim]
					for d, x := range vRow {
						oRow[d] += pij * x
					}
				}
			}
		}
	}
	return out, nil
}

// StandardBackward computes the gradients of Standard with respect to q, k
// and v for output gradient g.
func StandardBackward(q, k, v, g, bias *tensor.Tensor, opts Options) (*Grads, error) {
	opts, err := referenceOptions(q, k, v, bias, opts)
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(g, q) {
		return nil, errors.Wrapf(ErrShape, "gradient %v does not match q %v", g.Shape(), q.Shape())
	}
	batch, seqLen, heads, dim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	scale := 1 / math.Sqrt(float64(dim))
	qd, kd, vd, gd := q.Data(), k.Data(), v.Data(), g.Data()

	grads := &Grads{DQ: tensor.ZerosLike(q), DK: tensor.ZerosLike(k), DV: tensor.ZerosLike(v)}
	dq, dk, dv := grads.DQ.Data(), grads.DK.Data(), grads.DV.Data()

	dp := make([]float64, seqLen)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			p := probabilities(q, k, bias, b, h, opts)
			for i := 0; i < seqLen; i++ {
				iBase := ((b*seqLen+i)*heads + h) * dim
				gRow := gd[iBase:][:dim]

				// dP_ij = g_i · v_j, then dS = P ⊙ (dP - rowsum(P ⊙ dP)).
				var rowSum float64
				for j := 0; j < seqLen; j++ {
					jBase := ((b*seqLen+j)*heads + h) * dim
					var s float64
					for d, x := range gRow {
						s += x * vd[jBase+d]
					}
					dp[j] = s
					rowSum += p[i*seqLen+j] * s
				}

				for j := 0; j < seqLen; j++ {
					pij := p[i*seqLen+j]
					if pij == 0 {
						continue
					}
					jBase := ((b*seqLen+j)*heads + h) * dim
					ds := pij * (dp[j] - rowSum) * scale
					for d := 0; d < dim; d++ {
						dq[iBase+d] += ds * kd[jBase+d]
						dk[jBase+d] += ds * qd[iBase+d]
						dv[jBase+d] += pij * gRow[d]
					}
				}
			}
		}
	}
	return grads, nil
}

// referenceOptions validates dense inputs and strips layout settings.
func referenceOptions(q, k, v, bias *tensor.Tensor, opts Options) (Options, error) {
	opts.Striped = false
	opts.BlockSize = 0
	opts.NumBlocks = 0
	if q.Dims() == 4 && k.Dims() == 4 && q.Dim(1) != k.Dim(1) {
		return opts, errors.Wrapf(ErrShape, "reference attention needs equal query and key lengths, got %d and %d", q.Dim(1), k.Dim(1))
	}
	// Chunk sizes play no part here; pin them to the sequence so only shapes
	// and dropout are checked.
	if q.Dims() == 4 {
		opts.QueryChunkSize = q.Dim(1)
		opts.KeyChunkSize = q.Dim(1)
	}
	if err := CheckInputs(q, k, v, bias, opts); err != nil {
		return opts, err
	}
	return opts.normalize(k.Dim(1)), nil
}

// probabilities returns the row-softmaxed [seq, seq] attention matrix for
// one (batch, head).
func probabilities(q, k, bias *tensor.Tensor, b, h int, opts Options) []float64 {
	kn := newKernel(q, k, k, bias, 0, 0, opts)
	n := kn.qLen

	p := make([]float64, n*n)
	for i := 0; i < n; i++ {
		row := p[i*n:][:n]
		for j := range row {
			row[j] = kn.score(b, h, i, j)
		}
		tensor.SoftmaxInPlace(row)
	}
	return p
}
