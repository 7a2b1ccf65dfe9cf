// Package attention implements exact blockwise attention: the sequence is
// tiled into query and key chunks and softmax is accumulated online, so the
// full score matrix is never materialized. The same kernel runs on one device
// or on every device of a ring, where it is called once per K/V block that
// passes through.
package attention

import (
	"math"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/ringattn/tensor"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Online softmax. For each query row we keep three running values across
// every key chunk seen so far:
//
//   m   running max score
//   l   running sum of exp(s - m)
//   o   running sum of exp(s - m) * v   (the numerator)
//
// A new chunk with scores s_j updates them as
//
//   m'  = max(m, max_j s_j)
//   c   = exp(m - m')
//   o'  = o*c + Σ_j exp(s_j - m') v_j
//   l'  = l*c + Σ_j exp(s_j - m')
//
// and the final output is o / l. Masked and dropped entries score -Inf and
// never enter m, l or o; a row that has seen no real score keeps l = 0 and
// finalizes to zero. Because the carry is the complete state,
// chunks may arrive in any order and from any device; the ring exploits this
// by passing K/V around and updating the same carry at every step.
//
// Chunk pairs that lie entirely above the causal diagonal are skipped. Which
// pairs those are depends on the layout: contiguous blocks skip whole blocks
// on some devices (the ring imbalance), striped blocks skip a triangle on
// every device at every step.
//
// ===========================================================================

// Work counts chunk pairs processed by a kernel call.
type Work struct {
	Computed int
	Skipped  int
}

// Add accumulates other into w.
func (w *Work) Add(other Work) {
	w.Computed += other.Computed
	w.Skipped += other.Skipped
}

// Carry is the online softmax state for a block of queries.
type Carry struct {
	Numerator   *tensor.Tensor // [batch, q, heads, dim]
	Denominator *tensor.Tensor // [batch, heads, q]
	MaxScore    *tensor.Tensor // [batch, heads, q]
}

// NewCarry returns an empty carry with the running max at -Inf.
func NewCarry(batch, qLen, heads, dim int) *Carry {
	c := &Carry{
		Numerator:   tensor.New(batch, qLen, heads, dim),
		Denominator: tensor.New(batch, heads, qLen),
		MaxScore:    tensor.New(batch, heads, qLen),
	}
	for i := range c.MaxScore.Data() {
		c.MaxScore.Data()[i] = math.Inf(-1)
	}
	return c
}

// Residual is what the backward pass needs from the forward pass besides
// the inputs.
type Residual struct {
	Output      *tensor.Tensor // [batch, q, heads, dim]
	Denominator *tensor.Tensor // [batch, heads, q]
	MaxScore    *tensor.Tensor // [batch, heads, q]
}

// Finalize divides the numerator by the denominator. Rows that attended to
// nothing stay zero.
func (c *Carry) Finalize() *Residual {
	shape := c.Numerator.Shape()
	batch, qLen, heads, dim := shape[0], shape[1], shape[2], shape[3]

	out := tensor.New(batch, qLen, heads, dim)
	num, den, od := c.Numerator.Data(), c.Denominator.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for i := 0; i < qLen; i++ {
			for h := 0; h < heads; h++ {
				l := den[(b*heads+h)*qLen+i]
				if l == 0 {
					continue
				}
				base := ((b*qLen+i)*heads + h) * dim
				for d := 0; d < dim; d++ {
					od[base+d] = num[base+d] / l
				}
			}
		}
	}
	return &Residual{Output: out, Denominator: c.Denominator, MaxScore: c.MaxScore}
}

// Grads holds gradient accumulators. DK and DV belong to the K/V block being
// processed and travel with it around the ring.
type Grads struct {
	DQ *tensor.Tensor
	DK *tensor.Tensor
	DV *tensor.Tensor
}

// CheckInputs validates q [b, q, h, d], k and v [b, kv, h, d] and the
// optional key bias [b or 1, total seq] against opts.
func CheckInputs(q, k, v, bias *tensor.Tensor, opts Options) error {
	if q.Dims() != 4 || k.Dims() != 4 || v.Dims() != 4 {
		return errors.Wrapf(ErrShape, "q, k, v must be [batch, seq, heads, dim], got %v %v %v", q.Shape(), k.Shape(), v.Shape())
	}
	if !tensor.SameShape(k, v) {
		return errors.Wrapf(ErrShape, "k %v and v %v differ", k.Shape(), v.Shape())
	}
	if q.Dim(0) != k.Dim(0) || q.Dim(2) != k.Dim(2) || q.Dim(3) != k.Dim(3) {
		return errors.Wrapf(ErrShape, "q %v incompatible with k %v", q.Shape(), k.Shape())
	}
	if err := opts.Validate(q.Dim(1), k.Dim(1)); err != nil {
		return err
	}
	if bias != nil {
		opts = opts.normalize(k.Dim(1))
		if bias.Dims() != 2 || (bias.Dim(0) != 1 && bias.Dim(0) != q.Dim(0)) || bias.Dim(1) != opts.SeqLen() {
			return errors.Wrapf(ErrShape, "bias %v must be [1 or %d, %d]", bias.Shape(), q.Dim(0), opts.SeqLen())
		}
	}
	return nil
}

// kernel bundles the per-call geometry shared by forward and backward.
type kernel struct {
	opts               Options
	batch, heads, dim  int
	qLen, kvLen        int
	qOffset, kOffset   int
	scale              float64
	q, k, v            []float64
	bias               []float64
	biasLen, biasBatch int
}

func newKernel(q, k, v, bias *tensor.Tensor, qOffset, kOffset int, opts Options) *kernel {
	kn := &kernel{
		opts:    opts.normalize(k.Dim(1)),
		batch:   q.Dim(0),
		qLen:    q.Dim(1),
		heads:   q.Dim(2),
		dim:     q.Dim(3),
		kvLen:   k.Dim(1),
		qOffset: qOffset,
		kOffset: kOffset,
		scale:   1 / math.Sqrt(float64(q.Dim(3))),
		q:       q.Data(),
		k:       k.Data(),
		v:       v.Data(),
	}
	if bias != nil {
		kn.bias = bias.Data()
		kn.biasBatch = bias.Dim(0)
		kn.biasLen = bias.Dim(1)
	}
	return kn
}

// row returns the flat offset of token i, head h in a [b, n, heads, dim] tensor.
func (kn *kernel) row(b, n, i, h int) int {
	return ((b*n+i)*kn.heads + h) * kn.dim
}

// score computes the biased, scaled score of query row qi against key row kj
// (both local indices), or maskScore when the pair is masked or dropped.
func (kn *kernel) score(b, h, qi, kj int) float64 {
	qPos, kPos := kn.qOffset+qi, kn.kOffset+kj
	if kn.opts.Masked(qPos, kPos) {
		return maskScore
	}
	kNat := kn.opts.Natural(kPos)
	if kn.opts.Dropped(b, h, kn.opts.Natural(qPos), kNat) {
		return maskScore
	}

	qv := kn.q[kn.row(b, kn.qLen, qi, h):][:kn.dim]
	kv := kn.k[kn.row(b, kn.kvLen, kj, h):][:kn.dim]
	var s float64
	for d, x := range qv {
		s += x * kv[d]
	}
	s *= kn.scale

	if kn.bias != nil {
		bb := b
		if kn.biasBatch == 1 {
			bb = 0
		}
		s += kn.bias[bb*kn.biasLen+kNat]
	}
	return s
}

// Forward folds the K/V block k, v into the carry for queries q.
//
// qOffset and kOffset are the layout positions of the first query and key
// row; they decide masking and chunk skipping. Inputs must have passed
// CheckInputs.
func Forward(q, k, v, bias *tensor.Tensor, c *Carry, qOffset, kOffset int, opts Options) Work {
	kn := newKernel(q, k, v, bias, qOffset, kOffset, opts)
	qc, kc := kn.opts.QueryChunkSize, kn.opts.KeyChunkSize

	num := c.Numerator.Data()
	den := c.Denominator.Data()
	mx := c.MaxScore.Data()

	buf := tensor.GetBuffer(kc)
	defer tensor.PutBuffer(buf)
	scores := *buf

	var work Work
	for qChunk := 0; qChunk < kn.qLen/qc; qChunk++ {
		qLo := qChunk * qc
		for kChunk := 0; kChunk < kn.kvLen/kc; kChunk++ {
			kLo := kChunk * kc
			if kn.opts.SkipChunk(qOffset+qLo, kOffset+kLo) {
				work.Skipped++
				continue
			}
			work.Computed++

			for b := 0; b < kn.batch; b++ {
				for h := 0; h < kn.heads; h++ {
					for qi := qLo; qi < qLo+qc; qi++ {
						blockMax := math.Inf(-1)
						for j := range scores {
							scores[j] = kn.score(b, h, qi, kLo+j)
							if scores[j] > blockMax {
								blockMax = scores[j]
							}
						}

						if math.IsInf(blockMax, -1) {
							continue
						}

						si := (b*kn.heads+h)*kn.qLen + qi
						prev := mx[si]
						m := math.Max(prev, blockMax)
						corr := math.Exp(prev - m)

						acc := num[kn.row(b, kn.qLen, qi, h):][:kn.dim]
						for d := range acc {
							acc[d] *= corr
						}

						var sum float64
						for j, s := range scores {
							p := math.Exp(s - m)
							if p == 0 {
								continue
							}
							sum += p
							vv := kn.v[kn.row(b, kn.kvLen, kLo+j, h):][:kn.dim]
							for d, x := range vv {
								acc[d] += p * x
							}
						}

						den[si] = den[si]*corr + sum
						mx[si] = m
					}
				}
			}
		}
	}
	return work
}

// Backward accumulates the gradients of the K/V block k, v into grads given
// the output gradient g for queries q and the forward residual.
//
// With p = exp(s - m) / l and o the forward output:
//
//	dl = (g·v - g·o) * p
//	dq += dl * k / √d
//	dk += dl * q / √d
//	dv += p * g
func Backward(q, k, v, g, bias *tensor.Tensor, res *Residual, grads *Grads, qOffset, kOffset int, opts Options) Work {
	kn := newKernel(q, k, v, bias, qOffset, kOffset, opts)
	qc, kc := kn.opts.QueryChunkSize, kn.opts.KeyChunkSize

	gd := g.Data()
	od := res.Output.Data()
	den := res.Denominator.Data()
	mx := res.MaxScore.Data()
	dq, dk, dv := grads.DQ.Data(), grads.DK.Data(), grads.DV.Data()

	// g·o per query row, shared by every key chunk.
	dlPart := make([]float64, kn.batch*kn.heads*kn.qLen)
	for b := 0; b < kn.batch; b++ {
		for h := 0; h < kn.heads; h++ {
			for qi := 0; qi < kn.qLen; qi++ {
				base := kn.row(b, kn.qLen, qi, h)
				var s float64
				for d := 0; d < kn.dim; d++ {
					s += gd[base+d] * od[base+d]
				}
				dlPart[(b*kn.heads+h)*kn.qLen+qi] = s
			}
		}
	}

	var work Work
	for qChunk := 0; qChunk < kn.qLen/qc; qChunk++ {
		qLo := qChunk * qc
		for kChunk := 0; kChunk < kn.kvLen/kc; kChunk++ {
			kLo := kChunk * kc
			if kn.opts.SkipChunk(qOffset+qLo, kOffset+kLo) {
				work.Skipped++
				continue
			}
			work.Computed++

			for b := 0; b < kn.batch; b++ {
				for h := 0; h < kn.heads; h++ {
					for qi := qLo; qi < qLo+qc; qi++ {
						si := (b*kn.heads+h)*kn.qLen + qi
						m, l, dlp := mx[si], den[si], dlPart[si]
						if l == 0 {
							continue
						}

						qBase := kn.row(b, kn.qLen, qi, h)
						gv := gd[qBase:][:kn.dim]
						qv := kn.q[qBase:][:kn.dim]
						dqv := dq[qBase:][:kn.dim]

						for kj := kLo; kj < kLo+kc; kj++ {
							p := math.Exp(kn.score(b, h, qi, kj)-m) / l
							if p == 0 {
								continue
							}
							kBase := kn.row(b, kn.kvLen, kj, h)
							kv := kn.k[kBase:][:kn.dim]
							vv := kn.v[kBase:][:kn.dim]

							var ds float64
							for d, x := range gv {
								ds += x * vv[d]
							}
							dl := (ds - dlp) * p * kn.scale

							dkv := dk[kBase:][:kn.dim]
							dvv := dv[kBase:][:kn.dim]
							for d := 0; d < kn.dim; d++ {
								dqv[d] += dl * kv[d]
								dkv[d] += dl * qv[d]
								dvv[d] += p * gv[d]
							}
						}
					}
				}
			}
		}
	}
	return work
}

// Blockwise computes attention on a single device.
func Blockwise(q, k, v, bias *tensor.Tensor, opts Options) (*Residual, Work, error) {
	if err := CheckInputs(q, k, v, bias, opts); err != nil {
		return nil, Work{}, err
	}
	c := NewCarry(q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3))
	work := Forward(q, k, v, bias, c, 0, 0, opts)
	return c.Finalize(), work, nil
}

// BlockwiseBackward computes input gradients of Blockwise for output
// gradient g.
func BlockwiseBackward(q, k, v, g, bias *tensor.Tensor, res *Residual, opts Options) (*Grads, Work, error) {
	if err := CheckInputs(q, k, v, bias, opts); err != nil {
		return nil, Work{}, err
	}
	if !tensor.SameShape(g, q) {
		return nil, Work{}, errors.Wrapf(ErrShape, "gradient %v does not match q %v", g.Shape(), q.Shape())
	}
	grads := &Grads{DQ: tensor.ZerosLike(q), DK: tensor.ZerosLike(k), DV: tensor.ZerosLike(v)}
	work := Backward(q, k, v, g, bias, res, grads, 0, 0, opts)
	return grads, work, nil
}

// Plan returns the Work that Forward or Backward would report for the given
// lengths and offsets without touching any data.
func Plan(qLen, kvLen, qOffset, kOffset int, opts Options) Work {
	opts = opts.normalize(kvLen)
	var work Work
	for qLo := 0; qLo < qLen; qLo += opts.QueryChunkSize {
		for kLo := 0; kLo < kvLen; kLo += opts.KeyChunkSize {
			if opts.SkipChunk(qOffset+qLo, kOffset+kLo) {
				work.Skipped++
			} else {
				work.Computed++
			}
		}
	}
	return work
}
