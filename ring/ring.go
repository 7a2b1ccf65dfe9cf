// Package ring runs exact attention across N simulated devices arranged in a
// logical ring. Each device is a goroutine owning one block of queries; K/V
// blocks travel device to device over channels while every device folds the
// block it currently holds into its online softmax carry.
//
// The attention type decides what each device owns: Ring shards the natural
// sequence contiguously, Striped shards it after the "(n d) -> (d n)"
// permutation so the causal workload is balanced across devices.
package ring

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/scttfrdmn/ringattn/attention"
	"github.com/scttfrdmn/ringattn/tensor"
)

// Pass labels.
const (
	PassForward  = "forward"
	PassBackward = "backward"
)

// Metrics receives per-step and per-pass observations. Implementations must
// be safe for concurrent use.
type Metrics interface {
	ObserveStep(attentionType, pass string, work attention.Work, elapsed time.Duration)
	ObservePass(attentionType, pass string, stats *Stats)
}

// Options configures a Runner.
type Options struct {
	Type    AttentionType
	Devices int

	// Attention carries chunk sizes, causality and dropout. Layout fields
	// (Striped, BlockSize, NumBlocks) are set by the ring per call.
	Attention attention.Options
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Per-step detail is logged at V(1).
func WithLogger(l logr.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// Runner is a configured device ring. It holds no per-pass state and may be
// used for several passes, sequentially or concurrently.
type Runner struct {
	opts    Options
	log     logr.Logger
	metrics Metrics
}

// New validates opts and returns a Runner.
func New(opts Options, options ...Option) (*Runner, error) {
	if opts.Devices <= 0 {
		return nil, errors.Wrapf(ErrDevices, "devices must be positive, got %d", opts.Devices)
	}
	if opts.Type != Ring && opts.Type != Striped {
		return nil, errors.Wrapf(ErrAttentionType, "%d", int(opts.Type))
	}
	r := &Runner{opts: opts, log: logr.Discard()}
	for _, o := range options {
		o(r)
	}
	return r, nil
}

// Type returns the configured attention type.
func (r *Runner) Type() AttentionType { return r.opts.Type }

// Devices returns the ring size.
func (r *Runner) Devices() int { return r.opts.Devices }

// Result is the output of a forward pass together with what Backward needs.
type Result struct {
	// Output is [batch, seq, heads, dim] in natural token order.
	Output *tensor.Tensor
	Stats  *Stats

	typ       AttentionType
	opts      attention.Options
	bias      *tensor.Tensor
	q, k, v   []*tensor.Tensor
	residuals []*attention.Residual
}

// Gradients are the input gradients of a forward pass, in natural order.
type Gradients struct {
	DQ, DK, DV *tensor.Tensor
	Stats      *Stats
}

// kvBlock is what travels between neighbours.
type kvBlock struct {
	k, v   *tensor.Tensor
	dk, dv *tensor.Tensor
}

// links are the ring's channels: device r receives on links[r] and sends on
// links[(r+1)%n]. Capacity one lets every device send before its neighbour
// receives, and each device sends exactly once per rotation, so sends never
// wait on a full buffer.
type links []chan kvBlock

func newLinks(n int) links {
	l := make(links, n)
	for i := range l {
		l[i] = make(chan kvBlock, 1)
	}
	return l
}

// rotate passes blk to the next device and returns the block sent by the
// previous one.
func (l links) rotate(ctx context.Context, rank int, blk kvBlock) (kvBlock, error) {
	select {
	case l[(rank+1)%len(l)] <- blk:
	case <-ctx.Done():
		return kvBlock{}, ctx.Err()
	}
	select {
	case next := <-l[rank]:
		return next, nil
	case <-ctx.Done():
		return kvBlock{}, ctx.Err()
	}
}

// layoutOptions returns kernel options for blocks of the given size.
func (r *Runner) layoutOptions(block int) attention.Options {
	opts := r.opts.Attention
	opts.Striped = r.opts.Type.IsStriped()
	opts.BlockSize = block
	opts.NumBlocks = r.opts.Devices
	return opts
}

// shard permutes x into the ring layout and splits it into one block per
// device.
func (r *Runner) shard(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	laid, err := PermuteSeq(r.opts.Type, x, r.opts.Devices)
	if err != nil {
		return nil, err
	}
	n := r.opts.Devices
	block := x.Dim(1) / n
	shards := make([]*tensor.Tensor, n)
	for i := range shards {
		if shards[i], err = tensor.Slice(laid, 1, i*block, (i+1)*block); err != nil {
			return nil, err
		}
	}
	return shards, nil
}

// gather concatenates per-device blocks and restores natural order.
func (r *Runner) gather(shards []*tensor.Tensor) (*tensor.Tensor, error) {
	laid, err := tensor.Concat(1, shards...)
	if err != nil {
		return nil, err
	}
	return UnpermuteSeq(r.opts.Type, laid, r.opts.Devices)
}

// Forward computes attention of q over k, v ([batch, seq, heads, dim], natural
// order) with optional key bias [batch or 1, seq].
func (r *Runner) Forward(ctx context.Context, q, k, v, bias *tensor.Tensor) (*Result, error) {
	if q.Dims() != 4 {
		return nil, errors.Wrapf(attention.ErrShape, "q must be [batch, seq, heads, dim], got %v", q.Shape())
	}
	if !tensor.SameShape(q, k) || !tensor.SameShape(q, v) {
		return nil, errors.Wrapf(attention.ErrShape, "q %v, k %v and v %v must have the same shape", q.Shape(), k.Shape(), v.Shape())
	}
	if err := checkDevices(q.Dim(1), r.opts.Devices); err != nil {
		return nil, err
	}
	n := r.opts.Devices
	block := q.Dim(1) / n
	opts := r.layoutOptions(block)

	qs, err := r.shard(q)
	if err != nil {
		return nil, errors.Wrap(err, "shard q")
	}
	ks, err := r.shard(k)
	if err != nil {
		return nil, errors.Wrap(err, "shard k")
	}
	vs, err := r.shard(v)
	if err != nil {
		return nil, errors.Wrap(err, "shard v")
	}
	if err := attention.CheckInputs(qs[0], ks[0], vs[0], bias, opts); err != nil {
		return nil, err
	}

	res := &Result{
		Stats:     newStats(n, n),
		typ:       r.opts.Type,
		opts:      opts,
		bias:      bias,
		q:         qs,
		k:         ks,
		v:         vs,
		residuals: make([]*attention.Residual, n),
	}
	l := newLinks(n)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank := rank
		g.Go(func() error {
			carry := attention.NewCarry(q.Dim(0), block, q.Dim(2), q.Dim(3))
			cur := kvBlock{k: ks[rank], v: vs[rank]}
			var err error
			for step := 0; step < n; step++ {
				if err := gctx.Err(); err != nil {
					return errors.Wrapf(err, "device %d step %d", rank, step)
				}
				origin := (rank - step + n) % n
				t0 := time.Now()
				work := attention.Forward(qs[rank], cur.k, cur.v, bias, carry, rank*block, origin*block, opts)
				r.recordStep(res.Stats, PassForward, step, rank, origin, work, time.Since(t0))

				if step == n-1 {
					break
				}
				if cur, err = l.rotate(gctx, rank, cur); err != nil {
					return errors.Wrapf(err, "device %d rotate after step %d", rank, step)
				}
			}
			res.residuals[rank] = carry.Finalize()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outs := make([]*tensor.Tensor, n)
	for i, rr := range res.residuals {
		outs[i] = rr.Output
	}
	if res.Output, err = r.gather(outs); err != nil {
		return nil, errors.Wrap(err, "gather output")
	}
	r.finishPass(res.Stats, PassForward, time.Since(start))
	return res, nil
}

// Backward computes the gradients of res with respect to q, k and v for the
// output gradient g (natural order, same shape as res.Output).
//
// dk and dv travel with their K/V block. They rotate after every step,
// including the last, so after N rotations each block is back on its owner
// carrying the contributions of every device.
func (r *Runner) Backward(ctx context.Context, res *Result, g *tensor.Tensor) (*Gradients, error) {
	if res == nil || res.Output == nil {
		return nil, errors.New("ring: backward needs a forward result")
	}
	if res.typ != r.opts.Type {
		return nil, errors.Wrapf(ErrAttentionType, "result from %s attention passed to %s attention", res.typ, r.opts.Type)
	}
	if !tensor.SameShape(g, res.Output) {
		return nil, errors.Wrapf(attention.ErrShape, "gradient %v does not match output %v", g.Shape(), res.Output.Shape())
	}
	gs, err := r.shard(g)
	if err != nil {
		return nil, errors.Wrap(err, "shard gradient")
	}

	n := len(res.q)
	if n != r.opts.Devices {
		return nil, errors.Wrapf(ErrDevices, "result from a %d-device ring passed to a %d-device ring", n, r.opts.Devices)
	}
	block := res.opts.BlockSize
	opts := res.opts

	stats := newStats(n, n)
	dqs := make([]*tensor.Tensor, n)
	dks := make([]*tensor.Tensor, n)
	dvs := make([]*tensor.Tensor, n)
	l := newLinks(n)
	start := time.Now()

	eg, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank := rank
		eg.Go(func() error {
			dq := tensor.ZerosLike(res.q[rank])
			cur := kvBlock{
				k:  res.k[rank],
				v:  res.v[rank],
				dk: tensor.ZerosLike(res.k[rank]),
				dv: tensor.ZerosLike(res.v[rank]),
			}
			var err error
			for step := 0; step < n; step++ {
				if err := gctx.Err(); err != nil {
					return errors.Wrapf(err, "device %d step %d", rank, step)
				}
				origin := (rank - step + n) % n
				t0 := time.Now()
				grads := &attention.Grads{DQ: dq, DK: cur.dk, DV: cur.dv}
				work := attention.Backward(res.q[rank], cur.k, cur.v, gs[rank], res.bias, res.residuals[rank], grads, rank*block, origin*block, opts)
				r.recordStep(stats, PassBackward, step, rank, origin, work, time.Since(t0))

				if cur, err = l.rotate(gctx, rank, cur); err != nil {
					return errors.Wrapf(err, "device %d rotate after step %d", rank, step)
				}
			}
			dqs[rank], dks[rank], dvs[rank] = dq, cur.dk, cur.dv
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := &Gradients{Stats: stats}
	if out.DQ, err = r.gather(dqs); err != nil {
		return nil, errors.Wrap(err, "gather dq")
	}
	if out.DK, err = r.gather(dks); err != nil {
		return nil, errors.Wrap(err, "gather dk")
	}
	if out.DV, err = r.gather(dvs); err != nil {
		return nil, errors.Wrap(err, "gather dv")
	}
	r.finishPass(stats, PassBackward, time.Since(start))
	return out, nil
}

func (r *Runner) recordStep(stats *Stats, pass string, step, rank, origin int, work attention.Work, elapsed time.Duration) {
	stats.Work[step][rank] = work
	stats.Busy[step][rank] = elapsed
	r.log.V(1).Info("device step", "type", r.opts.Type.String(), "pass", pass, "device", rank, "step", step,
		"origin", origin, "computed", work.Computed, "skipped", work.Skipped, "elapsed", elapsed)
	if r.metrics != nil {
		r.metrics.ObserveStep(r.opts.Type.String(), pass, work, elapsed)
	}
}

func (r *Runner) finishPass(stats *Stats, pass string, elapsed time.Duration) {
	r.log.Info("ring pass complete", "type", r.opts.Type.String(), "pass", pass, "devices", stats.Devices,
		"makespan", stats.Makespan(), "totalWork", stats.TotalWork(), "imbalance", stats.Imbalance(), "elapsed", elapsed)
	if r.metrics != nil {
		r.metrics.ObservePass(r.opts.Type.String(), pass, stats)
	}
}
