// Package bench times ring and striped attention on seeded inputs and
// reports per-step wall time alongside the work schedule of each pass.
package bench

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One benchmark run compares attention types on identical inputs. For each
// type we build a ring, run Warmup untimed steps, then Steps timed steps.
// A step is one forward pass and, when Backward is set, one backward pass
// with a fixed output gradient; with FFNChunkSize > 0 the attention output
// also goes through a blockwise feed-forward layer inside the step.
//
// Wall time on a single host says little about a real device mesh: all
// "devices" share the same cores. The schedule statistics (makespan and
// imbalance) are the hardware-independent part of the result and are what
// striped attention improves.
//
// ===========================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scttfrdmn/ringattn/attention"
	"github.com/scttfrdmn/ringattn/ffn"
	"github.com/scttfrdmn/ringattn/ring"
	"github.com/scttfrdmn/ringattn/tensor"
)

// OutPathEnv names the environment variable that, when set, receives the
// step times of the last attention type as {"times": [...]}.
const OutPathEnv = "BENCHMARK_OUT_PATH"

// Metrics receives benchmark observations. *metrics.Metrics satisfies it.
type Metrics interface {
	ring.Metrics
	ObserveBenchStep(attentionType string, elapsed time.Duration)
}

// Options describes one benchmark run.
type Options struct {
	Types   []ring.AttentionType
	Devices int

	Batch   int
	SeqLen  int
	Heads   int
	HeadDim int

	Attention attention.Options
	Seed      int64

	Steps        int
	Warmup       int
	Backward     bool
	FFNChunkSize int
}

// Result is the outcome for one attention type.
type Result struct {
	AttentionType string    `json:"attention_type"`
	Devices       int       `json:"devices"`
	Times         []float64 `json:"times"`
	MeanSeconds   float64   `json:"mean_seconds"`
	MinSeconds    float64   `json:"min_seconds"`
	Makespan      int       `json:"makespan"`
	TotalWork     int       `json:"total_work"`
	Skipped       int       `json:"skipped"`
	Imbalance     float64   `json:"imbalance"`

	// Checksum sums the final activations of the last step. Runs with the
	// same options and seed produce the same value.
	Checksum float64 `json:"checksum"`
}

// Report collects the results of a run.
type Report struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	GoVersion string    `json:"go_version"`
	NumCPU    int       `json:"num_cpu"`
	Options   Options   `json:"options"`
	Results   []Result  `json:"results"`
}

type inputs struct {
	q, k, v, g *tensor.Tensor
	ff         *ffn.FeedForward
}

func newInputs(opts Options) inputs {
	rng := rand.New(rand.NewSource(opts.Seed))
	shape := []int{opts.Batch, opts.SeqLen, opts.Heads, opts.HeadDim}
	in := inputs{
		q: tensor.NewRand(rng, 1, shape...),
		k: tensor.NewRand(rng, 1, shape...),
		v: tensor.NewRand(rng, 1, shape...),
		g: tensor.NewRand(rng, 1, shape...),
	}
	if opts.FFNChunkSize > 0 {
		dim := opts.Heads * opts.HeadDim
		in.ff = ffn.New(rng, dim, 4*dim)
	}
	return in
}

// Run benchmarks every attention type in opts. m may be nil.
func Run(ctx context.Context, opts Options, log logr.Logger, m Metrics) (*Report, error) {
	if len(opts.Types) == 0 {
		return nil, errors.New("bench: no attention types")
	}
	if opts.Steps <= 0 {
		return nil, errors.Errorf("bench: steps must be positive, got %d", opts.Steps)
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Timestamp: time.Now(),
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
		Options:   opts,
	}
	log = log.WithValues("runID", report.RunID)
	in := newInputs(opts)

	for _, typ := range opts.Types {
		res, err := runType(ctx, opts, typ, in, log, m)
		if err != nil {
			return nil, errors.Wrapf(err, "run %s attention", typ)
		}
		report.Results = append(report.Results, *res)
	}
	return report, nil
}

func runType(ctx context.Context, opts Options, typ ring.AttentionType, in inputs, log logr.Logger, m Metrics) (*Result, error) {
	ringOpts := []ring.Option{ring.WithLogger(log)}
	if m != nil {
		ringOpts = append(ringOpts, ring.WithMetrics(m))
	}
	r, err := ring.New(ring.Options{Type: typ, Devices: opts.Devices, Attention: opts.Attention}, ringOpts...)
	if err != nil {
		return nil, err
	}

	result := &Result{AttentionType: typ.String(), Devices: opts.Devices}
	var stats *ring.Stats
	for i := 0; i < opts.Warmup+opts.Steps; i++ {
		start := time.Now()
		if stats, result.Checksum, err = step(ctx, r, in, opts); err != nil {
			return nil, err
		}
		elapsed := time.Since(start)

		if i < opts.Warmup {
			log.V(1).Info("warmup step", "type", typ.String(), "step", i, "elapsed", elapsed)
			continue
		}
		result.Times = append(result.Times, elapsed.Seconds())
		if m != nil {
			m.ObserveBenchStep(typ.String(), elapsed)
		}
	}

	result.MeanSeconds, result.MinSeconds = summarize(result.Times)
	result.Makespan = stats.Makespan()
	result.TotalWork = stats.TotalWork()
	result.Skipped = stats.Skipped()
	result.Imbalance = stats.Imbalance()

	log.Info("benchmark complete", "type", typ.String(), "devices", opts.Devices, "steps", opts.Steps,
		"meanSeconds", result.MeanSeconds, "makespan", result.Makespan, "imbalance", result.Imbalance)
	return result, nil
}

// step runs one timed unit of work. It returns the forward pass schedule and
// the sum of the step's final activations. With a feed-forward layer, its
// output is also the gradient fed to the backward pass.
func step(ctx context.Context, r *ring.Runner, in inputs, opts Options) (*ring.Stats, float64, error) {
	res, err := r.Forward(ctx, in.q, in.k, in.v, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "forward")
	}
	out, grad := res.Output, in.g
	if in.ff != nil {
		x := out.Reshape(opts.Batch, opts.SeqLen, opts.Heads*opts.HeadDim)
		y, err := ffn.Blockwise(in.ff, x, opts.FFNChunkSize, runtime.NumCPU())
		if err != nil {
			return nil, 0, errors.Wrap(err, "feed-forward")
		}
		out = y.Reshape(opts.Batch, opts.SeqLen, opts.Heads, opts.HeadDim)
		grad = out
	}
	if opts.Backward {
		if _, err := r.Backward(ctx, res, grad); err != nil {
			return nil, 0, errors.Wrap(err, "backward")
		}
	}
	return res.Stats, checksum(out), nil
}

func checksum(t *tensor.Tensor) float64 {
	var sum float64
	for _, x := range t.Data() {
		sum += x
	}
	return sum
}

func summarize(times []float64) (mean, minimum float64) {
	if len(times) == 0 {
		return 0, 0
	}
	minimum = math.Inf(1)
	for _, t := range times {
		mean += t
		minimum = math.Min(minimum, t)
	}
	return mean / float64(len(times)), minimum
}

// SaveJSON writes the report to path.
func (r *Report) SaveJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write report %s", path)
}

// WriteTimes writes {"times": [...]} to path.
func WriteTimes(path string, times []float64) error {
	data, err := json.Marshal(struct {
		Times []float64 `json:"times"`
	}{times})
	if err != nil {
		return errors.Wrap(err, "marshal times")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write times %s", path)
}

// PrintSummary writes a human-readable table of the results.
func (r *Report) PrintSummary(w io.Writer) {
	o := r.Options
	fmt.Fprintln(w, "=== Ring Attention Benchmark ===")
	fmt.Fprintf(w, "Run %s on %s (%d cores)\n", r.RunID, r.GoVersion, r.NumCPU)
	fmt.Fprintf(w, "batch=%d seq=%d heads=%d dim=%d devices=%d chunks=%d/%d causal=%v backward=%v\n",
		o.Batch, o.SeqLen, o.Heads, o.HeadDim, o.Devices,
		o.Attention.QueryChunkSize, o.Attention.KeyChunkSize, o.Attention.Causal, o.Backward)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  %-10s %12s %12s %10s %10s %10s\n", "Type", "Mean", "Min", "Makespan", "Work", "Imbalance")
	fmt.Fprintln(w, "  "+"--------------------------------------------------------------------")
	for _, res := range r.Results {
		fmt.Fprintf(w, "  %-10s %12v %12v %10d %10d %9.1f%%\n",
			res.AttentionType, seconds(res.MeanSeconds), seconds(res.MinSeconds),
			res.Makespan, res.TotalWork, res.Imbalance*100)
	}

	ringRes, stripedRes := r.find(ring.Ring), r.find(ring.Striped)
	if ringRes != nil && stripedRes != nil && stripedRes.Makespan > 0 && stripedRes.MeanSeconds > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Striped over ring: %.2fx makespan, %.2fx wall time\n",
			float64(ringRes.Makespan)/float64(stripedRes.Makespan),
			ringRes.MeanSeconds/stripedRes.MeanSeconds)
	}
}

func (r *Report) find(t ring.AttentionType) *Result {
	for i := range r.Results {
		if r.Results[i].AttentionType == t.String() {
			return &r.Results[i]
		}
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Microsecond)
}
