package cmd

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/ringattn/attention"
	"github.com/scttfrdmn/ringattn/ring"
	"github.com/scttfrdmn/ringattn/tensor"
)

// ErrMismatch is returned by check when a ring result differs from the
// reference by more than the tolerance.
var ErrMismatch = errors.New("ring result differs from reference attention")

type deviation struct {
	name string
	diff float64
}

func newCheckCommand(root *RootCommand) *cobra.Command {
	var tolerance float64
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare ring and striped attention against full attention",
		Long: `Compare ring and striped attention against full attention.

Runs forward (and backward when --backward is set) on seeded inputs for each
attention type and reports the largest absolute difference from a reference
that materializes the whole score matrix. Keep --seq-len modest: the
reference is quadratic in memory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.runCheck(cmd, tolerance)
		},
	}
	cmd.Flags().Float64Var(&tolerance, "tolerance", 1e-9, "Largest allowed absolute difference")
	return cmd
}

func (c *RootCommand) runCheck(cmd *cobra.Command, tolerance float64) error {
	logger, flush, err := c.logger()
	if err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	defer flush()

	types, err := c.Opts.AttentionTypes()
	if err != nil {
		return err
	}
	devices, err := c.Opts.DeviceCount()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(c.Opts.Seed))
	shape := []int{c.Opts.Batch, c.Opts.SeqLen, c.Opts.Heads, c.Opts.HeadDim}
	q := tensor.NewRand(rng, 1, shape...)
	k := tensor.NewRand(rng, 1, shape...)
	v := tensor.NewRand(rng, 1, shape...)
	g := tensor.NewRand(rng, 1, shape...)
	opts := c.Opts.AttentionOptions()

	want, err := attention.Standard(q, k, v, nil, opts)
	if err != nil {
		return errors.Wrap(err, "reference forward")
	}
	var wantGrads *attention.Grads
	if c.Opts.Backward {
		if wantGrads, err = attention.StandardBackward(q, k, v, g, nil, opts); err != nil {
			return errors.Wrap(err, "reference backward")
		}
	}

	out := cmd.OutOrStdout()
	failed := false
	for _, typ := range types {
		r, err := ring.New(ring.Options{Type: typ, Devices: devices, Attention: opts}, ring.WithLogger(logger))
		if err != nil {
			return err
		}
		res, err := r.Forward(cmd.Context(), q, k, v, nil)
		if err != nil {
			return errors.Wrapf(err, "run %s forward", typ)
		}
		diffs := []deviation{{"output", tensor.MaxAbsDiff(want, res.Output)}}

		if wantGrads != nil {
			grads, err := r.Backward(cmd.Context(), res, g)
			if err != nil {
				return errors.Wrapf(err, "run %s backward", typ)
			}
			diffs = append(diffs,
				deviation{"dq", tensor.MaxAbsDiff(wantGrads.DQ, grads.DQ)},
				deviation{"dk", tensor.MaxAbsDiff(wantGrads.DK, grads.DK)},
				deviation{"dv", tensor.MaxAbsDiff(wantGrads.DV, grads.DV)},
			)
		}

		for _, d := range diffs {
			status := "ok"
			if d.diff > tolerance {
				status = "FAIL"
				failed = true
			}
			fmt.Fprintf(out, "%-8s %-6s max|Δ|=%.3e  %s\n", typ, d.name, d.diff, status)
		}
	}

	if failed {
		return errors.Wrapf(ErrMismatch, "tolerance %g", tolerance)
	}
	return nil
}
