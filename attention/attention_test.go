package attention

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/ringattn/tensor"
)

const tolerance = 1e-9

type inputs struct {
	q, k, v, bias *tensor.Tensor
}

func randomInputs(seed int64, batch, seqLen, heads, dim int, withBias bool) inputs {
	rng := rand.New(rand.NewSource(seed))
	in := inputs{
		q: tensor.NewRand(rng, 1, batch, seqLen, heads, dim),
		k: tensor.NewRand(rng, 1, batch, seqLen, heads, dim),
		v: tensor.NewRand(rng, 1, batch, seqLen, heads, dim),
	}
	if withBias {
		in.bias = tensor.NewRand(rng, 0.5, batch, seqLen)
	}
	return in
}

func approx(t *testing.T, want, got *tensor.Tensor, msgAndArgs ...any) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape())
	if diff := cmp.Diff(want.Data(), got.Data(), cmpopts.EquateApprox(0, tolerance)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s\n%v", diff, msgAndArgs)
	}
}

func TestBlockwiseMatchesStandard(t *testing.T) {
	tests := []struct {
		name           string
		causal         bool
		bias           bool
		qChunk, kChunk int
	}{
		{"causal", true, false, 4, 4},
		{"causal uneven chunks", true, false, 2, 8},
		{"causal with bias", true, true, 4, 2},
		{"full", false, false, 8, 4},
		{"full with bias", false, true, 16, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := randomInputs(1, 2, 16, 3, 8, tt.bias)
			opts := Options{QueryChunkSize: tt.qChunk, KeyChunkSize: tt.kChunk, Causal: tt.causal, Deterministic: true}

			want, err := Standard(in.q, in.k, in.v, in.bias, opts)
			require.NoError(t, err)
			res, _, err := Blockwise(in.q, in.k, in.v, in.bias, opts)
			require.NoError(t, err)
			approx(t, want, res.Output)
		})
	}
}

func TestBlockwiseDropoutMatchesStandard(t *testing.T) {
	in := randomInputs(2, 1, 16, 2, 4, false)
	opts := Options{QueryChunkSize: 4, KeyChunkSize: 4, DropoutRate: 0.25, DropoutSeed: 7}

	want, err := Standard(in.q, in.k, in.v, nil, opts)
	require.NoError(t, err)
	res, _, err := Blockwise(in.q, in.k, in.v, nil, opts)
	require.NoError(t, err)
	approx(t, want, res.Output)

	// Deterministic turns dropout off.
	opts.Deterministic = true
	clean, err := Standard(in.q, in.k, in.v, nil, opts)
	require.NoError(t, err)
	assert.Greater(t, tensor.MaxAbsDiff(want, clean), 1e-6)
}

func TestBlockwiseCausalDropoutMatchesStandard(t *testing.T) {
	tests := []struct {
		name           string
		qChunk, kChunk int
		bias           bool
	}{
		{"query chunks smaller", 2, 4, false},
		{"key chunks smaller", 4, 2, true},
		{"one chunk", 16, 16, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := randomInputs(12, 2, 16, 2, 4, tt.bias)
			g := tensor.NewRand(rand.New(rand.NewSource(13)), 1, 2, 16, 2, 4)
			opts := Options{QueryChunkSize: tt.qChunk, KeyChunkSize: tt.kChunk, Causal: true, DropoutRate: 0.3, DropoutSeed: 21}

			want, err := Standard(in.q, in.k, in.v, in.bias, opts)
			require.NoError(t, err)
			res, _, err := Blockwise(in.q, in.k, in.v, in.bias, opts)
			require.NoError(t, err)
			approx(t, want, res.Output)

			wantGrads, err := StandardBackward(in.q, in.k, in.v, g, in.bias, opts)
			require.NoError(t, err)
			grads, _, err := BlockwiseBackward(in.q, in.k, in.v, g, in.bias, res, opts)
			require.NoError(t, err)
			approx(t, wantGrads.DQ, grads.DQ, "dq")
			approx(t, wantGrads.DK, grads.DK, "dk")
			approx(t, wantGrads.DV, grads.DV, "dv")
		})
	}
}

func TestFullyDroppedRowsAreZero(t *testing.T) {
	const batch, seqLen, heads, dim = 2, 8, 2, 4
	in := randomInputs(14, batch, seqLen, heads, dim, false)
	g := tensor.NewRand(rand.New(rand.NewSource(15)), 1, batch, seqLen, heads, dim)
	opts := Options{QueryChunkSize: 2, KeyChunkSize: 4, Causal: true, DropoutRate: 0.9, DropoutSeed: 3}

	res, _, err := Blockwise(in.q, in.k, in.v, nil, opts)
	require.NoError(t, err)
	grads, _, err := BlockwiseBackward(in.q, in.k, in.v, g, nil, res, opts)
	require.NoError(t, err)

	empty := 0
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seqLen; i++ {
				visible := false
				for j := 0; j <= i; j++ {
					visible = visible || !opts.Dropped(b, h, i, j)
				}
				if visible {
					continue
				}
				empty++
				for d := 0; d < dim; d++ {
					assert.Equal(t, 0.0, res.Output.At(b, i, h, d), "b=%d h=%d q=%d", b, h, i)
					assert.Equal(t, 0.0, grads.DQ.At(b, i, h, d), "b=%d h=%d q=%d", b, h, i)
				}
			}
		}
	}
	require.Positive(t, empty, "no query row was fully dropped")

	for _, x := range res.Output.Data() {
		require.False(t, math.IsNaN(x))
	}
}

func TestDroppedIsPureAndNearRate(t *testing.T) {
	opts := Options{DropoutRate: 0.3, DropoutSeed: 11}
	dropped := 0
	for i := 0; i < 64; i++ {
		for j := 0; j < 64; j++ {
			d := opts.Dropped(0, 1, i, j)
			assert.Equal(t, d, opts.Dropped(0, 1, i, j))
			if d {
				dropped++
			}
		}
	}
	assert.InDelta(t, 0.3, float64(dropped)/(64*64), 0.05)

	opts.Deterministic = true
	assert.False(t, opts.Dropped(0, 1, 2, 3))
}

func TestStripedMaskMatchesNaturalOrder(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8} {
		opts := Options{Causal: true, Striped: true, BlockSize: 8, NumBlocks: n, QueryChunkSize: 2, KeyChunkSize: 2}
		for p := 0; p < opts.SeqLen(); p++ {
			for s := 0; s < opts.SeqLen(); s++ {
				want := opts.Natural(p) < opts.Natural(s)
				require.Equal(t, want, opts.Masked(p, s), "n=%d p=%d s=%d", n, p, s)
			}
		}
	}
}

func TestNaturalIsPermutation(t *testing.T) {
	opts := Options{Striped: true, BlockSize: 4, NumBlocks: 2}
	var got []int
	for p := 0; p < opts.SeqLen(); p++ {
		got = append(got, opts.Natural(p))
	}
	// Device 0 holds even tokens, device 1 odd.
	assert.Equal(t, []int{0, 2, 4, 6, 1, 3, 5, 7}, got)
}

func TestSkipChunkOnlySkipsMaskedPairs(t *testing.T) {
	for _, striped := range []bool{false, true} {
		opts := Options{Causal: true, Striped: striped, BlockSize: 8, NumBlocks: 4, QueryChunkSize: 2, KeyChunkSize: 4}
		for qLo := 0; qLo < opts.SeqLen(); qLo += opts.QueryChunkSize {
			for kLo := 0; kLo < opts.SeqLen(); kLo += opts.KeyChunkSize {
				if !opts.SkipChunk(qLo, kLo) {
					continue
				}
				for p := qLo; p < qLo+opts.QueryChunkSize; p++ {
					for s := kLo; s < kLo+opts.KeyChunkSize; s++ {
						require.True(t, opts.Masked(p, s), "striped=%v q=%d k=%d", striped, p, s)
					}
				}
			}
		}
	}
}

func TestWorkCounts(t *testing.T) {
	in := randomInputs(3, 1, 8, 1, 4, false)

	_, work, err := Blockwise(in.q, in.k, in.v, nil, Options{QueryChunkSize: 2, KeyChunkSize: 2, Causal: true})
	require.NoError(t, err)
	assert.Equal(t, Work{Computed: 10, Skipped: 6}, work)

	_, work, err = Blockwise(in.q, in.k, in.v, nil, Options{QueryChunkSize: 2, KeyChunkSize: 2})
	require.NoError(t, err)
	assert.Equal(t, Work{Computed: 16}, work)

	work.Add(Work{Computed: 1, Skipped: 2})
	assert.Equal(t, Work{Computed: 17, Skipped: 2}, work)
}

// TestCarryIsOrderIndependent folds key blocks in reverse order, the way a
// ring delivers them to its first device, and expects the same result.
func TestCarryIsOrderIndependent(t *testing.T) {
	in := randomInputs(4, 1, 16, 2, 4, true)
	opts := Options{QueryChunkSize: 4, KeyChunkSize: 4, Causal: true, BlockSize: 4, NumBlocks: 4, Deterministic: true}

	want, err := Standard(in.q, in.k, in.v, in.bias, opts)
	require.NoError(t, err)

	c := NewCarry(1, 16, 2, 4)
	for blk := 3; blk >= 0; blk-- {
		k, err := tensor.Slice(in.k, 1, blk*4, (blk+1)*4)
		require.NoError(t, err)
		v, err := tensor.Slice(in.v, 1, blk*4, (blk+1)*4)
		require.NoError(t, err)
		Forward(in.q, k, v, in.bias, c, 0, blk*4, opts)
	}
	approx(t, want, c.Finalize().Output)
}

func TestBlockwiseBackwardMatchesStandard(t *testing.T) {
	for _, causal := range []bool{true, false} {
		in := randomInputs(5, 2, 8, 2, 4, true)
		g := tensor.NewRand(rand.New(rand.NewSource(6)), 1, 2, 8, 2, 4)
		opts := Options{QueryChunkSize: 2, KeyChunkSize: 4, Causal: causal, Deterministic: true}

		want, err := StandardBackward(in.q, in.k, in.v, g, in.bias, opts)
		require.NoError(t, err)

		res, _, err := Blockwise(in.q, in.k, in.v, in.bias, opts)
		require.NoError(t, err)
		got, _, err := BlockwiseBackward(in.q, in.k, in.v, g, in.bias, res, opts)
		require.NoError(t, err)

		approx(t, want.DQ, got.DQ, "dq causal=%v", causal)
		approx(t, want.DK, got.DK, "dk causal=%v", causal)
		approx(t, want.DV, got.DV, "dv causal=%v", causal)
	}
}

// TestStandardBackwardFiniteDifference checks the reference gradient against
// central differences of L = Σ g ⊙ O.
func TestStandardBackwardFiniteDifference(t *testing.T) {
	in := randomInputs(7, 1, 4, 1, 3, false)
	g := tensor.NewRand(rand.New(rand.NewSource(8)), 1, 1, 4, 1, 3)
	opts := Options{QueryChunkSize: 4, KeyChunkSize: 4, Causal: true, Deterministic: true}

	grads, err := StandardBackward(in.q, in.k, in.v, g, nil, opts)
	require.NoError(t, err)

	loss := func() float64 {
		out, err := Standard(in.q, in.k, in.v, nil, opts)
		require.NoError(t, err)
		var l float64
		for i, x := range out.Data() {
			l += x * g.Data()[i]
		}
		return l
	}

	const eps = 1e-6
	for _, c := range []struct {
		name string
		x    *tensor.Tensor
		grad *tensor.Tensor
	}{{"q", in.q, grads.DQ}, {"k", in.k, grads.DK}, {"v", in.v, grads.DV}} {
		for i := range c.x.Data() {
			orig := c.x.Data()[i]
			c.x.Data()[i] = orig + eps
			plus := loss()
			c.x.Data()[i] = orig - eps
			minus := loss()
			c.x.Data()[i] = orig
			assert.InDelta(t, (plus-minus)/(2*eps), c.grad.Data()[i], 1e-6, "%s[%d]", c.name, i)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"ok", Options{QueryChunkSize: 4, KeyChunkSize: 8}, nil},
		{"zero chunk", Options{QueryChunkSize: 0, KeyChunkSize: 8}, ErrChunk},
		{"query not divisible", Options{QueryChunkSize: 3, KeyChunkSize: 8}, ErrChunk},
		{"key not divisible", Options{QueryChunkSize: 4, KeyChunkSize: 5}, ErrChunk},
		{"block not divisible", Options{QueryChunkSize: 4, KeyChunkSize: 4, BlockSize: 6, NumBlocks: 2}, ErrChunk},
		{"dropout", Options{QueryChunkSize: 4, KeyChunkSize: 4, DropoutRate: 1}, ErrDropout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate(16, 16)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheckInputsShapes(t *testing.T) {
	opts := Options{QueryChunkSize: 4, KeyChunkSize: 4, Causal: true}

	q := tensor.New(1, 8, 2, 4)
	assert.ErrorIs(t, CheckInputs(q, tensor.New(1, 8, 2, 4), tensor.New(1, 8, 2, 5), nil, opts), ErrShape)
	assert.ErrorIs(t, CheckInputs(q, tensor.New(1, 8, 3, 4), tensor.New(1, 8, 3, 4), nil, opts), ErrShape)
	assert.ErrorIs(t, CheckInputs(tensor.New(8, 4), q, q, nil, opts), ErrShape)
	assert.ErrorIs(t, CheckInputs(q, q, q, tensor.New(1, 7), opts), ErrShape)
	assert.NoError(t, CheckInputs(q, q, q, tensor.New(1, 8), opts))

	_, err := Standard(q, tensor.New(1, 4, 2, 4), tensor.New(1, 4, 2, 4), nil, opts)
	assert.ErrorIs(t, err, ErrShape)
}

func TestPlanMatchesKernel(t *testing.T) {
	in := randomInputs(9, 1, 8, 1, 4, false)
	opts := Options{QueryChunkSize: 2, KeyChunkSize: 4, Causal: true, Striped: true, BlockSize: 8, NumBlocks: 3}

	for _, kOffset := range []int{0, 8, 16} {
		c := NewCarry(1, 8, 1, 4)
		got := Forward(in.q, in.k, in.v, nil, c, 8, kOffset, opts)
		assert.Equal(t, Plan(8, 8, 8, kOffset, opts), got, "kOffset=%d", kOffset)
	}
}
