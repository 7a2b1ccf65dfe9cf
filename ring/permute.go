package ring

import (
	"github.com/pkg/errors"

	"github.com/scttfrdmn/ringattn/tensor"
)

// ErrDevices indicates a device count that is non-positive or does not
// divide the sequence.
var ErrDevices = errors.New("ring: invalid device count")

// ===========================================================================
// STRIPING
// ===========================================================================
//
// Striping is the rearrangement "(n d) -> (d n)": read the sequence as n rows
// of d = devices tokens and transpose it, so the row-major result lists every
// device's tokens contiguously. With 8 tokens and 2 devices:
//
//   natural  0 1 2 3 4 5 6 7
//   striped  0 2 4 6 | 1 3 5 7
//            dev 0     dev 1
//
// Contiguous sharding of the striped sequence then hands token r+k*N to
// device r. Unpermute is the inverse.
//
// ===========================================================================

func checkDevices(seqLen, devices int) error {
	if devices <= 0 {
		return errors.Wrapf(ErrDevices, "devices must be positive, got %d", devices)
	}
	if seqLen%devices != 0 {
		return errors.Wrapf(ErrDevices, "sequence length %d not divisible by %d devices", seqLen, devices)
	}
	return nil
}

// Permute returns seq in striped order for the given number of devices.
func Permute[T any](seq []T, devices int) ([]T, error) {
	if err := checkDevices(len(seq), devices); err != nil {
		return nil, err
	}
	rows := len(seq) / devices
	out := make([]T, len(seq))
	for n := 0; n < rows; n++ {
		for d := 0; d < devices; d++ {
			out[d*rows+n] = seq[n*devices+d]
		}
	}
	return out, nil
}

// Unpermute reverses Permute.
func Unpermute[T any](seq []T, devices int) ([]T, error) {
	if err := checkDevices(len(seq), devices); err != nil {
		return nil, err
	}
	rows := len(seq) / devices
	out := make([]T, len(seq))
	for n := 0; n < rows; n++ {
		for d := 0; d < devices; d++ {
			out[n*devices+d] = seq[d*rows+n]
		}
	}
	return out, nil
}

// PermuteTokens applies the token layout of t to every sequence in a batch.
// Ring leaves the batch untouched.
func PermuteTokens(t AttentionType, batch [][]int, devices int) ([][]int, error) {
	if !t.IsStriped() {
		return batch, nil
	}
	out := make([][]int, len(batch))
	for i, seq := range batch {
		p, err := Permute(seq, devices)
		if err != nil {
			return nil, errors.Wrapf(err, "sequence %d", i)
		}
		out[i] = p
	}
	return out, nil
}

// layoutIndex returns, for each layout position, the natural position it
// holds.
func layoutIndex(seqLen, devices int) ([]int, error) {
	natural := make([]int, seqLen)
	for i := range natural {
		natural[i] = i
	}
	return Permute(natural, devices)
}

// PermuteSeq reorders axis 1 of x ([batch, seq, ...]) into the layout of t.
func PermuteSeq(t AttentionType, x *tensor.Tensor, devices int) (*tensor.Tensor, error) {
	if x.Dims() < 2 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "need [batch, seq, ...], got %v", x.Shape())
	}
	if err := checkDevices(x.Dim(1), devices); err != nil {
		return nil, err
	}
	if !t.IsStriped() {
		return x, nil
	}
	index, err := layoutIndex(x.Dim(1), devices)
	if err != nil {
		return nil, err
	}
	return tensor.Gather(x, 1, index)
}

// UnpermuteSeq reverses PermuteSeq.
func UnpermuteSeq(t AttentionType, x *tensor.Tensor, devices int) (*tensor.Tensor, error) {
	if x.Dims() < 2 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "need [batch, seq, ...], got %v", x.Shape())
	}
	if err := checkDevices(x.Dim(1), devices); err != nil {
		return nil, err
	}
	if !t.IsStriped() {
		return x, nil
	}
	layout, err := layoutIndex(x.Dim(1), devices)
	if err != nil {
		return nil, err
	}
	inverse := make([]int, len(layout))
	for p, nat := range layout {
		inverse[nat] = p
	}
	return tensor.Gather(x, 1, inverse)
}
