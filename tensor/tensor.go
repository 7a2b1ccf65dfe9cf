// Package tensor provides the dense float64 arrays the attention kernels and
// the device ring operate on.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// RECOMMENDED READING:
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations
//
// Implementation:
// - "Programming Massively Parallel Processors" by Hwu, Kirk, Hajj (2022)
//   Tiling and data layout for attention-style kernels

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")

	// ErrInvalidIndex indicates an out-of-bounds axis or range.
	ErrInvalidIndex = errors.New("tensor: invalid index")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Attention tensors use the layout [batch, seq, heads, headDim]; softmax
// statistics use [batch, heads, seq].
//
// Tensor is not safe for concurrent writes. Concurrent readers are fine, and
// the device ring relies on that: a K/V block is only read while it travels.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions
}

// New creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors here are programmer bugs, not runtime conditions.
func New(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// FromData wraps data in a tensor of the given shape. The slice is not copied.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidShape, shape)
		}
		size *= dim
	}
	if len(shape) == 0 || size != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrInvalidShape, len(data), shape)
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{data: data, shape: shapeCopy}, nil
}

// NewRand creates a tensor with values from a normal distribution with the
// given standard deviation, drawn from rng.
// Uses the Box-Muller transform, two samples per pair of uniforms.
func NewRand(rng *rand.Rand, stddev float64, shape ...int) *Tensor {
	t := New(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rng.Float64(), rng.Float64()
		// Guard log(0)
		if u1 == 0 {
			u1 = math.SmallestNonzeroFloat64
		}
		mag := stddev * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// ZerosLike returns a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.shape...)
}

// Shape returns a copy of the tensor's shape.
// The returned slice can be safely modified without affecting the tensor.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the underlying row-major storage. Kernels index it directly;
// writes are visible through the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
// Panics on invalid indices.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1

	// Compute flat index in row-major order
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := New(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// Zero clears every element in place.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Reshape returns a new view of the tensor with a different shape.
// The total number of elements must remain the same.
// The returned tensor shares the underlying data.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}

	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data, // Share underlying data
		shape: shapeCopy,
	}
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// AXIS OPERATIONS
// ===========================================================================

// splitAt returns (outer, axisLen, inner) for axis: the tensor is viewed as
// [outer, axisLen, inner].
func (t *Tensor) splitAt(axis int) (int, int, int) {
	outer, inner := 1, 1
	for i := 0; i < axis; i++ {
		outer *= t.shape[i]
	}
	for i := axis + 1; i < len(t.shape); i++ {
		inner *= t.shape[i]
	}
	return outer, t.shape[axis], inner
}

// Slice copies the range [start, end) of axis into a new tensor.
func Slice(t *Tensor, axis, start, end int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("%w: axis %d of rank %d", ErrInvalidIndex, axis, len(t.shape))
	}
	if start < 0 || end > t.shape[axis] || start >= end {
		return nil, fmt.Errorf("%w: range [%d,%d) of axis %d (len %d)", ErrInvalidIndex, start, end, axis, t.shape[axis])
	}

	outer, n, inner := t.splitAt(axis)
	shape := t.Shape()
	shape[axis] = end - start
	out := New(shape...)

	width := (end - start) * inner
	for o := 0; o < outer; o++ {
		src := t.data[(o*n+start)*inner : (o*n+end)*inner]
		copy(out.data[o*width:(o+1)*width], src)
	}
	return out, nil
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrInvalidShape)
	}
	first := ts[0]
	if axis < 0 || axis >= len(first.shape) {
		return nil, fmt.Errorf("%w: axis %d of rank %d", ErrInvalidIndex, axis, len(first.shape))
	}

	total := 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			return nil, fmt.Errorf("%w: rank %d vs %d", ErrShapeMismatch, len(t.shape), len(first.shape))
		}
		for i := range t.shape {
			if i != axis && t.shape[i] != first.shape[i] {
				return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t.shape, first.shape)
			}
		}
		total += t.shape[axis]
	}

	shape := first.Shape()
	shape[axis] = total
	out := New(shape...)

	outer, _, inner := first.splitAt(axis)
	offset := 0
	for _, t := range ts {
		n := t.shape[axis]
		for o := 0; o < outer; o++ {
			dst := out.data[(o*total+offset)*inner : (o*total+offset+n)*inner]
			copy(dst, t.data[o*n*inner:(o+1)*n*inner])
		}
		offset += n
	}
	return out, nil
}

// Gather builds a tensor whose axis entry i is t's axis entry index[i].
// len(index) must equal the axis length.
func Gather(t *Tensor, axis int, index []int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("%w: axis %d of rank %d", ErrInvalidIndex, axis, len(t.shape))
	}
	outer, n, inner := t.splitAt(axis)
	if len(index) != n {
		return nil, fmt.Errorf("%w: %d indices for axis of length %d", ErrShapeMismatch, len(index), n)
	}
	out := New(t.shape...)
	for o := 0; o < outer; o++ {
		for i, src := range index {
			if src < 0 || src >= n {
				return nil, fmt.Errorf("%w: index %d", ErrInvalidIndex, src)
			}
			copy(out.data[(o*n+i)*inner:(o*n+i+1)*inner], t.data[(o*n+src)*inner:(o*n+src+1)*inner])
		}
	}
	return out, nil
}

// MaxAbsDiff returns the largest element-wise |a - b|.
// Panics if shapes don't match.
func MaxAbsDiff(a, b *Tensor) float64 {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot compare shapes %v and %v", a.shape, b.shape))
	}
	var worst float64
	for i := range a.data {
		if d := math.Abs(a.data[i] - b.data[i]); d > worst {
			worst = d
		}
	}
	return worst
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// AddRowBias adds bias (shape [N]) to every row of x (shape [M, N]).
func AddRowBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("tensor: cannot add bias %v to %v", bias.shape, x.shape))
	}
	out := x.Clone()
	cols := x.shape[1]
	for i := 0; i < x.shape[0]; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] += bias.data[j]
		}
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	m, k, n := matmulDims(a, b)
	out := New(m, n)
	matmulRows(a, b, out, 0, m, k, n)
	return out
}

func matmulDims(a, b *Tensor) (int, int, int) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	if a.shape[1] != b.shape[0] {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul %v @ %v", a.shape, b.shape))
	}
	return a.shape[0], a.shape[1], b.shape[1]
}

// matmulRows computes rows [start, end) of out = a @ b using the i-k-j loop
// order so the inner loop walks both b and out contiguously.
func matmulRows(a, b, out *Tensor, start, end, k, n int) {
	for i := start; i < end; i++ {
		row := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			aik := a.data[i*k+kk]
			if aik == 0 {
				continue
			}
			brow := b.data[kk*n : (kk+1)*n]
			for j := range row {
				row[j] += aik * brow[j]
			}
		}
	}
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// GELU applies Gaussian Error Linear Unit.
//
// GELU(x) ≈ 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELU(x *Tensor) *Tensor {
	out := New(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654 // sqrt(2/π)
		coeff       = 0.044715
	)

	for i, v := range x.data {
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}

	return out
}

// SoftmaxInPlace normalizes a single row. Entries at -Inf get probability
// zero; a row with no finite entry becomes all zeros.
func SoftmaxInPlace(row []float64) {
	maxVal := math.Inf(-1)
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		clear(row)
		return
	}
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - maxVal)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}

// ===========================================================================
// HELPERS
// ===========================================================================

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return shapeEqual(a.shape, b.shape)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
