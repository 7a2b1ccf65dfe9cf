package attention

import (
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrShape indicates inputs whose shapes cannot be attended together.
	ErrShape = errors.New("attention: shape mismatch")

	// ErrChunk indicates chunk or block sizes that do not tile the sequence.
	ErrChunk = errors.New("attention: invalid chunking")

	// ErrDropout indicates a dropout rate outside [0, 1).
	ErrDropout = errors.New("attention: invalid dropout rate")
)

// maskScore is the score of masked and dropped entries. They contribute
// nothing to the softmax; a query row with no other score attends to nothing
// and its output is zero.
var maskScore = math.Inf(-1)

// Options configures the blockwise kernel.
//
// Positions handed to the kernel are layout positions: indices into the
// concatenation of all device blocks, in the order the blocks are laid out
// across the ring. When Striped is set that order is the striped permutation
// of the natural sequence, and BlockSize/NumBlocks describe it.
type Options struct {
	// QueryChunkSize and KeyChunkSize tile each block. Both must divide
	// the block length.
	QueryChunkSize int
	KeyChunkSize   int

	// Causal restricts each query to keys at or before its natural position.
	Causal bool

	// Striped marks layout positions as striped: layout position p holds
	// natural token (p % BlockSize) * NumBlocks + p / BlockSize.
	Striped bool

	// BlockSize is the number of tokens per device. Zero means the whole
	// key sequence is one block.
	BlockSize int

	// NumBlocks is the number of devices. Zero means one.
	NumBlocks int

	// DropoutRate drops attention entries before normalization when
	// Deterministic is false.
	DropoutRate   float64
	DropoutSeed   uint64
	Deterministic bool
}

// normalize fills BlockSize and NumBlocks for a single-device run over seqLen
// tokens.
func (o Options) normalize(seqLen int) Options {
	if o.BlockSize <= 0 {
		o.BlockSize = seqLen
	}
	if o.NumBlocks <= 0 {
		o.NumBlocks = 1
	}
	return o
}

// Validate checks the options against per-device query and key lengths.
func (o Options) Validate(qLen, kvLen int) error {
	o = o.normalize(kvLen)
	if o.QueryChunkSize <= 0 || o.KeyChunkSize <= 0 {
		return errors.Wrapf(ErrChunk, "chunk sizes must be positive, got query=%d key=%d", o.QueryChunkSize, o.KeyChunkSize)
	}
	if qLen%o.QueryChunkSize != 0 {
		return errors.Wrapf(ErrChunk, "query length %d not divisible by query chunk size %d", qLen, o.QueryChunkSize)
	}
	if kvLen%o.KeyChunkSize != 0 {
		return errors.Wrapf(ErrChunk, "key length %d not divisible by key chunk size %d", kvLen, o.KeyChunkSize)
	}
	if o.BlockSize%o.QueryChunkSize != 0 || o.BlockSize%o.KeyChunkSize != 0 {
		return errors.Wrapf(ErrChunk, "block size %d not divisible by chunk sizes %d/%d", o.BlockSize, o.QueryChunkSize, o.KeyChunkSize)
	}
	if o.DropoutRate < 0 || o.DropoutRate >= 1 {
		return errors.Wrapf(ErrDropout, "%v", o.DropoutRate)
	}
	return nil
}

// SeqLen is the total number of tokens across all blocks.
func (o Options) SeqLen() int {
	return o.BlockSize * o.NumBlocks
}

// Natural maps a layout position to its position in the original sequence.
func (o Options) Natural(p int) int {
	if !o.Striped || o.NumBlocks <= 1 {
		return p
	}
	return (p%o.BlockSize)*o.NumBlocks + p/o.BlockSize
}

// Masked reports whether the query at layout position qPos may not attend
// the key at layout position kPos.
//
// In the striped layout a query in block qb at offset qi holds natural token
// qi*N+qb, so it sees key kj*N+kb iff qi > kj, or qi == kj and qb >= kb.
// Shifting qi down by one when qb < kb folds both cases into a single
// comparison.
func (o Options) Masked(qPos, kPos int) bool {
	if !o.Causal {
		return false
	}
	if !o.Striped {
		return qPos < kPos
	}
	qi, kj := qPos%o.BlockSize, kPos%o.BlockSize
	if qPos/o.BlockSize < kPos/o.BlockSize {
		qi--
	}
	return qi < kj
}

// SkipChunk reports whether every entry of the (query chunk, key chunk) pair
// starting at layout positions qLo and kLo is causally masked.
func (o Options) SkipChunk(qLo, kLo int) bool {
	if !o.Causal {
		return false
	}
	if o.Striped {
		qLo %= o.BlockSize
		kLo %= o.BlockSize
	}
	return qLo+o.QueryChunkSize <= kLo
}

// dropping reports whether dropout is active.
func (o Options) dropping() bool {
	return !o.Deterministic && o.DropoutRate > 0
}

// Dropped reports whether the entry (batch, head, query, key), addressed by
// natural positions, is dropped. The decision is a pure function of the seed
// and the natural coordinates so every partitioning drops the same entries.
func (o Options) Dropped(b, h, qNat, kNat int) bool {
	if !o.dropping() {
		return false
	}
	x := o.DropoutSeed
	for _, v := range [...]int{b, h, qNat, kNat} {
		x = splitmix64(x ^ uint64(v))
	}
	return float64(x>>11)/(1<<53) < o.DropoutRate
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
