package ring

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrAttentionType indicates an unrecognized attention type.
var ErrAttentionType = errors.New("ring: unknown attention type")

// AttentionType selects how the sequence is partitioned across devices.
type AttentionType int

const (
	// Ring gives each device a contiguous block of the sequence.
	Ring AttentionType = iota

	// Striped gives device r the tokens r, r+N, r+2N, ... so every device
	// sees an equal share of the causal mask at every step.
	Striped
)

// ParseAttentionType maps a configuration value to an AttentionType. Matching
// is case-insensitive and the empty string selects Ring.
func ParseAttentionType(s string) (AttentionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ring":
		return Ring, nil
	case "striped":
		return Striped, nil
	default:
		return Ring, errors.Wrapf(ErrAttentionType, "%q (want ring or striped)", s)
	}
}

func (t AttentionType) String() string {
	switch t {
	case Ring:
		return "ring"
	case Striped:
		return "striped"
	default:
		return "unknown"
	}
}

// IsStriped reports whether tokens are permuted before sharding.
func (t AttentionType) IsStriped() bool {
	return t == Striped
}

// MarshalText implements encoding.TextMarshaler.
func (t AttentionType) MarshalText() ([]byte, error) {
	if t != Ring && t != Striped {
		return nil, errors.Wrapf(ErrAttentionType, "%d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *AttentionType) UnmarshalText(b []byte) error {
	v, err := ParseAttentionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
