// Package config holds the typed options shared by every ringattn command.
// Values come from flags, RINGATTN_* environment variables and an optional
// config file, merged by viper.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/scttfrdmn/ringattn/attention"
	"github.com/scttfrdmn/ringattn/internal/logging"
	"github.com/scttfrdmn/ringattn/ring"
)

// EnvNamePrefix defines the environment variable prefix required for all environment configuration.
const EnvNamePrefix = "RINGATTN"

// Both runs ring and striped attention back to back.
const Both = "both"

// ErrInvalid indicates a configuration that cannot be run.
var ErrInvalid = errors.New("config: invalid")

// Config encompasses all the configurability of ringattn.
type Config struct {
	AttentionType string `mapstructure:"attention-type"`
	Devices       int    `mapstructure:"devices"`
	MeshDim       string `mapstructure:"mesh-dim"`

	Batch   int `mapstructure:"batch"`
	SeqLen  int `mapstructure:"seq-len"`
	Heads   int `mapstructure:"heads"`
	HeadDim int `mapstructure:"head-dim"`

	QueryChunkSize int     `mapstructure:"query-chunk-size"`
	KeyChunkSize   int     `mapstructure:"key-chunk-size"`
	Causal         bool    `mapstructure:"causal"`
	AttnPdrop      float64 `mapstructure:"attn-pdrop"`
	Seed           int64   `mapstructure:"seed"`

	Steps        int  `mapstructure:"steps"`
	Warmup       int  `mapstructure:"warmup"`
	Backward     bool `mapstructure:"backward"`
	FFNChunkSize int  `mapstructure:"ffn-chunk-size"`

	MetricsAddr            string        `mapstructure:"metrics-addr"`
	MetricsShutdownTimeout time.Duration `mapstructure:"metrics-shutdown-timeout"`
	LogLevel               string        `mapstructure:"log-level"`
	Output                 string        `mapstructure:"output"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		AttentionType:  ring.Ring.String(),
		Devices:        4,
		Batch:          1,
		SeqLen:         256,
		Heads:          2,
		HeadDim:        16,
		QueryChunkSize: 16,
		KeyChunkSize:   16,
		Causal:         true,
		Seed:           42,
		Steps:          5,
		Warmup:         1,
		Backward:       true,
		LogLevel:       "info",

		MetricsShutdownTimeout: 5 * time.Second,
	}
}

// Load unmarshals v into a Config, reading the config file first when one is
// set, and validates the result.
func Load(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", v.ConfigFileUsed())
		}
	}
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration describes a runnable ring.
func (c Config) Validate() error {
	if _, err := c.AttentionTypes(); err != nil {
		return err
	}
	devices, err := c.DeviceCount()
	if err != nil {
		return err
	}
	for name, v := range map[string]int{
		"batch":            c.Batch,
		"seq-len":          c.SeqLen,
		"heads":            c.Heads,
		"head-dim":         c.HeadDim,
		"query-chunk-size": c.QueryChunkSize,
		"key-chunk-size":   c.KeyChunkSize,
		"steps":            c.Steps,
	} {
		if v <= 0 {
			return errors.Wrapf(ErrInvalid, "%s must be positive, got %d", name, v)
		}
	}
	if c.MetricsShutdownTimeout <= 0 {
		return errors.Wrapf(ErrInvalid, "metrics-shutdown-timeout must be positive, got %v", c.MetricsShutdownTimeout)
	}
	if c.Warmup < 0 || c.FFNChunkSize < 0 {
		return errors.Wrapf(ErrInvalid, "warmup and ffn-chunk-size must not be negative")
	}
	if c.SeqLen%devices != 0 {
		return errors.Wrapf(ErrInvalid, "seq-len %d not divisible by %d devices", c.SeqLen, devices)
	}
	block := c.SeqLen / devices
	if block%c.QueryChunkSize != 0 || block%c.KeyChunkSize != 0 {
		return errors.Wrapf(ErrInvalid, "block size %d not divisible by chunk sizes %d/%d", block, c.QueryChunkSize, c.KeyChunkSize)
	}
	if c.FFNChunkSize > 0 && c.SeqLen%c.FFNChunkSize != 0 {
		return errors.Wrapf(ErrInvalid, "seq-len %d not divisible by ffn-chunk-size %d", c.SeqLen, c.FFNChunkSize)
	}
	if c.AttnPdrop < 0 || c.AttnPdrop >= 1 {
		return errors.Wrapf(ErrInvalid, "attn-pdrop must be in [0, 1), got %v", c.AttnPdrop)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(ErrInvalid, "log-level: %v", err)
	}
	return nil
}

// AttentionTypes expands the attention-type setting. "both" yields ring then
// striped.
func (c Config) AttentionTypes() ([]ring.AttentionType, error) {
	if strings.EqualFold(strings.TrimSpace(c.AttentionType), Both) {
		return []ring.AttentionType{ring.Ring, ring.Striped}, nil
	}
	t, err := ring.ParseAttentionType(c.AttentionType)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "attention-type: %v", err)
	}
	return []ring.AttentionType{t}, nil
}

// DeviceCount is the ring size: the sp axis of mesh-dim when set, otherwise
// devices.
func (c Config) DeviceCount() (int, error) {
	if c.Devices <= 0 {
		return 0, errors.Wrapf(ErrInvalid, "devices must be positive, got %d", c.Devices)
	}
	if c.MeshDim == "" {
		return c.Devices, nil
	}
	mesh, err := ParseMesh(c.MeshDim, c.Devices)
	if err != nil {
		return 0, err
	}
	return mesh.SP, nil
}

// AttentionOptions returns the kernel options. Dropout is active only when
// attn-pdrop is positive.
func (c Config) AttentionOptions() attention.Options {
	return attention.Options{
		QueryChunkSize: c.QueryChunkSize,
		KeyChunkSize:   c.KeyChunkSize,
		Causal:         c.Causal,
		DropoutRate:    c.AttnPdrop,
		DropoutSeed:    uint64(c.Seed),
		Deterministic:  c.AttnPdrop == 0,
	}
}

// Mesh is a device mesh over data, fully-sharded data, tensor and sequence
// parallel axes. Only SP shapes the ring; the other axes are validated so a
// mesh string can be shared with a launcher.
type Mesh struct {
	DP, FSDP, TP, SP int
}

// Size is the product of all axes.
func (m Mesh) Size() int {
	return m.DP * m.FSDP * m.TP * m.SP
}

// ParseMesh parses "dp,fsdp,tp,sp" for a pool of devices. At most one axis
// may be -1; it takes whatever devices the other axes leave.
func ParseMesh(s string, devices int) (Mesh, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Mesh{}, errors.Wrapf(ErrInvalid, "mesh-dim %q must have 4 axes (dp,fsdp,tp,sp)", s)
	}

	axes := make([]int, 4)
	free := -1
	known := 1
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Mesh{}, errors.Wrapf(ErrInvalid, "mesh-dim %q: %v", s, err)
		}
		switch {
		case v == -1 && free == -1:
			free = i
		case v == -1:
			return Mesh{}, errors.Wrapf(ErrInvalid, "mesh-dim %q: only one axis may be -1", s)
		case v <= 0:
			return Mesh{}, errors.Wrapf(ErrInvalid, "mesh-dim %q: axis %d must be positive or -1", s, i)
		default:
			known *= v
		}
		axes[i] = v
	}

	if free >= 0 {
		if devices%known != 0 {
			return Mesh{}, errors.Wrapf(ErrInvalid, "mesh-dim %q does not divide %d devices", s, devices)
		}
		axes[free] = devices / known
	}
	m := Mesh{DP: axes[0], FSDP: axes[1], TP: axes[2], SP: axes[3]}
	if m.Size() != devices {
		return Mesh{}, errors.Wrapf(ErrInvalid, "mesh-dim %q covers %d devices, have %d", s, m.Size(), devices)
	}
	return m, nil
}
