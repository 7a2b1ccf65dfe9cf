// Package cmd implements the ringattn command line.
package cmd

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/scttfrdmn/ringattn/internal/config"
	"github.com/scttfrdmn/ringattn/internal/logging"
)

const longHelp = `
Simulate sequence-parallel Ring and Striped attention across N devices.

Each CLI argument has a corresponding environment variable in the form of the CLI argument prefixed
with RINGATTN. If both the flag and environment variable form are specified, the flag form takes
precedence. Both take precedence over a file passed with --config.

Examples
  --attention-type     RINGATTN_ATTENTION_TYPE
  --seq-len            RINGATTN_SEQ_LEN
  --query-chunk-size   RINGATTN_QUERY_CHUNK_SIZE
`

// RootCommand is the root command that represents the entrypoint to ringattn.
type RootCommand struct {
	*cobra.Command
	vpr  *viper.Viper
	Opts config.Config

	// newLogger is replaced in tests.
	newLogger func(level string) (logr.Logger, func(), error)
}

// NewRootCommand creates new RootCommand instance.
func NewRootCommand() (*RootCommand, error) {
	rootCmd := &RootCommand{
		Command: &cobra.Command{
			Use:          "ringattn",
			Short:        "Ring and Striped attention simulator",
			Long:         longHelp,
			SilenceUsage: true,
		},
		newLogger: func(level string) (logr.Logger, func(), error) {
			return logging.New("ringattn", level)
		},
	}

	rootCmd.PersistentPreRunE = rootCmd.PreRun
	rootCmd.PersistentFlags().SortFlags = false // Print flag help in the order they're specified.

	// Ensure keys with `-` use `_` for env keys else Viper won't match them.
	rootCmd.vpr = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	rootCmd.vpr.SetEnvPrefix(config.EnvNamePrefix)

	if err := rootCmd.configureFlags(); err != nil {
		return nil, err
	}

	rootCmd.AddCommand(
		newBenchCommand(rootCmd),
		newCheckCommand(rootCmd),
		newPlanCommand(rootCmd),
	)

	return rootCmd, nil
}

// PreRun satisfies cobra.Command.PersistentPreRunE. It's responsible for populating c.Opts.
func (c *RootCommand) PreRun(*cobra.Command, []string) error {
	if path := c.vpr.GetString("config"); path != "" {
		c.vpr.SetConfigFile(path)
	}
	opts, err := config.Load(c.vpr)
	if err != nil {
		return err
	}
	c.Opts = opts
	return nil
}

func (c *RootCommand) logger() (logr.Logger, func(), error) {
	return c.newLogger(c.Opts.LogLevel)
}

func (c *RootCommand) configureFlags() error {
	d := config.Defaults()
	f := c.PersistentFlags()

	f.String("config", "", "Path to a YAML, JSON or TOML config file")

	f.String("attention-type", d.AttentionType, "Sequence partitioning: ring, striped or both")
	f.Int("devices", d.Devices, "Number of simulated devices in the ring")
	f.String("mesh-dim", d.MeshDim, "Device mesh dp,fsdp,tp,sp over --devices; -1 absorbs the rest and sp sizes the ring")

	f.Int("batch", d.Batch, "Batch size")
	f.Int("seq-len", d.SeqLen, "Sequence length; must divide evenly across devices")
	f.Int("heads", d.Heads, "Number of attention heads")
	f.Int("head-dim", d.HeadDim, "Dimension of each head")

	f.Int("query-chunk-size", d.QueryChunkSize, "Query chunk size of the blockwise kernel")
	f.Int("key-chunk-size", d.KeyChunkSize, "Key chunk size of the blockwise kernel")
	f.Bool("causal", d.Causal, "Apply a causal mask")
	f.Float64("attn-pdrop", d.AttnPdrop, "Attention dropout rate")
	f.Int64("seed", d.Seed, "Seed for inputs and dropout")

	f.Int("steps", d.Steps, "Timed benchmark steps")
	f.Int("warmup", d.Warmup, "Untimed benchmark steps run first")
	f.Bool("backward", d.Backward, "Include the backward pass in each step")
	f.Int("ffn-chunk-size", d.FFNChunkSize, "Apply a blockwise feed-forward layer with this chunk size; 0 disables it")

	f.String("metrics-addr", d.MetricsAddr, "Serve Prometheus metrics on this address, e.g. :9090")
	f.Duration("metrics-shutdown-timeout", d.MetricsShutdownTimeout, "How long in-flight metrics scrapes may take once the benchmark ends")
	f.String("log-level", d.LogLevel, "Log level: debug, info, warn or error")
	f.String("output", d.Output, "Write the JSON benchmark report to this path")

	if err := c.vpr.BindPFlags(f); err != nil {
		return err
	}

	var err error
	f.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = c.vpr.BindEnv(f.Name)
	})

	return err
}
