package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/ringattn/bench"
	"github.com/scttfrdmn/ringattn/internal/config"
	ringhttp "github.com/scttfrdmn/ringattn/internal/http"
	"github.com/scttfrdmn/ringattn/internal/metrics"
)

func newBenchCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Time ring and striped attention on seeded inputs",
		Long: `Time ring and striped attention on seeded inputs.

When BENCHMARK_OUT_PATH is set, the step times of the last attention type are
written there as {"times": [...]}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.runBench(cmd)
		},
	}
}

func benchOptions(cfg config.Config) (bench.Options, error) {
	types, err := cfg.AttentionTypes()
	if err != nil {
		return bench.Options{}, err
	}
	devices, err := cfg.DeviceCount()
	if err != nil {
		return bench.Options{}, err
	}
	return bench.Options{
		Types:        types,
		Devices:      devices,
		Batch:        cfg.Batch,
		SeqLen:       cfg.SeqLen,
		Heads:        cfg.Heads,
		HeadDim:      cfg.HeadDim,
		Attention:    cfg.AttentionOptions(),
		Seed:         cfg.Seed,
		Steps:        cfg.Steps,
		Warmup:       cfg.Warmup,
		Backward:     cfg.Backward,
		FFNChunkSize: cfg.FFNChunkSize,
	}, nil
}

func (c *RootCommand) runBench(cmd *cobra.Command) error {
	logger, flush, err := c.logger()
	if err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	defer flush()

	opts, err := benchOptions(c.Opts)
	if err != nil {
		return err
	}
	logger.Info("bench options", "opts", opts)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Listen for signals to gracefully shutdown.
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		routines run.Group
		report   *bench.Report
	)

	routines.Add(
		func() error {
			var err error
			report, err = bench.Run(ctx, opts, logger, m)
			return err
		},
		func(error) { cancel() },
	)

	if c.Opts.MetricsAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		metrics.Configure(router, registry)

		routines.Add(
			func() error {
				srv := ringhttp.Server{
					Address:         c.Opts.MetricsAddr,
					Handler:         router,
					ShutdownTimeout: c.Opts.MetricsShutdownTimeout,
				}
				return srv.Serve(ctx, logger)
			},
			func(error) { cancel() },
		)
	}

	if err := routines.Run(); err != nil {
		return errors.Wrap(err, "run benchmark")
	}
	if report == nil {
		return errors.Wrap(context.Cause(ctx), "benchmark interrupted")
	}

	report.PrintSummary(cmd.OutOrStdout())

	if c.Opts.Output != "" {
		if err := report.SaveJSON(c.Opts.Output); err != nil {
			return err
		}
		logger.Info("wrote report", "path", c.Opts.Output)
	}
	if path := os.Getenv(bench.OutPathEnv); path != "" && len(report.Results) > 0 {
		last := report.Results[len(report.Results)-1]
		if err := bench.WriteTimes(path, last.Times); err != nil {
			return err
		}
		logger.Info("wrote step times", "path", path, "attentionType", last.AttentionType)
	}
	return nil
}
