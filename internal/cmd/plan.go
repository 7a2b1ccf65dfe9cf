package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/ringattn/ring"
)

func newPlanCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the per-step, per-device work schedule",
		Long: `Print the per-step, per-device work schedule.

Each cell is the number of (query chunk, key chunk) pairs a device computes at
a step. Devices advance in lock step, so the makespan is the sum of the row
maxima. No attention is computed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.runPlan(cmd.OutOrStdout())
		},
	}
}

func (c *RootCommand) runPlan(w io.Writer) error {
	types, err := c.Opts.AttentionTypes()
	if err != nil {
		return err
	}
	devices, err := c.Opts.DeviceCount()
	if err != nil {
		return err
	}

	for i, typ := range types {
		stats, err := ring.ScheduleOptions(typ, devices, c.Opts.SeqLen, c.Opts.AttentionOptions())
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		printPlan(w, typ, stats)
	}
	return nil
}

func printPlan(w io.Writer, typ ring.AttentionType, stats *ring.Stats) {
	fmt.Fprintf(w, "%s attention, %d devices\n", typ, stats.Devices)
	fmt.Fprintf(w, "  %-6s", "step")
	for d := 0; d < stats.Devices; d++ {
		fmt.Fprintf(w, " %6s", fmt.Sprintf("dev%d", d))
	}
	fmt.Fprintf(w, " %6s\n", "max")

	for step, row := range stats.Work {
		busiest := 0
		fmt.Fprintf(w, "  %-6d", step)
		for _, work := range row {
			fmt.Fprintf(w, " %6d", work.Computed)
			busiest = max(busiest, work.Computed)
		}
		fmt.Fprintf(w, " %6d\n", busiest)
	}
	fmt.Fprintf(w, "  makespan=%d total=%d skipped=%d imbalance=%.1f%%\n",
		stats.Makespan(), stats.TotalWork(), stats.Skipped(), stats.Imbalance()*100)
}
