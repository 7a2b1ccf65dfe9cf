package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/ringattn/attention"
	"github.com/scttfrdmn/ringattn/ring"
)

func smallOptions() Options {
	return Options{
		Types:     []ring.AttentionType{ring.Ring, ring.Striped},
		Devices:   4,
		Batch:     1,
		SeqLen:    16,
		Heads:     1,
		HeadDim:   4,
		Attention: attention.Options{QueryChunkSize: 2, KeyChunkSize: 2, Causal: true, Deterministic: true},
		Seed:      1,
		Steps:     2,
		Warmup:    1,
		Backward:  true,
	}
}

type recorder struct {
	mu         sync.Mutex
	benchSteps map[string]int
	passes     int
}

func (r *recorder) ObserveStep(string, string, attention.Work, time.Duration) {}

func (r *recorder) ObservePass(string, string, *ring.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes++
}

func (r *recorder) ObserveBenchStep(typ string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.benchSteps[typ]++
}

func TestRun(t *testing.T) {
	rec := &recorder{benchSteps: map[string]int{}}
	report, err := Run(context.Background(), smallOptions(), logr.Discard(), rec)
	require.NoError(t, err)

	_, err = uuid.Parse(report.RunID)
	assert.NoError(t, err)
	require.Len(t, report.Results, 2)

	ringRes, stripedRes := report.Results[0], report.Results[1]
	assert.Equal(t, "ring", ringRes.AttentionType)
	assert.Equal(t, "striped", stripedRes.AttentionType)
	assert.Len(t, ringRes.Times, 2)
	assert.Equal(t, 15, ringRes.Makespan)
	assert.Equal(t, 12, stripedRes.Makespan)
	assert.Equal(t, 0.0, stripedRes.Imbalance)
	assert.LessOrEqual(t, ringRes.MinSeconds, ringRes.MeanSeconds)

	assert.Equal(t, map[string]int{"ring": 2, "striped": 2}, rec.benchSteps)
	// (warmup + steps) * (forward + backward) per type.
	assert.Equal(t, 2*3*2, rec.passes)
}

func TestRunWithFeedForward(t *testing.T) {
	opts := smallOptions()
	opts.Types = []ring.AttentionType{ring.Striped}
	opts.Heads = 2
	opts.FFNChunkSize = 4

	report, err := Run(context.Background(), opts, logr.Discard(), nil)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Len(t, report.Results[0].Times, 2)

	again, err := Run(context.Background(), opts, logr.Discard(), nil)
	require.NoError(t, err)
	assert.Equal(t, report.Results[0].Checksum, again.Results[0].Checksum)

	opts.FFNChunkSize = 0
	plain, err := Run(context.Background(), opts, logr.Discard(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, plain.Results[0].Checksum, report.Results[0].Checksum)
}

func TestRunErrors(t *testing.T) {
	opts := smallOptions()
	opts.Types = nil
	_, err := Run(context.Background(), opts, logr.Discard(), nil)
	assert.Error(t, err)

	opts = smallOptions()
	opts.Devices = 3
	_, err = Run(context.Background(), opts, logr.Discard(), nil)
	assert.ErrorIs(t, err, ring.ErrDevices)

	opts = smallOptions()
	opts.FFNChunkSize = 5
	_, err = Run(context.Background(), opts, logr.Discard(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, smallOptions(), logr.Discard(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSaveJSONAndWriteTimes(t *testing.T) {
	report, err := Run(context.Background(), smallOptions(), logr.Discard(), nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	require.NoError(t, report.SaveJSON(path))

	var decoded Report
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report.RunID, decoded.RunID)
	assert.Equal(t, []ring.AttentionType{ring.Ring, ring.Striped}, decoded.Options.Types)
	assert.Contains(t, string(data), `"striped"`)

	timesPath := filepath.Join(dir, "times.json")
	require.NoError(t, WriteTimes(timesPath, []float64{0.5, 0.25}))
	data, err = os.ReadFile(timesPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"times": [0.5, 0.25]}`, string(data))

	assert.Error(t, WriteTimes(filepath.Join(dir, "missing", "times.json"), nil))
}

func TestPrintSummary(t *testing.T) {
	report := &Report{
		RunID:   "run",
		Options: smallOptions(),
		Results: []Result{
			{AttentionType: "ring", MeanSeconds: 0.2, MinSeconds: 0.1, Makespan: 15, TotalWork: 36, Imbalance: 0.4},
			{AttentionType: "striped", MeanSeconds: 0.1, MinSeconds: 0.1, Makespan: 12, TotalWork: 48},
		},
	}
	var buf bytes.Buffer
	report.PrintSummary(&buf)

	out := buf.String()
	assert.Contains(t, out, "seq=16")
	assert.Contains(t, out, "40.0%")
	assert.Contains(t, out, "Striped over ring: 1.25x makespan, 2.00x wall time")
}

func TestSummarize(t *testing.T) {
	mean, minimum := summarize([]float64{3, 1, 2})
	assert.Equal(t, 2.0, mean)
	assert.Equal(t, 1.0, minimum)

	mean, minimum = summarize(nil)
	assert.Zero(t, mean)
	assert.Zero(t, minimum)
}
