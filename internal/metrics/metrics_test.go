package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/ringattn/attention"
	"github.com/scttfrdmn/ringattn/ring"
)

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveStep("striped", ring.PassForward, attention.Work{Computed: 3, Skipped: 1}, time.Millisecond)
	m.ObserveStep("striped", ring.PassForward, attention.Work{Computed: 2, Skipped: 2}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("striped", "forward")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.computed.WithLabelValues("striped", "forward")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.skipped.WithLabelValues("striped", "forward")))

	stats, err := ring.Schedule(ring.Ring, 4, 16, 2, true)
	require.NoError(t, err)
	m.ObservePass("ring", ring.PassForward, stats)
	assert.InDelta(t, stats.Imbalance(), testutil.ToFloat64(m.imbalance.WithLabelValues("ring", "forward")), 1e-12)

	m.ObserveBenchStep("ring", 10*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.benchStep))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStep("ring", "forward", attention.Work{}, 0)
		m.ObservePass("ring", "forward", nil)
		m.ObserveBenchStep("ring", 0)
	})
}

func TestConfigure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.ObserveStep("ring", "backward", attention.Work{Computed: 1}, time.Millisecond)

	router := gin.New()
	Configure(router, registry)

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ringattn_steps_total{attention_type="ring",pass="backward"} 1`)
}
