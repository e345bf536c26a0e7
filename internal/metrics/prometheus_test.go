package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshmon/internal/health"
	"meshmon/internal/model"
	"meshmon/internal/routes"
)

func TestCollector_ObserveResult(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.ObserveResult(model.ProbeResult{Status: model.ProbeSuccess, RTT: 2 * time.Second, HopsTo: 2})
	c.ObserveResult(model.ProbeResult{Status: model.ProbeTimeout})
	c.ObserveResult(model.ProbeResult{Status: model.ProbeTimeout})
	c.SetSchedulerState(3, 5)
	c.ObservePacket()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.probes.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.probes.WithLabelValues("timeout")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.cycles))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.targets))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.packets))
}

func TestCollector_ObserveReport(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.ObserveReport(health.Report{
		GeneratedAt: time.Unix(1700000000, 0),
		Issues: []health.Issue{
			{Category: health.CategoryCongestion},
			{Category: health.CategoryCongestion},
			{Category: health.CategoryTopology},
		},
		Clusters:    make([]health.Cluster, 2),
		ActiveNodes: 12,
	})
	c.ObserveRoutes(routes.Analysis{RelayUsage: []routes.RelayUsage{{ID: "!00000001", Count: 4}}})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.issues.WithLabelValues("Congestion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.issues.WithLabelValues("Topology")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.issues.WithLabelValues("Spam")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.clusters))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.activeNodes))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.relayUsage.WithLabelValues("!00000001")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(c.lastReport))
}

func TestServer_Handler(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.ObservePacket()
	srv := NewServer("127.0.0.1:0", "/metrics", c, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshmon_packets_seen_total 1")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), "", NewCollector(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "meshmon_probe_targets"))

	cancel()
	require.NoError(t, <-done)
}
