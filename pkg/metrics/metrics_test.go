package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}

func TestRecordProbeLifecycle(t *testing.T) {
	m := NewMetrics(true, 0, nopLogger{})

	m.ProbeStarted("mapping")
	m.ProbeFinished("mapping", "succeeded", 120*time.Millisecond)
	m.ProbeStarted("filtering")
	m.ProbeFinished("filtering", "failed", time.Second)
	m.PendingProbes(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.probesStarted.WithLabelValues("mapping")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeOutcomes.WithLabelValues("mapping", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeOutcomes.WithLabelValues("filtering", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingProbes))
	assert.Equal(t, 2, testutil.CollectAndCount(m.probeDuration))
}

func TestRecordRelayAndLifetime(t *testing.T) {
	m := NewMetrics(true, 0, nopLogger{})

	m.RecordForwarded("loop_to_relay", 100)
	m.RecordForwarded("loop_to_relay", 28)
	m.RecordForwardError("relay_to_loop")
	m.SetBindingLifetime(30 * time.Second)

	assert.Equal(t, 128.0, testutil.ToFloat64(m.relayBytes.WithLabelValues("loop_to_relay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayErrors.WithLabelValues("relay_to_loop")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.bindingLifeSec))

	expected := `
# HELP natprobe_binding_lifetime_seconds Lower bound of the NAT binding lifetime
# TYPE natprobe_binding_lifetime_seconds gauge
natprobe_binding_lifetime_seconds 30
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"natprobe_binding_lifetime_seconds"))
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m := NewMetrics(false, 9090, nopLogger{})

	m.ProbeStarted("mapping")
	m.ProbeFinished("mapping", "succeeded", time.Second)
	m.PendingProbes(1)
	m.RecordForwarded("loop_to_relay", 1)
	m.RecordForwardError("loop_to_relay")
	m.SetBindingLifetime(time.Second)

	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Start())
	assert.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, map[string]interface{}{"enabled": false}, m.GetMetrics())
}

func TestStopPushesOnce(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMetricsWithPushgateway(true, 0, &PushgatewayConfig{
		Enabled:  true,
		URL:      srv.URL,
		JobName:  "natprobe",
		Instance: "run-1",
	}, nopLogger{})

	m.ProbeStarted("binding")
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"PUT /metrics/job/natprobe/instance/run-1"}, paths)
}

func TestGetMetricsReportsPushgateway(t *testing.T) {
	m := NewMetricsWithPushgateway(true, 9100, &PushgatewayConfig{
		Enabled:  true,
		URL:      "http://127.0.0.1:1",
		JobName:  "natprobe",
		Instance: "run-2",
	}, nopLogger{})
	defer m.pushCancel()

	got := m.GetMetrics()
	assert.Equal(t, true, got["enabled"])
	assert.Equal(t, 9100, got["port"])
	pg, ok := got["pushgateway"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run-2", pg["instance"])
}
