package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Logger interface for metrics logging
type Logger interface {
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
}

// PushgatewayConfig contains Pushgateway configuration
type PushgatewayConfig struct {
	Enabled  bool
	URL      string
	JobName  string
	Instance string
	// PushInterval enables periodic pushes while the run is held; zero
	// pushes only when Stop is called.
	PushInterval time.Duration
}

// Metrics represents the metrics system
type Metrics struct {
	enabled  bool
	port     int
	server   *http.Server
	registry *prometheus.Registry
	logger   Logger

	// Pushgateway support
	pushgatewayConfig *PushgatewayConfig
	pusher            *push.Pusher
	pushCtx           context.Context
	pushCancel        context.CancelFunc
	pushMutex         sync.RWMutex
	pushWG            sync.WaitGroup

	probesStarted  *prometheus.CounterVec
	probeOutcomes  *prometheus.CounterVec
	probeDuration  *prometheus.HistogramVec
	pendingProbes  prometheus.Gauge
	relayBytes     *prometheus.CounterVec
	relayErrors    *prometheus.CounterVec
	bindingLifeSec prometheus.Gauge
}

// NewMetrics creates a new metrics system. A zero port disables the
// HTTP listener; the collectors still work for pushing.
func NewMetrics(enabled bool, port int, logger Logger) *Metrics {
	return NewMetricsWithPushgateway(enabled, port, nil, logger)
}

// NewMetricsWithPushgateway creates a new metrics system with Pushgateway support
func NewMetricsWithPushgateway(enabled bool, port int, pushConfig *PushgatewayConfig, logger Logger) *Metrics {
	m := &Metrics{
		enabled:           enabled,
		port:              port,
		pushgatewayConfig: pushConfig,
		logger:            logger,
	}

	if enabled {
		m.initPrometheusMetrics()
		if pushConfig != nil && pushConfig.Enabled {
			m.initPushgateway()
		}
	}

	return m
}

// initPrometheusMetrics initializes Prometheus metrics
func (m *Metrics) initPrometheusMetrics() {
	m.registry = prometheus.NewRegistry()

	m.probesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "natprobe_probes_started_total",
			Help: "Probes started",
		},
		[]string{"probe"},
	)

	m.probeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "natprobe_probe_outcomes_total",
			Help: "Completed probes by result",
		},
		[]string{"probe", "result"},
	)

	m.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "natprobe_probe_duration_seconds",
			Help:    "Time from probe start to completion",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"probe"},
	)

	m.pendingProbes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "natprobe_pending_probes",
			Help: "Requested probes that have not completed",
		},
	)

	m.relayBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "natprobe_relay_forwarded_bytes_total",
			Help: "Bytes forwarded by the relay loop bridge",
		},
		[]string{"direction"},
	)

	m.relayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "natprobe_relay_forward_errors_total",
			Help: "Failed forwards in the relay loop bridge",
		},
		[]string{"direction"},
	)

	m.bindingLifeSec = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "natprobe_binding_lifetime_seconds",
			Help: "Lower bound of the NAT binding lifetime",
		},
	)

	m.registry.MustRegister(
		m.probesStarted,
		m.probeOutcomes,
		m.probeDuration,
		m.pendingProbes,
		m.relayBytes,
		m.relayErrors,
		m.bindingLifeSec,
	)
}

// initPushgateway initializes Pushgateway pusher
func (m *Metrics) initPushgateway() {
	m.pusher = push.New(m.pushgatewayConfig.URL, m.pushgatewayConfig.JobName).
		Grouping("instance", m.pushgatewayConfig.Instance).
		Gatherer(m.registry)

	m.pushCtx, m.pushCancel = context.WithCancel(context.Background())

	if m.pushgatewayConfig.PushInterval > 0 {
		m.pushWG.Add(1)
		go m.pushLoop()
	}

	m.logger.Info("Pushgateway initialized",
		"url", m.pushgatewayConfig.URL,
		"job", m.pushgatewayConfig.JobName,
		"instance", m.pushgatewayConfig.Instance)
}

// pushLoop runs the periodic push to Pushgateway
func (m *Metrics) pushLoop() {
	defer m.pushWG.Done()

	ticker := time.NewTicker(m.pushgatewayConfig.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.pushCtx.Done():
			return
		case <-ticker.C:
			m.pushMetrics(m.pushCtx)
		}
	}
}

// pushMetrics pushes metrics to Pushgateway with exponential backoff
func (m *Metrics) pushMetrics(ctx context.Context) error {
	m.pushMutex.RLock()
	pusher := m.pusher
	m.pushMutex.RUnlock()

	if pusher == nil {
		return nil
	}

	maxRetries := 3
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = pusher.PushContext(ctx); err == nil {
			return nil
		}

		delay := time.Duration(1<<uint(attempt)) * baseDelay
		if delay > maxDelay {
			delay = maxDelay
		}

		m.logger.Warn("Failed to push metrics to Pushgateway",
			"attempt", attempt+1, "max", maxRetries, "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("push failed after %d attempts: %w", maxRetries, err)
}

// Start starts the metrics server
func (m *Metrics) Start() error {
	if !m.enabled || m.port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "error", err)
		}
	}()

	m.logger.Info("Metrics server started", "port", m.port)
	return nil
}

// Stop pushes the final values once, if a Pushgateway is configured, and
// stops the metrics server.
func (m *Metrics) Stop(ctx context.Context) error {
	var pushErr error

	m.pushMutex.Lock()
	cancel := m.pushCancel
	m.pushCancel = nil
	m.pushMutex.Unlock()

	if cancel != nil {
		cancel()
		m.pushWG.Wait()
		pushErr = m.pushMetrics(ctx)
	}

	if m.server != nil {
		if err := m.server.Close(); err != nil {
			return err
		}
	}
	return pushErr
}

// Registry returns the registry holding every collector, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ProbeStarted records a probe start.
func (m *Metrics) ProbeStarted(probe string) {
	if !m.enabled {
		return
	}
	m.probesStarted.WithLabelValues(probe).Inc()
}

// ProbeFinished records a probe completion.
func (m *Metrics) ProbeFinished(probe, result string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.probeOutcomes.WithLabelValues(probe, result).Inc()
	m.probeDuration.WithLabelValues(probe).Observe(d.Seconds())
}

// PendingProbes sets the number of probes still running.
func (m *Metrics) PendingProbes(n int) {
	if !m.enabled {
		return
	}
	m.pendingProbes.Set(float64(n))
}

// RecordForwarded records bytes forwarded by the relay bridge.
func (m *Metrics) RecordForwarded(direction string, bytes int) {
	if !m.enabled {
		return
	}
	m.relayBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordForwardError records a failed forward in the relay bridge.
func (m *Metrics) RecordForwardError(direction string) {
	if !m.enabled {
		return
	}
	m.relayErrors.WithLabelValues(direction).Inc()
}

// SetBindingLifetime records the binding lifetime lower bound.
func (m *Metrics) SetBindingLifetime(d time.Duration) {
	if !m.enabled {
		return
	}
	m.bindingLifeSec.Set(d.Seconds())
}

// GetMetrics returns the metrics configuration as a map for logging
func (m *Metrics) GetMetrics() map[string]interface{} {
	if !m.enabled {
		return map[string]interface{}{"enabled": false}
	}

	result := map[string]interface{}{
		"enabled": true,
		"port":    m.port,
	}

	if m.pushgatewayConfig != nil && m.pushgatewayConfig.Enabled {
		result["pushgateway"] = map[string]interface{}{
			"enabled":       m.pushgatewayConfig.Enabled,
			"url":           m.pushgatewayConfig.URL,
			"job_name":      m.pushgatewayConfig.JobName,
			"instance":      m.pushgatewayConfig.Instance,
			"push_interval": m.pushgatewayConfig.PushInterval.String(),
		}
	}

	return result
}
