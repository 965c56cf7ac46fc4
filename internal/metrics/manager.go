// Package metrics exposes Prometheus instrumentation for the API surface
// and the deployment pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Manager struct {
	host     string
	registry *prometheus.Registry

	httpReqsTotal *prometheus.CounterVec
	httpReqDur    *prometheus.HistogramVec

	deploymentsTotal *prometheus.CounterVec
	deployDuration   *prometheus.HistogramVec
	conflictsTotal   *prometheus.CounterVec

	sandboxOpsTotal *prometheus.CounterVec
	activeSandboxes *prometheus.GaugeVec
	keepalivesTotal *prometheus.CounterVec
}

func NewManager() *Manager {
	hostname := "unknown"
	if host, err := os.Hostname(); err == nil && host != "" {
		hostname = host
	}

	registry := prometheus.NewRegistry()

	httpReqs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_http_requests_total",
			Help: "Total HTTP requests handled by the appforge API",
		},
		[]string{"method", "path", "status", "appforge_host"},
	)
	httpDur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appforge_http_request_duration_seconds",
			Help:    "HTTP request latency for the appforge API",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status", "appforge_host"},
	)
	deployments := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_deployments_total",
			Help: "Deployment attempts by terminal result",
		},
		[]string{"result", "provider", "appforge_host"},
	)
	deployDur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appforge_deployment_duration_seconds",
			Help:    "Wall time of one deployment pipeline, admission to terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"result", "provider", "appforge_host"},
	)
	conflicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_deployment_conflicts_total",
			Help: "Deploy requests rejected because a pipeline was in flight",
		},
		[]string{"appforge_host"},
	)
	sandboxOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_sandbox_operations_total",
			Help: "Provider operations by kind and outcome",
		},
		[]string{"provider", "op", "outcome", "appforge_host"},
	)
	active := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "appforge_active_sandboxes",
			Help: "Sandboxes currently tracked as running",
		},
		[]string{"provider", "appforge_host"},
	)
	keepalives := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appforge_keepalives_total",
			Help: "Keepalive pings sent to backends by outcome",
		},
		[]string{"provider", "outcome", "appforge_host"},
	)

	registry.MustRegister(httpReqs, httpDur, deployments, deployDur, conflicts, sandboxOps, active, keepalives)

	return &Manager{
		host:             hostname,
		registry:         registry,
		httpReqsTotal:    httpReqs,
		httpReqDur:       httpDur,
		deploymentsTotal: deployments,
		deployDuration:   deployDur,
		conflictsTotal:   conflicts,
		sandboxOpsTotal:  sandboxOps,
		activeSandboxes:  active,
		keepalivesTotal:  keepalives,
	}
}

func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		m.httpReqsTotal.WithLabelValues(method, path, status, m.host).Inc()
		m.httpReqDur.WithLabelValues(method, path, status, m.host).Observe(time.Since(start).Seconds())
	}
}

func (m *Manager) ObserveDeployment(result, provider string, dur time.Duration) {
	m.deploymentsTotal.WithLabelValues(result, provider, m.host).Inc()
	m.deployDuration.WithLabelValues(result, provider, m.host).Observe(dur.Seconds())
}

func (m *Manager) ObserveConflict() {
	m.conflictsTotal.WithLabelValues(m.host).Inc()
}

func (m *Manager) ObserveSandboxOp(provider, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sandboxOpsTotal.WithLabelValues(provider, op, outcome, m.host).Inc()
}

func (m *Manager) ObserveKeepalive(provider string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.keepalivesTotal.WithLabelValues(provider, outcome, m.host).Inc()
}

func (m *Manager) SandboxStarted(provider string) {
	m.activeSandboxes.WithLabelValues(provider, m.host).Inc()
}

func (m *Manager) SandboxStopped(provider string) {
	m.activeSandboxes.WithLabelValues(provider, m.host).Dec()
}
