// SPDX-License-Identifier: MIT

// Package health provides streamvaultd's /healthz and /metrics HTTP
// surface: a JSON liveness view for process supervisors and load balancers,
// and a Prometheus exposition backed by github.com/prometheus/client_golang
// for fleet monitoring.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceInfo describes the health state of a single supervised service.
type ServiceInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
	Failures int           `json:"failures,omitempty"`
}

// SystemInfo contains system-level health data included in the health
// response: recordings filesystem headroom and clock sync status.
type SystemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
	NTPSynced      bool   `json:"ntp_synced"`
	NTPMessage     string `json:"ntp_message,omitempty"`
}

// StatusProvider returns the current health status of all supervised
// services. streamvaultd implements it with an adapter in its main package
// over the supervisor's status.
type StatusProvider interface {
	Services() []ServiceInfo
}

// SystemInfoProvider returns system-level health data.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
	System    *SystemInfo   `json:"system,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider    StatusProvider
	sysProvider SystemInfoProvider

	registry *prometheus.Registry

	healthyGauge   *prometheus.GaugeVec
	uptimeGauge    *prometheus.GaugeVec
	restartsGauge  *prometheus.GaugeVec
	failuresGauge  *prometheus.GaugeVec
	diskFreeGauge  prometheus.Gauge
	diskTotalGauge prometheus.Gauge
	diskLowGauge   prometheus.Gauge
	ntpSyncedGauge prometheus.Gauge

	metricsHandler http.Handler
}

// NewHandler creates a health check HTTP handler with its own private
// Prometheus registry, so multiple Handlers never collide on metric names.
func NewHandler(provider StatusProvider) *Handler {
	h := &Handler{provider: provider, registry: prometheus.NewRegistry()}

	h.healthyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamvault_service_healthy",
		Help: "1 if the named supervised service is currently healthy, 0 otherwise.",
	}, []string{"service"})
	h.uptimeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamvault_service_uptime_seconds",
		Help: "Seconds since the named supervised service last started.",
	}, []string{"service"})
	h.restartsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamvault_service_restarts_total",
		Help: "Total supervisor-driven restarts for the named service.",
	}, []string{"service"})
	h.failuresGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamvault_service_failures_total",
		Help: "Total observed failures for the named service.",
	}, []string{"service"})
	h.diskFreeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_disk_free_bytes",
		Help: "Free bytes on the recordings filesystem.",
	})
	h.diskTotalGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_disk_total_bytes",
		Help: "Total bytes on the recordings filesystem.",
	})
	h.diskLowGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_disk_low_warning",
		Help: "1 when free disk on the recordings filesystem is below the configured threshold.",
	})
	h.ntpSyncedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamvault_ntp_synced",
		Help: "1 when the system clock is NTP-synchronized.",
	})

	h.registry.MustRegister(
		h.healthyGauge, h.uptimeGauge, h.restartsGauge, h.failuresGauge,
		h.diskFreeGauge, h.diskTotalGauge, h.diskLowGauge, h.ntpSyncedGauge,
	)
	h.metricsHandler = promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})

	return h
}

// WithSystemInfo attaches an optional system info provider to the handler.
// When set, disk space and NTP status are included in /healthz responses
// and exported as gauges on /metrics.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := len(services) > 0
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.DiskLowWarning {
			resp.Status = "degraded"
			healthy = false
		}
		if !si.NTPSynced && resp.Status == "healthy" {
			// A clock desync is a warning, not a hard failure — surface it
			// as degraded without flipping the overall healthy bit.
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics refreshes the registry's gauges from the current provider
// snapshot, then delegates to the standard Prometheus exposition handler.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	h.refreshMetrics()
	h.metricsHandler.ServeHTTP(w, r)
}

func (h *Handler) refreshMetrics() {
	h.healthyGauge.Reset()
	h.uptimeGauge.Reset()
	h.restartsGauge.Reset()
	h.failuresGauge.Reset()

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	for _, svc := range services {
		healthyVal := 0.0
		if svc.Healthy {
			healthyVal = 1
		}
		h.healthyGauge.WithLabelValues(svc.Name).Set(healthyVal)
		h.uptimeGauge.WithLabelValues(svc.Name).Set(svc.Uptime.Seconds())
		h.restartsGauge.WithLabelValues(svc.Name).Set(float64(svc.Restarts))
		h.failuresGauge.WithLabelValues(svc.Name).Set(float64(svc.Failures))
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		h.diskFreeGauge.Set(float64(si.DiskFreeBytes))
		h.diskTotalGauge.Set(float64(si.DiskTotalBytes))

		diskLow := 0.0
		if si.DiskLowWarning {
			diskLow = 1
		}
		h.diskLowGauge.Set(diskLow)

		ntpSynced := 0.0
		if si.NTPSynced {
			ntpSynced = 1
		}
		h.ntpSyncedGauge.Set(ntpSynced)
	}
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound. Binding happens synchronously so a port-in-use
// error surfaces to the caller immediately rather than only after
// ctx.Done(); if ready is non-nil it is closed once the listener is live.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
