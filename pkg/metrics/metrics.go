// Package metrics exposes the gateway's Prometheus instrumentation and its
// exposition endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics bundles every gateway-level metric. One instance per process,
// constructor-injected like the stores.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksCompleted *prometheus.CounterVec // status: success|failure
	DeviceRetries  *prometheus.CounterVec // op: step name
	QueueDepth     prometheus.Gauge
	ResultsStored  prometheus.Gauge
	SessionsActive prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ofdrgate",
			Name:      "tasks_submitted_total",
			Help:      "Measurement tasks accepted by the gateway",
		}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofdrgate",
			Name:      "tasks_completed_total",
			Help:      "Finished measurement tasks by outcome",
		}, []string{"status"}),
		DeviceRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofdrgate",
			Name:      "device_retries_total",
			Help:      "Retried hardware pipeline steps by operation",
		}, []string{"op"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ofdrgate",
			Name:      "queue_depth",
			Help:      "Tasks waiting for the measurement worker",
		}),
		ResultsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ofdrgate",
			Name:      "results_stored",
			Help:      "Entries currently held by the result store",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ofdrgate",
			Name:      "sessions_active",
			Help:      "Open client sessions",
		}),
	}
	m.registry.MustRegister(
		m.TasksSubmitted, m.TasksCompleted, m.DeviceRetries,
		m.QueueDepth, m.ResultsStored, m.SessionsActive,
	)
	return m
}

// Serve runs the /metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
