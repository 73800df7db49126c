// Package metrics exposes Prometheus collectors for requests, executions
// and batch operations, and an optional HTTP listener serving them.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hyperifyio/snippetd/internal/engine"
)

const unmatched = "unmatched"

// Collectors groups every metric the server records.
type Collectors struct {
	Requests          *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	BatchOperations   *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg gets
// a fresh private registry.
func New(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collectors{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snippetd_requests_total",
				Help: "Protocol requests by method and response code.",
			},
			[]string{"method", "code"},
		),
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snippetd_executions_total",
				Help: "Snippet executions by outcome.",
			},
			[]string{"outcome"},
		),
		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snippetd_execution_duration_seconds",
				Help:    "Snippet execution wall time in seconds.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		BatchOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snippetd_batch_operations_total",
				Help: "Batch operations by tool and status.",
			},
			[]string{"tool", "status"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snippetd_http_requests_total",
				Help: "Requests to the metrics listener.",
			},
			[]string{"method", "path", "status"},
		),
		gatherer: reg,
	}
	reg.MustRegister(c.Requests, c.Executions, c.ExecutionDuration, c.BatchOperations, c.HTTPRequests)
	return c
}

// ObserveRequest counts one protocol response. Code 0 is success.
func (c *Collectors) ObserveRequest(method string, code int) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// ObserveExecution records o. The outcome label is "ok" or the fault kind.
func (c *Collectors) ObserveExecution(_ context.Context, o *engine.Outcome) {
	if c == nil || o == nil {
		return
	}
	outcome := "ok"
	if o.Fault != nil {
		outcome = string(o.Fault.Kind)
	}
	c.Executions.WithLabelValues(outcome).Inc()
	c.ExecutionDuration.Observe(o.Elapsed.Seconds())
}

// ObserveBatchOperation counts one batch operation result.
func (c *Collectors) ObserveBatchOperation(tool string, succeeded bool) {
	if c == nil {
		return
	}
	status := "succeeded"
	if !succeeded {
		status = "failed"
	}
	c.BatchOperations.WithLabelValues(tool, status).Inc()
}

// middleware counts listener requests by chi route pattern, which keeps
// label cardinality bounded.
func (c *Collectors) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(status)).Inc()
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

type healthResponse struct {
	Status string `json:"status"`
}

// Router serves /metrics and /healthz.
func (c *Collectors) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(c.middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Serve listens on addr until ctx ends.
func (c *Collectors) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.WithField("addr", addr).Info("metrics listener started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
