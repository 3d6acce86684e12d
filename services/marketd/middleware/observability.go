package middleware

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"nftmarket/observability"
)

// ObservabilityConfig controls request tracing and logging.
type ObservabilityConfig struct {
	ServiceName string
	LogRequests bool
}

// Observability records a span, Prometheus samples and an optional log line
// for each request, labelled with the chi route pattern.
type Observability struct {
	cfg      ObservabilityConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// NewObservability constructs the middleware.
func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "marketd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	obs := &Observability{cfg: cfg, logger: logger, tracer: otel.Tracer(cfg.ServiceName)}
	duration, err := otel.Meter(cfg.ServiceName).Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("Duration of marketplace HTTP requests."),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("otel request histogram unavailable", "error", err)
	} else {
		obs.duration = duration
	}
	return obs
}

// Middleware wraps next.
func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := o.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
		))
		defer span.End()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.status),
		)
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
		elapsed := time.Since(start)
		observability.HTTPMetrics().Observe(route, r.Method, recorder.status, elapsed)
		if o.duration != nil {
			o.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("http.route", route),
				attribute.String("http.request.method", r.Method),
				attribute.Int("http.response.status_code", recorder.status),
			))
		}
		if o.cfg.LogRequests {
			o.logger.Info("request",
				"method", r.Method,
				"route", route,
				"status", recorder.status,
				"duration_ms", float64(elapsed.Microseconds())/1000,
				"request_id", chimw.GetReqID(r.Context()),
			)
		}
	})
}

// routePattern reads the matched pattern after routing has completed. chi
// fills the shared route context in place, so the value is visible here.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
