package httpmiddleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Instrument returns a middleware that wraps handlers with otelhttp
// tracing. Spans are named after the route pattern when the mux
// matched one, falling back to the raw path.
func Instrument(serviceName string, provider trace.TracerProvider) Middleware {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithTracerProvider(provider),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if pattern := r.Pattern; pattern != "" {
					return pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

// RouteAttribute records the matched route pattern on the active span
// so traces group by route rather than by concrete URL.
func RouteAttribute() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if pattern := r.Pattern; pattern != "" {
				span := trace.SpanFromContext(r.Context())
				span.SetAttributes(attribute.String("http.route", pattern))
			}
		})
	}
}
