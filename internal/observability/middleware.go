package observability

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// HTTPMiddleware opens a server span per request, continuing any W3C
// trace context the client sent.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartServerSpan(ctx, r.Method+" "+r.URL.Path,
			semconv.HTTPMethod(r.Method),
			semconv.HTTPTarget(r.URL.Path),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPStatusCode(rec.status))
		if rec.status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, strconv.Itoa(rec.status)+" "+http.StatusText(rec.status))
		}
	})
}

// statusRecorder captures the response status for the request span.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
