package observe

import (
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Multiplexer is the subset of http.ServeMux the telemetry wrapper needs.
type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux registers every route behind an otelhttp handler tagged with the route
// pattern, so the catalog and webhook endpoints report per-route spans and
// metrics without each handler opting in.
type Mux struct {
	wrapped Multiplexer
}

func NewMux(wrapped Multiplexer) *Mux {
	return &Mux{
		wrapped: wrapped,
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	// the span name is the pattern minus the method prefix, so
	// "GET /api/v1/products/{id}" reports as "/api/v1/products/{id}"
	taggedHandler := otelhttp.NewHandler(
		handler,
		TrimMethod(pattern),
	)

	mux.wrapped.Handle(pattern, taggedHandler)
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.wrapped.ServeHTTP(w, r)
}

var methods = []string{
	http.MethodConnect,
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
	http.MethodTrace,
}

// TrimMethod strips a leading HTTP method from a ServeMux pattern. Patterns
// without a recognized method prefix pass through unchanged.
func TrimMethod(pattern string) string {
	method, resource, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && slices.Contains(methods, method) {
		return resource
	}
	return pattern
}
