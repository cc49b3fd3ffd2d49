package observe

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Multiplexer is the subset of http.ServeMux that Mux registers routes on.
type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux traces the receiver routes. Spans are named for the route pattern, so
// every callback shares one span name whatever its query.
type Mux struct {
	routes Multiplexer
	opts   []otelhttp.Option
}

func NewMux(routes Multiplexer, opts ...otelhttp.Option) *Mux {
	return &Mux{routes: routes, opts: opts}
}

func (m *Mux) Handle(pattern string, handler http.Handler) {
	m.routes.Handle(pattern, otelhttp.NewHandler(handler, TrimMethod(pattern), m.opts...))
}

// HandleUntraced registers a route with no span, e.g. the health check.
func (m *Mux) HandleUntraced(pattern string, handler http.Handler) {
	m.routes.Handle(pattern, handler)
}

func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.routes.ServeHTTP(w, r)
}

// TrimMethod strips a leading HTTP method from a route pattern: "GET /app"
// becomes "/app". Patterns without a recognized method are returned as is.
func TrimMethod(pattern string) string {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		return pattern
	}

	switch method {
	case http.MethodConnect, http.MethodDelete, http.MethodGet, http.MethodHead,
		http.MethodOptions, http.MethodPatch, http.MethodPost, http.MethodPut, http.MethodTrace:
		return path
	}

	return pattern
}
