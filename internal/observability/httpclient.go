package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns an http.Client instrumented with otelhttp transport.
// A zero Timeout is given a 120s backstop: tool handlers (web_search,
// paper_search, office_ingest fetches) run under a job's own deadline via
// ctx, but an http.Client with no Timeout at all can still wedge a worker
// slot on a server that accepts the connection and then never responds.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	if base.Timeout == 0 {
		base.Timeout = 120 * time.Second
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	base.Transport = otelhttp.NewTransport(rt)
	return base
}

// WithHeaders wraps client's transport so every outgoing request carries a
// fixed set of headers (e.g. an Authorization header for a proxied Ollama
// endpoint), without overwriting a
// header the caller already set on that particular request.
func WithHeaders(client *http.Client, headers map[string]string) *http.Client {
	rt := client.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client.Transport = headerTransport{next: rt, headers: headers}
	return client
}

type headerTransport struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return h.next.RoundTrip(req)
}
