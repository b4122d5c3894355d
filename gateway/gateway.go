// Package gateway implements the credential-injecting forward proxy sitting
// between the browser and the backend origin. It relays request bodies
// byte-for-byte (multipart uploads are corrupted by any decode/re-encode
// round trip), forwards the client's own bearer header unchanged, injects
// the deployment's service key, and translates transport failures into a
// distinguishable 503 so the client can tell "backend down" apart from
// everything else. It holds no per-request state and never retries.
package gateway

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	openapimw "github.com/go-openapi/runtime/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed openapi.yaml
var openapiSpec []byte

// serviceKeyHeader carries the injected service credential to the backend.
const serviceKeyHeader = "X-Service-Key"

// hopByHopHeaders are meaningful only for a single transport leg and are
// stripped from proxied responses.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
}

// Gateway is the forwarding handler. Safe for concurrent use; the only
// shared state is the read-only configuration and the metrics instruments.
type Gateway struct {
	cfg      Config
	upstream *url.URL
	client   *http.Client
	log      *slog.Logger
	metrics  *metrics
	registry *prometheus.Registry
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithHTTPClient sets the client used for upstream calls. The default has
// no overall timeout; the backend governs how long uploads may take.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) { g.client = client }
}

// New creates a Gateway after validating cfg.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}

	registry := prometheus.NewRegistry()
	g := &Gateway{
		cfg:      cfg,
		upstream: upstream,
		client:   &http.Client{},
		metrics:  newMetrics(registry),
		registry: registry,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return g, nil
}

// Router returns a chi.Router with the proxy and its operational endpoints
// mounted.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", openapimw.SwaggerUI(openapimw.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", openapimw.Redoc(openapimw.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.HandleFunc("/api/*", g.proxy)

	return r
}

// proxy forwards one request to the backend origin. The body is streamed
// through untouched.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	target := g.upstream.JoinPath(strings.TrimPrefix(r.URL.Path, "/api"))
	target.RawQuery = r.URL.RawQuery

	body := http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		g.writeError(w, r, http.StatusInternalServerError, "failed to build upstream request", err, started)
		return
	}
	req.ContentLength = r.ContentLength

	// Only these two request headers pass through; everything else the
	// browser sends stays on this leg.
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if g.cfg.ServiceKey != "" {
		req.Header.Set(serviceKeyHeader, g.cfg.ServiceKey)
	}
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := g.client.Do(req)
	if err != nil {
		g.handleUpstreamError(w, r, err, started)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.log.Warn("relaying upstream response body failed",
			"request_id", requestID, "error", err)
	}
	g.metrics.observe(r.Method, resp.StatusCode, started)
}

// handleUpstreamError classifies a failed upstream call. A connection-level
// failure becomes a distinguishable 503 so the client can tell "the backend
// is down" apart from "your request was malformed"; an oversized body
// becomes a 413; a client disconnect gets no response at all.
func (g *Gateway) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error, started time.Time) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		g.writeError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", g.cfg.MaxBodyBytes), err, started)
	case errors.Is(err, context.Canceled):
		// The client went away; there is nobody to answer. The upstream
		// call is not cancelled beyond what the request context already did.
		g.metrics.observe(r.Method, 499, started)
	default:
		g.metrics.upstreamFailures.Inc()
		g.writeError(w, r, http.StatusServiceUnavailable, "backend origin is unreachable", err, started)
	}
}

// writeError emits the backend's {code, status, data:{message}} envelope so
// gateway-synthesized failures look like backend failures to the client.
// The underlying error detail is included outside production only.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, status int, message string, err error, started time.Time) {
	if err != nil {
		g.log.Error("proxy request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if !g.cfg.Production {
			message = fmt.Sprintf("%s: %v", message, err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":   status,
		"status": http.StatusText(status),
		"data":   map[string]string{"message": message},
	})
	g.metrics.observe(r.Method, status, started)
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
