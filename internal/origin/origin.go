// Package origin implements C8: dispatching an admitted request to its
// route's configured origin, either an in-process service binding or an
// upstream URL guarded by a circuit breaker.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/divortio/wafu/internal/waf"
)

// Outcome tags which event the pipeline orchestrator should log for this
// dispatch attempt, per §4.9's terminal states.
type Outcome string

const (
	OutcomeDispatched Outcome = "ORIGIN_DISPATCH"
	OutcomeMisconfig  Outcome = "ORIGIN_MISCONFIG"
)

// httpDoer is the minimal client surface the dispatcher needs, kept narrow
// so tests can substitute a stub.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// hopByHopHeaders are stripped from both directions per §4.8 "modulo
// hop-by-hop".
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Registry binds route origin_service_name values to in-process handlers and
// guards origin_type=url calls with a per-route circuit breaker.
type Registry struct {
	client httpDoer

	mu       sync.RWMutex
	services map[string]http.Handler
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// NewRegistry constructs a Registry. client defaults to http.DefaultClient
// when nil.
func NewRegistry(client httpDoer) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{
		client:   client,
		services: make(map[string]http.Handler),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

// RegisterService binds name to handler for origin_type=service dispatch.
func (r *Registry) RegisterService(name string, handler http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = handler
}

// Dispatch forwards req to route's origin and writes the response (or a
// synthesized misconfiguration response) to w, returning the outcome the
// caller should attach to its decision-log event.
func (r *Registry) Dispatch(ctx context.Context, route waf.Route, w http.ResponseWriter, req *http.Request) Outcome {
	switch route.OriginType {
	case waf.OriginService:
		return r.dispatchService(route, w, req)
	case waf.OriginURL:
		return r.dispatchURL(ctx, route, w, req)
	default:
		return misconfigured(w, fmt.Sprintf("unknown origin_type %q", route.OriginType))
	}
}

func (r *Registry) dispatchService(route waf.Route, w http.ResponseWriter, req *http.Request) Outcome {
	r.mu.RLock()
	handler, ok := r.services[route.OriginServiceName]
	r.mu.RUnlock()
	if !ok {
		return misconfigured(w, fmt.Sprintf("unknown service binding %q", route.OriginServiceName))
	}
	handler.ServeHTTP(w, req)
	return OutcomeDispatched
}

func (r *Registry) dispatchURL(ctx context.Context, route waf.Route, w http.ResponseWriter, req *http.Request) Outcome {
	target, err := url.Parse(route.OriginURL)
	if err != nil || target.Host == "" {
		return misconfigured(w, fmt.Sprintf("invalid origin_url %q", route.OriginURL))
	}

	breaker := r.breakerFor(route.ID)

	outReq := req.Clone(ctx)
	outReq.URL.Scheme = target.Scheme
	outReq.URL.Host = target.Host
	outReq.Host = target.Host
	outReq.RequestURI = ""
	stripHopByHop(outReq.Header)

	resp, err := breaker.Execute(func() (*http.Response, error) {
		return r.client.Do(outReq)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return upstreamUnavailable(w)
		}
		return upstreamUnavailable(w)
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return OutcomeDispatched
}

func (r *Registry) breakerFor(routeID string) *gobreaker.CircuitBreaker[*http.Response] {
	r.mu.RLock()
	b, ok := r.breakers[routeID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[routeID]; ok {
		return b
	}
	b = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "origin-" + routeID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	r.breakers[routeID] = b
	return b
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func misconfigured(w http.ResponseWriter, diagnostic string) Outcome {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, "origin misconfigured: "+diagnostic)
	return OutcomeMisconfig
}

func upstreamUnavailable(w http.ResponseWriter) Outcome {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, "origin unavailable")
	return OutcomeMisconfig
}
