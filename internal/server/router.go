package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/divortio/wafu/internal/api"
	"github.com/divortio/wafu/internal/authctx"
	"github.com/divortio/wafu/internal/metrics"
)

// Ingress is the minimal surface the router needs from the pipeline
// orchestrator to dispatch admitted/blocked traffic.
type Ingress interface {
	ServeHTTP(http.ResponseWriter, *http.Request)
}

// NewRouter wires the config API, ops endpoints, metrics, and the WAF
// ingress catch-all onto one gorilla/mux router, per §6's transport
// convention.
func NewRouter(handlers *api.Handlers, ingress Ingress, rec *metrics.Recorder) http.Handler {
	r := mux.NewRouter()
	r.Use(authctx.Middleware)

	r.Handle("/metrics", rec.Handler()).Methods(http.MethodGet)

	handlers.Register(r)

	r.PathPrefix("/").Handler(http.HandlerFunc(ingress.ServeHTTP))

	return r
}
