package origin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/divortio/wafu/internal/waf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchService(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterService("svc-a", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	route := waf.Route{ID: "r1", OriginType: waf.OriginService, OriginServiceName: "svc-a"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	outcome := reg.Dispatch(req.Context(), route, rec, req)
	assert.Equal(t, OutcomeDispatched, outcome)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestDispatchServiceMisconfigured(t *testing.T) {
	reg := NewRegistry(nil)
	route := waf.Route{ID: "r1", OriginType: waf.OriginService, OriginServiceName: "does-not-exist"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	outcome := reg.Dispatch(req.Context(), route, rec, req)
	assert.Equal(t, OutcomeMisconfig, outcome)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDispatchURL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	reg := NewRegistry(upstream.Client())
	route := waf.Route{ID: "r1", OriginType: waf.OriginURL, OriginURL: upstream.URL}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	outcome := reg.Dispatch(req.Context(), route, rec, req)
	require.Equal(t, OutcomeDispatched, outcome)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestDispatchURLInvalid(t *testing.T) {
	reg := NewRegistry(nil)
	route := waf.Route{ID: "r1", OriginType: waf.OriginURL, OriginURL: "://bad"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	outcome := reg.Dispatch(req.Context(), route, rec, req)
	assert.Equal(t, OutcomeMisconfig, outcome)
}

func TestDispatchUnknownOriginType(t *testing.T) {
	reg := NewRegistry(nil)
	route := waf.Route{ID: "r1", OriginType: "carrier-pigeon"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	outcome := reg.Dispatch(req.Context(), route, rec, req)
	assert.Equal(t, OutcomeMisconfig, outcome)
}
