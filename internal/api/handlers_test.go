package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/divortio/wafu/internal/authctx"
	"github.com/divortio/wafu/internal/config"
	"github.com/divortio/wafu/internal/sinks"
	"github.com/divortio/wafu/internal/store"
)

func newTestHandlers(t *testing.T) (*Handlers, *mux.Router) {
	t.Helper()
	store.ConfigureEvaluator(0)
	mgr, err := store.NewManager(context.Background(), t.TempDir(), sinks.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	h := &Handlers{
		Stores: mgr,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	r := mux.NewRouter()
	r.Use(authctx.Middleware)
	h.Register(r)
	return h, r
}

func doRequest(r *mux.Router, method, path, actor, role string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != "" {
		req.Header.Set(authctx.ActorHeader, actor)
	}
	if role != "" {
		req.Header.Set(authctx.RoleHeader, role)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func validRulePayload() map[string]any {
	return map[string]any{
		"name":    "block admins",
		"enabled": true,
		"action":  "BLOCK",
		"expression": []map[string]any{
			{"field": "request.path", "operator": "equals", "value": "/admin"},
		},
		"priority": 1,
	}
}

func TestCreateGlobalRuleRequiresAdministrator(t *testing.T) {
	_, r := newTestHandlers(t)

	rec := doRequest(r, http.MethodPost, "/api/global/rules", "alice", "viewer", validRulePayload())
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(r, http.MethodPost, "/api/global/rules", "", "", validRulePayload())
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(r, http.MethodPost, "/api/global/rules", "alice", "administrator", validRulePayload())
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestGlobalRuleCRUDRoundTrip(t *testing.T) {
	_, r := newTestHandlers(t)

	rec := doRequest(r, http.MethodPost, "/api/global/rules", "alice", "administrator", validRulePayload())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created RuleDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doRequest(r, http.MethodGet, "/api/global/rules", "alice", "viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []RuleDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doRequest(r, http.MethodGet, "/api/global/rules/"+created.ID, "alice", "viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	updated := validRulePayload()
	updated["enabled"] = false
	rec = doRequest(r, http.MethodPut, "/api/global/rules/"+created.ID, "alice", "administrator", updated)
	require.Equal(t, http.StatusOK, rec.Code)
	var updatedDTO RuleDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updatedDTO))
	require.False(t, updatedDTO.Enabled)

	rec = doRequest(r, http.MethodDelete, "/api/global/rules/"+created.ID, "alice", "administrator", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(r, http.MethodGet, "/api/global/rules/"+created.ID, "alice", "viewer", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateGlobalRuleRejectsUnknownAction(t *testing.T) {
	_, r := newTestHandlers(t)

	payload := validRulePayload()
	payload["action"] = "REDIRECT"
	rec := doRequest(r, http.MethodPost, "/api/global/rules", "alice", "administrator", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteRulesRequireExistingRoute(t *testing.T) {
	_, r := newTestHandlers(t)

	rec := doRequest(r, http.MethodGet, "/api/routes/missing-route/rules", "alice", "viewer", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteLifecycleAndScopedRules(t *testing.T) {
	_, r := newTestHandlers(t)

	routePayload := map[string]any{
		"incoming_host":       "shop.example.com",
		"origin_type":         "service",
		"origin_service_name": "storefront-svc",
		"enabled":             true,
	}
	rec := doRequest(r, http.MethodPost, "/api/global/routes", "alice", "administrator", routePayload)
	require.Equal(t, http.StatusCreated, rec.Code)
	var route RouteDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &route))
	require.NotEmpty(t, route.ID)

	rec = doRequest(r, http.MethodPost, "/api/routes/"+route.ID+"/rules", "alice", "administrator", validRulePayload())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(r, http.MethodGet, "/api/routes/"+route.ID+"/rules", "alice", "viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []RuleDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 1)

	rec = doRequest(r, http.MethodDelete, "/api/global/routes/"+route.ID, "alice", "administrator", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestReorderGlobalRulesValidatesPayload(t *testing.T) {
	_, r := newTestHandlers(t)
	rec := doRequest(r, http.MethodPost, "/api/global/rules/reorder", "alice", "administrator", map[string]any{"rule_ids": []string{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshFeedsAppliesUnseenSeedEntries(t *testing.T) {
	h, r := newTestHandlers(t)

	dir := t.TempDir()
	seedFile := dir + "/seed.yaml"
	require.NoError(t, os.WriteFile(seedFile, []byte("rules:\n  seeded:\n    name: seeded rule\n    action: LOG\n"), 0o600))
	h.SeedConfig = config.SeedConfig{SeedFile: seedFile}

	rec := doRequest(r, http.MethodPost, "/ops/feeds/refresh", "alice", "administrator", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp["applied"])

	rec = doRequest(r, http.MethodPost, "/ops/feeds/refresh", "alice", "administrator", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 0, resp["applied"], "already-applied seed rule must not be recreated")
}
