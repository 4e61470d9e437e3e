package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divortio/wafu/internal/decisionlog"
	"github.com/divortio/wafu/internal/metrics"
	"github.com/divortio/wafu/internal/origin"
	"github.com/divortio/wafu/internal/sinks"
	"github.com/divortio/wafu/internal/store"
	"github.com/divortio/wafu/internal/templates"
	"github.com/divortio/wafu/internal/waf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestOrchestrator boots a fully wired Orchestrator against a throwaway
// data directory, with "origin-svc" registered as a service origin that
// always answers 200 "origin-ok".
func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Manager, *sinks.Memory) {
	t.Helper()
	store.ConfigureEvaluator(0)

	logger := testLogger()
	stores, err := store.NewManager(context.Background(), t.TempDir(), sinks.NewMemory(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	events := sinks.NewMemory()
	dl := decisionlog.New(events, 64, metrics.NewRecorder(nil).DecisionLogDropped(), logger)
	go dl.Run(context.Background())
	t.Cleanup(dl.Close)

	origins := origin.NewRegistry(nil)
	origins.RegisterService("origin-svc", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "origin-ok")
	}))

	o := &Orchestrator{
		Stores:      stores,
		Origins:     origins,
		DecisionLog: dl,
		Renderer:    templates.NewRenderer(nil),
		Metrics:     metrics.NewRecorder(nil),
		Log:         logger,
	}
	return o, stores, events
}

func createRoute(t *testing.T, stores *store.Manager, host string) waf.Route {
	t.Helper()
	route, err := stores.Global().CreateRoute(context.Background(), "test", waf.Route{
		IncomingHost:      host,
		OriginType:        waf.OriginService,
		OriginServiceName: "origin-svc",
		Enabled:           true,
	})
	require.NoError(t, err)
	return route
}

// waitForDecisionLog polls events until at least n records have been
// appended, since the decision logger drains asynchronously.
func waitForDecisionLog(t *testing.T, events *sinks.Memory, n int) []any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recs := events.Records(); len(recs) >= n {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "timed out waiting for decision log events")
	return nil
}

func TestServeHTTPEmptyRouteRulesetDefaultBlocks(t *testing.T) {
	o, stores, _ := newTestOrchestrator(t)
	createRoute(t, stores, "shop.example.com")

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "shop.example.com"
	rec := httptest.NewRecorder()

	o.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeHTTPRouteAllowRuleDispatches(t *testing.T) {
	o, stores, _ := newTestOrchestrator(t)
	route := createRoute(t, stores, "shop.example.com")

	routeStore, err := stores.Route(context.Background(), route.ID)
	require.NoError(t, err)
	_, err = routeStore.CreateRule(context.Background(), "test", waf.Rule{
		Name:     "allow-all",
		Enabled:  true,
		Action:   waf.ActionAllow,
		Priority: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "shop.example.com"
	rec := httptest.NewRecorder()

	o.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin-ok", rec.Body.String())
}

func TestServeHTTPUnknownHostIsFinalDenied(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "unknown.example.com"
	rec := httptest.NewRecorder()

	o.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeHTTPGlobalBlockPrecedesRouteEval(t *testing.T) {
	o, stores, _ := newTestOrchestrator(t)

	// A global BLOCK rule matching the route's host must short-circuit
	// before the (otherwise-permissive) route ruleset ever runs. It is
	// created before the route so it takes priority 1 and the route's
	// admission rule takes priority 2.
	_, err := stores.Global().CreateRule(context.Background(), "test", waf.Rule{
		Name:     "global-block-shop",
		Enabled:  true,
		Action:   waf.ActionBlock,
		Priority: 1,
		Expression: []waf.Predicate{
			{Field: "request.headers.host", Operator: waf.OpEquals, Value: "shop.example.com"},
		},
	})
	require.NoError(t, err)
	route := createRoute(t, stores, "shop.example.com")

	routeStore, err := stores.Route(context.Background(), route.ID)
	require.NoError(t, err)
	_, err = routeStore.CreateRule(context.Background(), "test", waf.Rule{
		Name:     "allow-all",
		Enabled:  true,
		Action:   waf.ActionAllow,
		Priority: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "shop.example.com"
	rec := httptest.NewRecorder()

	o.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeHTTPBlockResponseRendersConfiguredErrorPage(t *testing.T) {
	o, stores, _ := newTestOrchestrator(t)
	createRoute(t, stores, "shop.example.com")

	_, err := stores.Global().PutErrorPage(context.Background(), "test", waf.ErrorPage{
		HTTPCode:    403,
		Name:        "custom-403",
		ContentType: "text/plain",
		Body:        "blocked by rule {{.RuleID}}",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "shop.example.com"
	rec := httptest.NewRecorder()

	o.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "blocked by rule "+MatchedRuleDefaultRouteBlock, rec.Body.String())
}

func TestServeHTTPDeadlineExceededAfterRouteResolveYieldsServiceUnavailable(t *testing.T) {
	o, stores, _ := newTestOrchestrator(t)
	createRoute(t, stores, "shop.example.com")
	_, err := stores.Global().GetSnapshot(context.Background())
	require.NoError(t, err)

	// Cancelled before ServeHTTP even starts: the global snapshot is
	// already cached so global eval and route resolve both succeed despite
	// the cancellation, and the post-resolve deadline check at
	// orchestrator.go short-circuits to a synthesized 503 before route
	// evaluation ever runs.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/anything", nil).WithContext(ctx)
	req.Host = "shop.example.com"
	rec := httptest.NewRecorder()

	o.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTPRouteLogActionDispatchesAndTagsEventDistinctFromAllow(t *testing.T) {
	o, stores, events := newTestOrchestrator(t)
	route := createRoute(t, stores, "shop.example.com")

	routeStore, err := stores.Route(context.Background(), route.ID)
	require.NoError(t, err)
	_, err = routeStore.CreateRule(context.Background(), "test", waf.Rule{
		Name:     "log-all",
		Enabled:  true,
		Action:   waf.ActionLog,
		Priority: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "shop.example.com"
	rec := httptest.NewRecorder()

	o.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin-ok", rec.Body.String())

	recs := waitForDecisionLog(t, events, 1)
	evt, ok := recs[len(recs)-1].(decisionlog.Event)
	require.True(t, ok)
	assert.Equal(t, string(waf.ActionLog), evt.Action)
}
