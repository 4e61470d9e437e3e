package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/divortio/wafu/internal/decisionlog"
	"github.com/divortio/wafu/internal/hostrouter"
	"github.com/divortio/wafu/internal/metrics"
	"github.com/divortio/wafu/internal/origin"
	"github.com/divortio/wafu/internal/store"
	"github.com/divortio/wafu/internal/templates"
	"github.com/divortio/wafu/internal/waf"
)

// MetaHeader is the header carrying the edge-populated meta bag as a JSON
// object. It stands in for the real edge/CDN integration the core is
// agnostic to (§6: "the core treats meta attributes as opaque scalars").
const MetaHeader = "X-Wafu-Meta"

// Orchestrator drives C7: the per-request state machine composing C5's
// global and route stores, C6's host router, and C8's origin dispatcher.
type Orchestrator struct {
	Stores      *store.Manager
	Origins     *origin.Registry
	DecisionLog *decisionlog.Logger
	Renderer    *templates.Renderer
	Metrics     *metrics.Recorder
	Log         *slog.Logger
}

// ServeHTTP implements the full request lifecycle of §4.7.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	started := time.Now()
	req := requestFromHTTP(r)
	state := NewState(req)
	defer func() {
		o.Metrics.ObserveRequest(string(state.FinalAction), time.Since(started))
	}()

	state.Stage = StageGlobalEval
	globalOutcome, err := o.Stores.Global().Evaluate(ctx, req)
	if err != nil {
		o.blockSynthetic(ctx, w, r, state, "global", err)
		return
	}
	state.GlobalOutcome = globalOutcome

	match, isMatch := globalOutcome.(waf.Match)
	if !isMatch {
		o.finalDeny(ctx, w, r, state)
		return
	}
	if match.Action == waf.ActionBlock || match.Action == waf.ActionChallenge {
		o.blockResponse(ctx, w, r, state, match.Action, match.RuleID, match.BlockHTTPCode, "global")
		return
	}

	state.Stage = StageRouteResolve
	globalSnap, err := o.Stores.Global().GetSnapshot(ctx)
	if err != nil {
		o.blockSynthetic(ctx, w, r, state, "global", err)
		return
	}
	route, found := hostrouter.Resolve(hostOnly(r.Host), globalSnap.Routes)
	if !found || !route.Enabled {
		o.finalDeny(ctx, w, r, state)
		return
	}
	state.Route = route
	state.RouteFound = true

	if ctx.Err() != nil {
		o.blockDeadline(w, state, route.ID)
		return
	}

	state.Stage = StageRouteEval
	routeStore, err := o.Stores.Route(ctx, route.ID)
	if err != nil {
		o.blockSynthetic(ctx, w, r, state, route.ID, err)
		return
	}
	routeOutcome, err := routeStore.Evaluate(ctx, req)
	if err != nil {
		o.blockSynthetic(ctx, w, r, state, route.ID, err)
		return
	}
	state.RouteOutcome = routeOutcome

	routeMatch, ok := routeOutcome.(waf.Match)
	if !ok {
		o.blockResponse(ctx, w, r, state, waf.ActionBlock, MatchedRuleDefaultRouteBlock, nil, route.ID)
		return
	}
	if routeMatch.Action == waf.ActionBlock || routeMatch.Action == waf.ActionChallenge {
		o.blockResponse(ctx, w, r, state, routeMatch.Action, routeMatch.RuleID, routeMatch.BlockHTTPCode, route.ID)
		return
	}

	// ALLOW or LOG: dispatch to origin either way; the two are
	// indistinguishable for dispatch purposes but tag the event record
	// differently below, per §4.7.
	if ctx.Err() != nil {
		o.blockDeadline(w, state, route.ID)
		return
	}
	state.Stage = StageOriginDispatch
	dispatchOutcome := o.Origins.Dispatch(ctx, route, w, r)
	state.DispatchOutcome = dispatchOutcome
	state.FinalAction = routeMatch.Action
	state.MatchedRuleID = routeMatch.RuleID

	// A successful dispatch is tagged by the matched rule's action so that
	// LOG is distinguishable from ALLOW in the event record, per §4.7; a
	// misconfigured origin is tagged by the dispatch outcome itself.
	eventAction := string(dispatchOutcome)
	if dispatchOutcome == origin.OutcomeDispatched {
		eventAction = string(routeMatch.Action)
		state.LoggedAsLog = routeMatch.Action == waf.ActionLog
	}
	o.logTerminal(state, r, route.ID, eventAction, routeMatch.RuleID, &route.IncomingHost)
}

func (o *Orchestrator) finalDeny(ctx context.Context, w http.ResponseWriter, r *http.Request, state *State) {
	state.Stage = StageFinalDeny
	state.FinalAction = waf.ActionBlock
	o.writeBlockBody(ctx, w, nil, state.MatchedRuleID)
	o.logTerminal(state, r, "global", "FINAL_DENY", "", nil)
}

func (o *Orchestrator) blockResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, state *State, action waf.Action, ruleID string, blockHTTPCode *int, tenant string) {
	state.Stage = StageBlockResponse
	state.FinalAction = action
	state.MatchedRuleID = ruleID
	state.BlockHTTPCode = blockHTTPCode
	state.LoggedAsChallenge = action == waf.ActionChallenge
	o.writeBlockBody(ctx, w, blockHTTPCode, ruleID)
	o.logTerminal(state, r, tenant, string(action), ruleID, nil)
}

// blockSynthetic converts a store Internal/Timeout failure into the
// synthesized BLOCK response §7 mandates (503 for timeout, 500 otherwise).
func (o *Orchestrator) blockSynthetic(ctx context.Context, w http.ResponseWriter, r *http.Request, state *State, tenant string, err error) {
	status := http.StatusInternalServerError
	ruleID := "internal-error"
	if waf.KindOf(err) == waf.ErrTimeout || ctx.Err() != nil {
		status = http.StatusServiceUnavailable
		ruleID = MatchedRuleDeadlineExceeded
	}
	state.Stage = StageBlockResponse
	state.FinalAction = waf.ActionBlock
	state.MatchedRuleID = ruleID
	o.Log.Error("synthetic block", "tenant", tenant, "error", err)
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(waf.DefaultErrorPage.Body))
	o.logTerminal(state, r, tenant, "BLOCK", ruleID, nil)
}

func (o *Orchestrator) blockDeadline(w http.ResponseWriter, state *State, tenant string) {
	state.Stage = StageBlockResponse
	state.FinalAction = waf.ActionBlock
	state.MatchedRuleID = MatchedRuleDeadlineExceeded
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(waf.DefaultErrorPage.Body))
}

// writeBlockBody resolves the block response's error page through the
// global store and renders it as a template, falling back to the hard-coded
// default on any resolution or render failure.
func (o *Orchestrator) writeBlockBody(ctx context.Context, w http.ResponseWriter, blockHTTPCode *int, ruleID string) {
	page, err := o.Stores.Global().ResolveErrorPage(ctx, blockHTTPCode)
	if err != nil {
		page = waf.DefaultErrorPage
	}

	body := page.Body
	if tmpl, terr := o.Renderer.CompileInline("block-response-"+ruleID, page.Body); terr == nil && tmpl != nil {
		if rendered, rerr := tmpl.Render(map[string]any{"RuleID": ruleID}); rerr == nil {
			body = rendered
		}
	}

	w.Header().Set("Content-Type", page.ContentType)
	w.WriteHeader(page.HTTPCode)
	_, _ = w.Write([]byte(body))
}

func (o *Orchestrator) logTerminal(state *State, r *http.Request, tenant, action, ruleID string, routeHost *string) {
	if !state.Stage.IsTerminal() {
		o.Log.Warn("logTerminal called from non-terminal stage", "stage", state.Stage)
	}
	if o.DecisionLog == nil {
		return
	}
	req := state.Request
	event := decisionlog.Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		Action:      action,
		RuleID:      ruleID,
		Context:     tenant,
		IP:          clientIP(r),
		UserAgent:   firstHeader(req, "user-agent"),
		Country:     stringMeta(req, "cf.country"),
		ASN:         stringMeta(req, "cf.asn"),
		Colo:        stringMeta(req, "cf.colo"),
		MetaBlob:    req.Meta,
		HeadersBlob: req.Headers,
	}
	if routeHost != nil {
		event.RouteHost = *routeHost
	}
	o.DecisionLog.Log(event)
}

func firstHeader(req *waf.Request, headerName string) string {
	for k, val := range req.Headers {
		if strings.EqualFold(k, headerName) {
			return val
		}
	}
	return ""
}

func stringMeta(req *waf.Request, key string) string {
	v, ok := req.Meta[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return strconv.Itoa(int(toFloatOrZero(v)))
}

func toFloatOrZero(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func hostOnly(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx != -1 {
		return hostport[:idx]
	}
	return hostport
}

// requestFromHTTP builds a *waf.Request from an inbound net/http request.
// The edge-populated meta bag is read from MetaHeader as a JSON object.
func requestFromHTTP(r *http.Request) *waf.Request {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	headers["host"] = r.Host

	meta := map[string]any{}
	if raw := r.Header.Get(MetaHeader); raw != "" {
		_ = json.Unmarshal([]byte(raw), &meta)
	}

	return &waf.Request{
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: headers,
		Meta:    meta,
	}
}
