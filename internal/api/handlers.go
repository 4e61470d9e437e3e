package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/divortio/wafu/internal/apierr"
	"github.com/divortio/wafu/internal/authctx"
	"github.com/divortio/wafu/internal/config"
	"github.com/divortio/wafu/internal/decisionlog"
	"github.com/divortio/wafu/internal/store"
	"github.com/divortio/wafu/internal/waf"
)

// Handlers serves the config API and operational endpoints described in
// §6, fronted by internal/authctx's pre-resolved identity middleware.
type Handlers struct {
	Stores      *store.Manager
	DecisionLog *decisionlog.Logger
	SeedConfig  config.SeedConfig
	Log         *slog.Logger
}

// Register wires every config API and ops route onto r.
func (h *Handlers) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/global/rules", h.listGlobalRules).Methods(http.MethodGet)
	api.HandleFunc("/global/rules", h.requireWrite(h.createGlobalRule)).Methods(http.MethodPost)
	api.HandleFunc("/global/rules/reorder", h.requireWrite(h.reorderGlobalRules)).Methods(http.MethodPost)
	api.HandleFunc("/global/rules/{id}", h.getGlobalRule).Methods(http.MethodGet)
	api.HandleFunc("/global/rules/{id}", h.requireWrite(h.updateGlobalRule)).Methods(http.MethodPut)
	api.HandleFunc("/global/rules/{id}", h.requireWrite(h.deleteGlobalRule)).Methods(http.MethodDelete)

	api.HandleFunc("/global/routes", h.listRoutes).Methods(http.MethodGet)
	api.HandleFunc("/global/routes", h.requireWrite(h.createRoute)).Methods(http.MethodPost)
	api.HandleFunc("/global/routes/{route_id}", h.requireWrite(h.updateRoute)).Methods(http.MethodPut)
	api.HandleFunc("/global/routes/{route_id}", h.requireWrite(h.deleteRoute)).Methods(http.MethodDelete)

	api.HandleFunc("/global/error-pages", h.requireWrite(h.putErrorPage)).Methods(http.MethodPost, http.MethodPut)

	api.HandleFunc("/routes/{route_id}/rules", h.listRouteRules).Methods(http.MethodGet)
	api.HandleFunc("/routes/{route_id}/rules", h.requireWrite(h.createRouteRule)).Methods(http.MethodPost)
	api.HandleFunc("/routes/{route_id}/rules/{id}", h.getRouteRule).Methods(http.MethodGet)
	api.HandleFunc("/routes/{route_id}/rules/{id}", h.requireWrite(h.updateRouteRule)).Methods(http.MethodPut)
	api.HandleFunc("/routes/{route_id}/rules/{id}", h.requireWrite(h.deleteRouteRule)).Methods(http.MethodDelete)

	ops := r.PathPrefix("/ops").Subrouter()
	ops.HandleFunc("/feeds/refresh", h.requireWrite(h.refreshFeeds)).Methods(http.MethodPost)
	ops.HandleFunc("/events/aggregate", h.requireWrite(h.aggregateEvents)).Methods(http.MethodPost)
}

// requireWrite enforces §6's "writes require role administrator" before
// calling next: no resolved identity yields 401, a non-administrator 403.
// GET routes are registered without this wrapper, so reads perform no
// identity or role check.
func (h *Handlers) requireWrite(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := authctx.FromContext(r.Context())
		if !ok {
			apierr.Unauthorized(w, "no resolved identity")
			return
		}
		if !id.CanWrite() {
			apierr.Forbidden(w, "administrator role required")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return waf.NewError(waf.ErrInvalidInput, "malformed request body", err)
	}
	return nil
}

func actorOf(r *http.Request) string {
	id, _ := authctx.FromContext(r.Context())
	return id.Actor
}

// --- global rules ---

func (h *Handlers) listGlobalRules(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Stores.Global().GetSnapshot(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	ordered := store.SortedByPriority(snap.Rules)
	out := make([]RuleDTO, 0, len(ordered))
	for _, rule := range ordered {
		out = append(out, RuleFromDomain(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) getGlobalRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := h.Stores.Global().GetSnapshot(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	rule, ok := snap.RuleByID(id)
	if !ok {
		apierr.Write(w, waf.NewError(waf.ErrNotFound, "rule not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, RuleFromDomain(rule))
}

func (h *Handlers) createGlobalRule(w http.ResponseWriter, r *http.Request) {
	var dto RuleDTO
	if err := decodeBody(r, &dto); err != nil {
		apierr.Write(w, err)
		return
	}
	rule, err := dto.ToRule()
	if err != nil {
		apierr.Write(w, err)
		return
	}
	rule.ID = uuid.NewString()
	created, err := h.Stores.Global().CreateRule(r.Context(), actorOf(r), rule)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RuleFromDomain(created))
}

func (h *Handlers) updateGlobalRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var dto RuleDTO
	if err := decodeBody(r, &dto); err != nil {
		apierr.Write(w, err)
		return
	}
	rule, err := dto.ToRule()
	if err != nil {
		apierr.Write(w, err)
		return
	}
	updated, err := h.Stores.Global().UpdateRule(r.Context(), actorOf(r), id, rule)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RuleFromDomain(updated))
}

func (h *Handlers) deleteGlobalRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Stores.Global().DeleteRule(r.Context(), actorOf(r), id); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) reorderGlobalRules(w http.ResponseWriter, r *http.Request) {
	var dto ReorderDTO
	if err := decodeBody(r, &dto); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := validate.Struct(dto); err != nil {
		apierr.Write(w, waf.NewError(waf.ErrInvalidInput, "invalid reorder request", err))
		return
	}
	if err := h.Stores.Global().Reorder(r.Context(), actorOf(r), dto.RuleIDs); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- routes ---

func (h *Handlers) listRoutes(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Stores.Global().GetSnapshot(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	out := make([]RouteDTO, 0, len(snap.Routes))
	for _, route := range snap.Routes {
		out = append(out, RouteFromDomain(route))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) createRoute(w http.ResponseWriter, r *http.Request) {
	var dto RouteDTO
	if err := decodeBody(r, &dto); err != nil {
		apierr.Write(w, err)
		return
	}
	route, err := dto.ToRoute()
	if err != nil {
		apierr.Write(w, err)
		return
	}
	route.ID = uuid.NewString()
	created, err := h.Stores.Global().CreateRoute(r.Context(), actorOf(r), route)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RouteFromDomain(created))
}

func (h *Handlers) updateRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["route_id"]
	var dto RouteDTO
	if err := decodeBody(r, &dto); err != nil {
		apierr.Write(w, err)
		return
	}
	route, err := dto.ToRoute()
	if err != nil {
		apierr.Write(w, err)
		return
	}
	updated, err := h.Stores.Global().UpdateRoute(r.Context(), actorOf(r), id, route)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RouteFromDomain(updated))
}

func (h *Handlers) deleteRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["route_id"]
	if err := h.Stores.Global().DeleteRoute(r.Context(), actorOf(r), id); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := h.Stores.DeleteRoute(id); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) putErrorPage(w http.ResponseWriter, r *http.Request) {
	var dto ErrorPageDTO
	if err := decodeBody(r, &dto); err != nil {
		apierr.Write(w, err)
		return
	}
	page, err := dto.ToErrorPage()
	if err != nil {
		apierr.Write(w, err)
		return
	}
	saved, err := h.Stores.Global().PutErrorPage(r.Context(), actorOf(r), page)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// --- route-scoped rules ---

func (h *Handlers) routeStoreOrNotFound(w http.ResponseWriter, r *http.Request) *store.Store {
	routeID := mux.Vars(r)["route_id"]
	snap, err := h.Stores.Global().GetSnapshot(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return nil
	}
	found := false
	for _, route := range snap.Routes {
		if route.ID == routeID {
			found = true
			break
		}
	}
	if !found {
		apierr.Write(w, waf.NewError(waf.ErrNotFound, "route not found", nil))
		return nil
	}
	routeStore, err := h.Stores.Route(r.Context(), routeID)
	if err != nil {
		apierr.Write(w, err)
		return nil
	}
	return routeStore
}

func (h *Handlers) listRouteRules(w http.ResponseWriter, r *http.Request) {
	routeStore := h.routeStoreOrNotFound(w, r)
	if routeStore == nil {
		return
	}
	snap, err := routeStore.GetSnapshot(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	ordered := store.SortedByPriority(snap.Rules)
	out := make([]RuleDTO, 0, len(ordered))
	for _, rule := range ordered {
		out = append(out, RuleFromDomain(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) getRouteRule(w http.ResponseWriter, r *http.Request) {
	routeStore := h.routeStoreOrNotFound(w, r)
	if routeStore == nil {
		return
	}
	id := mux.Vars(r)["id"]
	snap, err := routeStore.GetSnapshot(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	rule, ok := snap.RuleByID(id)
	if !ok {
		apierr.Write(w, waf.NewError(waf.ErrNotFound, "rule not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, RuleFromDomain(rule))
}

func (h *Handlers) createRouteRule(w http.ResponseWriter, r *http.Request) {
	routeStore := h.routeStoreOrNotFound(w, r)
	if routeStore == nil {
		return
	}
	var dto RuleDTO
	if err := decodeBody(r, &dto); err != nil {
		apierr.Write(w, err)
		return
	}
	rule, err := dto.ToRule()
	if err != nil {
		apierr.Write(w, err)
		return
	}
	rule.ID = uuid.NewString()
	created, err := routeStore.CreateRule(r.Context(), actorOf(r), rule)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RuleFromDomain(created))
}

func (h *Handlers) updateRouteRule(w http.ResponseWriter, r *http.Request) {
	routeStore := h.routeStoreOrNotFound(w, r)
	if routeStore == nil {
		return
	}
	id := mux.Vars(r)["id"]
	var dto RuleDTO
	if err := decodeBody(r, &dto); err != nil {
		apierr.Write(w, err)
		return
	}
	rule, err := dto.ToRule()
	if err != nil {
		apierr.Write(w, err)
		return
	}
	updated, err := routeStore.UpdateRule(r.Context(), actorOf(r), id, rule)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RuleFromDomain(updated))
}

func (h *Handlers) deleteRouteRule(w http.ResponseWriter, r *http.Request) {
	routeStore := h.routeStoreOrNotFound(w, r)
	if routeStore == nil {
		return
	}
	id := mux.Vars(r)["id"]
	if err := routeStore.DeleteRule(r.Context(), actorOf(r), id); err != nil {
		apierr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ops ---

// refreshFeeds re-reads the configured seed source and applies any rule or
// route not already present in the global store, without overwriting
// stores already mutated through the CRUD surface above.
func (h *Handlers) refreshFeeds(w http.ResponseWriter, r *http.Request) {
	bundle, err := config.LoadSeed(r.Context(), h.SeedConfig)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	snap, err := h.Stores.Global().GetSnapshot(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	existingRules := make(map[string]bool, len(snap.Rules))
	for _, rule := range snap.Rules {
		existingRules[rule.ID] = true
	}
	existingRoutes := make(map[string]bool, len(snap.Routes))
	for _, route := range snap.Routes {
		existingRoutes[route.ID] = true
	}

	applied := 0
	for _, route := range bundle.Routes {
		if existingRoutes[route.ID] {
			continue
		}
		if _, err := h.Stores.Global().CreateRoute(r.Context(), "seed-refresh", route); err != nil {
			h.Log.Warn("seed refresh: create route failed", "route", route.ID, "error", err)
			continue
		}
		applied++
	}
	for _, rule := range bundle.Rules {
		if existingRules[rule.ID] {
			continue
		}
		if _, err := h.Stores.Global().CreateRule(r.Context(), "seed-refresh", rule); err != nil {
			h.Log.Warn("seed refresh: create rule failed", "rule", rule.ID, "error", err)
			continue
		}
		applied++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"applied": applied,
		"skipped": bundle.Skipped,
		"sources": bundle.Sources,
	})
}

// aggregateEvents returns the decision logger's per-action counters
// accumulated since the last reset, then resets them.
func (h *Handlers) aggregateEvents(w http.ResponseWriter, r *http.Request) {
	if h.DecisionLog == nil {
		writeJSON(w, http.StatusOK, map[string]int64{})
		return
	}
	stats := h.DecisionLog.Stats()
	h.DecisionLog.Reset()
	writeJSON(w, http.StatusOK, stats)
}
