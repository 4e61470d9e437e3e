package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/divortio/wafu/internal/waf"
)

// admissionRuleID returns the deterministic id of the auto-generated global
// ALLOW rule bound to a route's host, so it can be found and toggled without
// a separate linking table.
func admissionRuleID(routeID string) string {
	return "route-admission:" + routeID
}

func (s *Store) loadRoutes(ctx context.Context, q querier) ([]waf.Route, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, incoming_host, origin_type, origin_url, origin_service_name, enabled FROM routes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []waf.Route
	for rows.Next() {
		var r waf.Route
		var enabled int
		if err := rows.Scan(&r.ID, &r.IncomingHost, &r.OriginType, &r.OriginURL, &r.OriginServiceName, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (s *Store) loadErrorPages(ctx context.Context, q querier) (map[int]waf.ErrorPage, error) {
	rows, err := q.QueryContext(ctx, `SELECT http_code, name, description, content_type, body FROM error_pages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pages := make(map[int]waf.ErrorPage)
	for rows.Next() {
		var p waf.ErrorPage
		if err := rows.Scan(&p.HTTPCode, &p.Name, &p.Description, &p.ContentType, &p.Body); err != nil {
			return nil, err
		}
		pages[p.HTTPCode] = p
	}
	return pages, rows.Err()
}

// ResolveErrorPage resolves a block's error page by blockHTTPCode, falling
// back to the hard-coded default per §4.5/§4.7.
func (s *Store) ResolveErrorPage(ctx context.Context, blockHTTPCode *int) (waf.ErrorPage, error) {
	snap, err := s.GetSnapshot(ctx)
	if err != nil {
		return waf.ErrorPage{}, err
	}
	code := 403
	if blockHTTPCode != nil {
		code = *blockHTTPCode
	}
	if page, ok := snap.ErrorPages[code]; ok {
		return page, nil
	}
	return waf.DefaultErrorPage, nil
}

// CreateRoute inserts route and its auto-generated route-admission rule in a
// single transaction.
func (s *Store) CreateRoute(ctx context.Context, actor string, route waf.Route) (waf.Route, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if route.IncomingHost == "" {
		return waf.Route{}, waf.NewError(waf.ErrInvalidInput, "incoming_host is required", nil)
	}
	if route.OriginType != waf.OriginService && route.OriginType != waf.OriginURL {
		return waf.Route{}, waf.NewError(waf.ErrInvalidInput, fmt.Sprintf("invalid origin_type %q", route.OriginType), nil)
	}
	if route.ID == "" {
		route.ID = uuid.NewString()
	}

	current, err := s.snapshotForWrite(ctx)
	if err != nil {
		return waf.Route{}, err
	}
	for _, r := range current.Routes {
		if r.IncomingHost == route.IncomingHost {
			return waf.Route{}, waf.NewError(waf.ErrConflict, fmt.Sprintf("host %s already routed", route.IncomingHost), nil)
		}
	}

	admission := waf.Rule{
		ID:      admissionRuleID(route.ID),
		Name:    "route-admission:" + route.IncomingHost,
		Enabled: route.Enabled,
		Action:  waf.ActionAllow,
		Expression: []waf.Predicate{
			{Field: "request.headers.host", Operator: waf.OpEquals, Value: route.IncomingHost},
		},
		Tags:     []string{waf.RouteAdmissionTag},
		Priority: maxEnabledPriority(current.Rules) + 1,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "begin create_route transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO routes (id, incoming_host, origin_type, origin_url, origin_service_name, enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		route.ID, route.IncomingHost, string(route.OriginType), route.OriginURL, route.OriginServiceName, boolToInt(route.Enabled)); err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "insert route", err)
	}

	exprJSON, tagsJSON, err := encodeRule(admission)
	if err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "encode admission rule", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rules (id, name, description, enabled, action, expression_json, tags_json, priority, trigger_alert, block_http_code)
		VALUES (?, ?, '', ?, ?, ?, ?, ?, 0, NULL)`,
		admission.ID, admission.Name, boolToInt(admission.Enabled), string(admission.Action), exprJSON, tagsJSON, admission.Priority); err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "insert admission rule", err)
	}

	if err := tx.Commit(); err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "commit create_route", err)
	}

	s.invalidate()
	s.emitAudit(ctx, actor, "create_route", route.ID, nil, route)
	return route, nil
}

// UpdateRoute replaces route's fields, keeping its admission rule's enabled
// flag in lockstep per §4.5.
func (s *Store) UpdateRoute(ctx context.Context, actor, id string, route waf.Route) (waf.Route, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.snapshotForWrite(ctx)
	if err != nil {
		return waf.Route{}, err
	}
	before, exists := routeByID(current.Routes, id)
	if !exists {
		return waf.Route{}, waf.NewError(waf.ErrNotFound, fmt.Sprintf("route %s not found", id), nil)
	}
	route.ID = id

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "begin update_route transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE routes SET incoming_host = ?, origin_type = ?, origin_url = ?, origin_service_name = ?, enabled = ?
		WHERE id = ?`,
		route.IncomingHost, string(route.OriginType), route.OriginURL, route.OriginServiceName, boolToInt(route.Enabled), id); err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "update route", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rules SET enabled = ? WHERE id = ?`, boolToInt(route.Enabled), admissionRuleID(id)); err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "toggle admission rule", err)
	}
	if err := tx.Commit(); err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInternal, "commit update_route", err)
	}

	s.invalidate()
	s.emitAudit(ctx, actor, "update_route", id, before, route)
	return route, nil
}

// DeleteRoute removes route and its admission rule in a single transaction.
// The caller (store.Manager) is responsible for destroying the route's own
// tenant store afterward.
func (s *Store) DeleteRoute(ctx context.Context, actor, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.snapshotForWrite(ctx)
	if err != nil {
		return err
	}
	before, exists := routeByID(current.Routes, id)
	if !exists {
		return waf.NewError(waf.ErrNotFound, fmt.Sprintf("route %s not found", id), nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return waf.NewError(waf.ErrInternal, "begin delete_route transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id); err != nil {
		return waf.NewError(waf.ErrInternal, "delete route", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, admissionRuleID(id)); err != nil {
		return waf.NewError(waf.ErrInternal, "delete admission rule", err)
	}
	if err := tx.Commit(); err != nil {
		return waf.NewError(waf.ErrInternal, "commit delete_route", err)
	}

	s.invalidate()
	s.emitAudit(ctx, actor, "delete_route", id, before, nil)
	return nil
}

func routeByID(routes []waf.Route, id string) (waf.Route, bool) {
	for _, r := range routes {
		if r.ID == id {
			return r, true
		}
	}
	return waf.Route{}, false
}

// PutErrorPage inserts or replaces the error page for httpCode.
func (s *Store) PutErrorPage(ctx context.Context, actor string, page waf.ErrorPage) (waf.ErrorPage, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO error_pages (http_code, name, description, content_type, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(http_code) DO UPDATE SET name = excluded.name, description = excluded.description,
			content_type = excluded.content_type, body = excluded.body`,
		page.HTTPCode, page.Name, page.Description, page.ContentType, page.Body); err != nil {
		return waf.ErrorPage{}, waf.NewError(waf.ErrInternal, "put error page", err)
	}

	s.invalidate()
	s.emitAudit(ctx, actor, "put_error_page", fmt.Sprint(page.HTTPCode), nil, page)
	return page, nil
}
