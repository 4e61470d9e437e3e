// Package api implements the config API: CRUD over global and per-route
// rules, routes, and error pages, plus the operational endpoints, per §6.
package api

import (
	"github.com/go-playground/validator/v10"

	"github.com/divortio/wafu/internal/waf"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PredicateDTO mirrors waf.Predicate with validation tags for inbound
// CRUD bodies.
type PredicateDTO struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value,omitempty"`
}

// RuleDTO is the inbound/outbound shape for global and route rule CRUD.
type RuleDTO struct {
	ID            string         `json:"id,omitempty"`
	Name          string         `json:"name" validate:"required"`
	Description   string         `json:"description,omitempty"`
	Enabled       bool           `json:"enabled"`
	Action        string         `json:"action" validate:"required"`
	Expression    []PredicateDTO `json:"expression" validate:"dive"`
	Tags          []string       `json:"tags,omitempty"`
	Priority      int            `json:"priority" validate:"min=0"`
	TriggerAlert  bool           `json:"trigger_alert"`
	BlockHTTPCode *int           `json:"block_http_code,omitempty"`
}

// ToRule validates dto and converts it to the domain Rule type.
func (dto RuleDTO) ToRule() (waf.Rule, error) {
	if err := validate.Struct(dto); err != nil {
		return waf.Rule{}, waf.NewError(waf.ErrInvalidInput, "invalid rule", err)
	}
	action := waf.Action(dto.Action)
	if !action.Valid() {
		return waf.Rule{}, waf.NewError(waf.ErrInvalidInput, "unknown action "+dto.Action, nil)
	}
	expr := make([]waf.Predicate, 0, len(dto.Expression))
	for _, p := range dto.Expression {
		op := waf.Operator(p.Operator)
		if !op.Valid() {
			return waf.Rule{}, waf.NewError(waf.ErrInvalidInput, "unknown operator "+p.Operator, nil)
		}
		expr = append(expr, waf.Predicate{Field: p.Field, Operator: op, Value: p.Value})
	}
	return waf.Rule{
		ID:            dto.ID,
		Name:          dto.Name,
		Description:   dto.Description,
		Enabled:       dto.Enabled,
		Action:        action,
		Expression:    expr,
		Tags:          dto.Tags,
		Priority:      dto.Priority,
		TriggerAlert:  dto.TriggerAlert,
		BlockHTTPCode: dto.BlockHTTPCode,
	}, nil
}

// RuleFromDomain converts a persisted waf.Rule back to its wire shape.
func RuleFromDomain(r waf.Rule) RuleDTO {
	expr := make([]PredicateDTO, 0, len(r.Expression))
	for _, p := range r.Expression {
		expr = append(expr, PredicateDTO{Field: p.Field, Operator: string(p.Operator), Value: p.Value})
	}
	return RuleDTO{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Enabled:       r.Enabled,
		Action:        string(r.Action),
		Expression:    expr,
		Tags:          r.Tags,
		Priority:      r.Priority,
		TriggerAlert:  r.TriggerAlert,
		BlockHTTPCode: r.BlockHTTPCode,
	}
}

// RouteDTO is the inbound/outbound shape for route CRUD.
type RouteDTO struct {
	ID                string `json:"id,omitempty"`
	IncomingHost      string `json:"incoming_host" validate:"required"`
	OriginType        string `json:"origin_type" validate:"required,oneof=service url"`
	OriginURL         string `json:"origin_url,omitempty"`
	OriginServiceName string `json:"origin_service_name,omitempty"`
	Enabled           bool   `json:"enabled"`
}

// ToRoute validates dto and converts it to the domain Route type.
func (dto RouteDTO) ToRoute() (waf.Route, error) {
	if err := validate.Struct(dto); err != nil {
		return waf.Route{}, waf.NewError(waf.ErrInvalidInput, "invalid route", err)
	}
	originType := waf.OriginType(dto.OriginType)
	if originType == waf.OriginURL && dto.OriginURL == "" {
		return waf.Route{}, waf.NewError(waf.ErrInvalidInput, "origin_url required for origin_type=url", nil)
	}
	if originType == waf.OriginService && dto.OriginServiceName == "" {
		return waf.Route{}, waf.NewError(waf.ErrInvalidInput, "origin_service_name required for origin_type=service", nil)
	}
	return waf.Route{
		ID:                dto.ID,
		IncomingHost:      dto.IncomingHost,
		OriginType:        originType,
		OriginURL:         dto.OriginURL,
		OriginServiceName: dto.OriginServiceName,
		Enabled:           dto.Enabled,
	}, nil
}

// RouteFromDomain converts a persisted waf.Route back to its wire shape.
func RouteFromDomain(r waf.Route) RouteDTO {
	return RouteDTO{
		ID:                r.ID,
		IncomingHost:      r.IncomingHost,
		OriginType:        string(r.OriginType),
		OriginURL:         r.OriginURL,
		OriginServiceName: r.OriginServiceName,
		Enabled:           r.Enabled,
	}
}

// ErrorPageDTO is the inbound/outbound shape for error page upserts.
type ErrorPageDTO struct {
	HTTPCode    int    `json:"http_code" validate:"required,min=100,max=599"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	ContentType string `json:"content_type" validate:"required"`
	Body        string `json:"body" validate:"required"`
}

// ToErrorPage validates dto and converts it to the domain ErrorPage type.
func (dto ErrorPageDTO) ToErrorPage() (waf.ErrorPage, error) {
	if err := validate.Struct(dto); err != nil {
		return waf.ErrorPage{}, waf.NewError(waf.ErrInvalidInput, "invalid error page", err)
	}
	return waf.ErrorPage{
		HTTPCode:    dto.HTTPCode,
		Name:        dto.Name,
		Description: dto.Description,
		ContentType: dto.ContentType,
		Body:        dto.Body,
	}, nil
}

// ReorderDTO carries the new priority order for Reorder requests.
type ReorderDTO struct {
	RuleIDs []string `json:"rule_ids" validate:"required,min=1"`
}
