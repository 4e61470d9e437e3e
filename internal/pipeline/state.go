// Package pipeline implements C7: the per-request state machine of §4.7,
// driving global evaluation, host routing, route evaluation, and origin
// dispatch to a single terminal outcome.
package pipeline

import (
	"time"

	"github.com/divortio/wafu/internal/origin"
	"github.com/divortio/wafu/internal/waf"
)

// Stage names the orchestrator's state machine states, matching §4.7's
// ASCII diagram.
type Stage string

const (
	StageStart         Stage = "START"
	StageGlobalEval     Stage = "GLOBAL_EVAL"
	StageRouteResolve   Stage = "ROUTE_RESOLVE"
	StageRouteEval      Stage = "ROUTE_EVAL"
	StageOriginDispatch Stage = "ORIGIN_DISPATCH"
	StageBlockResponse  Stage = "BLOCK_RESPONSE"
	StageFinalDeny      Stage = "FINAL_DENY"
	StageEnd            Stage = "END"
)

// MatchedRuleDefaultRouteBlock and MatchedRuleDeadlineExceeded are the
// synthetic matched_rule_id values for outcomes with no backing rule.
const (
	MatchedRuleDefaultRouteBlock = "default-route-block"
	MatchedRuleDeadlineExceeded  = "deadline-exceeded"
)

// State is the shared, mutable record threaded through every stage of one
// request's evaluation, the generalized analogue of the teacher's
// agent/shared-state pipeline shape.
type State struct {
	StartedAt time.Time
	Request   *waf.Request

	Stage Stage

	GlobalOutcome waf.Outcome
	Route         waf.Route
	RouteFound    bool
	RouteOutcome  waf.Outcome

	// Resolved terminal fields, set once a BLOCK/CHALLENGE/FINAL_DENY/
	// ORIGIN_DISPATCH/ORIGIN_MISCONFIG decision is reached.
	FinalAction       waf.Action
	MatchedRuleID     string
	BlockHTTPCode     *int
	DispatchOutcome   origin.Outcome
	LoggedAsChallenge bool
	LoggedAsLog       bool
}

// NewState constructs a fresh State for req, positioned at START.
func NewState(req *waf.Request) *State {
	return &State{StartedAt: time.Now(), Request: req, Stage: StageStart}
}

// IsTerminal reports whether stage is one of the terminal states recorded
// by the decision logger (§4.9's "terminal state").
func (st Stage) IsTerminal() bool {
	switch st {
	case StageBlockResponse, StageFinalDeny, StageOriginDispatch:
		return true
	default:
		return false
	}
}
