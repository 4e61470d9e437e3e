package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/divortio/wafu/internal/waf"
	"github.com/divortio/wafu/internal/waf/field"
	"github.com/divortio/wafu/internal/waf/predicate"
	"github.com/divortio/wafu/internal/waf/ruleset"
)

// evaluator is the process-wide C2+C3+C4 engine every store's Evaluate call
// shares, so the regex compile cache is genuinely process-wide per §5.
var evaluator = ruleset.NewEvaluator(predicate.NewEvaluator(0))

// ConfigureEvaluator replaces the process-wide evaluator's regex cache
// size. Callers must invoke this before opening any store; it exists so
// main can honor server.predicate.regexCacheSize without every store
// carrying its own cache.
func ConfigureEvaluator(regexCacheSize int) {
	evaluator = ruleset.NewEvaluator(predicate.NewEvaluator(regexCacheSize))
}

func (s *Store) loadRules(ctx context.Context, q querier) ([]waf.Rule, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, description, enabled, action, expression_json, tags_json, priority, trigger_alert, block_http_code FROM rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []waf.Rule
	for rows.Next() {
		var (
			r             waf.Rule
			enabled       int
			triggerAlert  int
			exprJSON      string
			tagsJSON      string
			blockHTTPCode sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &enabled, &r.Action, &exprJSON, &tagsJSON, &r.Priority, &triggerAlert, &blockHTTPCode); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.TriggerAlert = triggerAlert != 0
		if err := json.Unmarshal([]byte(exprJSON), &r.Expression); err != nil {
			return nil, fmt.Errorf("store: decode expression for rule %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &r.Tags); err != nil {
			return nil, fmt.Errorf("store: decode tags for rule %s: %w", r.ID, err)
		}
		if blockHTTPCode.Valid {
			code := int(blockHTTPCode.Int64)
			r.BlockHTTPCode = &code
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// maxEnabledPriority returns the highest priority among enabled rules, or 0
// if there are none.
func maxEnabledPriority(rules []waf.Rule) int {
	max := 0
	for _, r := range rules {
		if r.Enabled && r.Priority > max {
			max = r.Priority
		}
	}
	return max
}

// validateNewPriority enforces §4.5's create_rule bound: priority must be
// >0 and <= current-max+1, and must not collide with an existing enabled
// rule's priority.
func validateNewPriority(rules []waf.Rule, priority int) *waf.Error {
	if priority <= 0 {
		return waf.NewError(waf.ErrInvalidInput, "priority must be greater than 0", nil)
	}
	max := maxEnabledPriority(rules)
	if priority > max+1 {
		return waf.NewError(waf.ErrInvalidInput, fmt.Sprintf("priority %d exceeds max+1 (%d)", priority, max+1), nil)
	}
	for _, r := range rules {
		if r.Enabled && r.Priority == priority {
			return waf.NewError(waf.ErrConflict, fmt.Sprintf("priority %d already in use", priority), nil)
		}
	}
	return nil
}

// CreateRule inserts rule, assigning a generated id when the caller left one
// blank. actor identifies the writer for the audit record.
func (s *Store) CreateRule(ctx context.Context, actor string, rule waf.Rule) (waf.Rule, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if !rule.Action.Valid() {
		return waf.Rule{}, waf.NewError(waf.ErrInvalidInput, fmt.Sprintf("invalid action %q", rule.Action), nil)
	}
	for i, p := range rule.Expression {
		if !p.Operator.Valid() {
			return waf.Rule{}, waf.NewError(waf.ErrInvalidInput, fmt.Sprintf("invalid operator %q at predicate %d", p.Operator, i), nil)
		}
	}

	current, err := s.snapshotForWrite(ctx)
	if err != nil {
		return waf.Rule{}, err
	}
	if _, exists := current.RuleByID(rule.ID); exists {
		return waf.Rule{}, waf.NewError(waf.ErrConflict, fmt.Sprintf("rule %s already exists", rule.ID), nil)
	}
	if rule.Enabled {
		if verr := validateNewPriority(current.Rules, rule.Priority); verr != nil {
			return waf.Rule{}, verr
		}
	}

	if err := s.insertRule(ctx, rule); err != nil {
		return waf.Rule{}, waf.NewError(waf.ErrInternal, "insert rule", err)
	}

	s.invalidate()
	s.emitAudit(ctx, actor, "create_rule", rule.ID, nil, rule)
	return rule, nil
}

// UpdateRule fully replaces the rule identified by id.
func (s *Store) UpdateRule(ctx context.Context, actor, id string, rule waf.Rule) (waf.Rule, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.snapshotForWrite(ctx)
	if err != nil {
		return waf.Rule{}, err
	}
	before, exists := current.RuleByID(id)
	if !exists {
		return waf.Rule{}, waf.NewError(waf.ErrNotFound, fmt.Sprintf("rule %s not found", id), nil)
	}
	if !rule.Action.Valid() {
		return waf.Rule{}, waf.NewError(waf.ErrInvalidInput, fmt.Sprintf("invalid action %q", rule.Action), nil)
	}

	rule.ID = id
	if rule.Enabled {
		others := make([]waf.Rule, 0, len(current.Rules))
		for _, r := range current.Rules {
			if r.ID != id {
				others = append(others, r)
			}
		}
		if verr := validateNewPriority(others, rule.Priority); verr != nil {
			return waf.Rule{}, verr
		}
	}

	if err := s.updateRule(ctx, rule); err != nil {
		return waf.Rule{}, waf.NewError(waf.ErrInternal, "update rule", err)
	}

	s.invalidate()
	s.emitAudit(ctx, actor, "update_rule", id, before, rule)
	return rule, nil
}

// DeleteRule removes the rule identified by id.
func (s *Store) DeleteRule(ctx context.Context, actor, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.snapshotForWrite(ctx)
	if err != nil {
		return err
	}
	before, exists := current.RuleByID(id)
	if !exists {
		return waf.NewError(waf.ErrNotFound, fmt.Sprintf("rule %s not found", id), nil)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id); err != nil {
		return waf.NewError(waf.ErrInternal, "delete rule", err)
	}

	s.invalidate()
	s.emitAudit(ctx, actor, "delete_rule", id, before, nil)
	return nil
}

// Reorder atomically re-densifies the priorities of the rules named in
// activeIDsInOrder to 1..N in that order. Every id must name a currently
// enabled rule in this store.
func (s *Store) Reorder(ctx context.Context, actor string, activeIDsInOrder []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.snapshotForWrite(ctx)
	if err != nil {
		return err
	}

	enabledByID := make(map[string]waf.Rule, len(current.Rules))
	for _, r := range current.Rules {
		if r.Enabled {
			enabledByID[r.ID] = r
		}
	}
	if len(activeIDsInOrder) != len(enabledByID) {
		return waf.NewError(waf.ErrInvalidInput, "reorder must name exactly the enabled rules of this store", nil)
	}
	seen := make(map[string]bool, len(activeIDsInOrder))
	for _, id := range activeIDsInOrder {
		if seen[id] {
			return waf.NewError(waf.ErrInvalidInput, fmt.Sprintf("id %s listed more than once", id), nil)
		}
		seen[id] = true
		if _, ok := enabledByID[id]; !ok {
			return waf.NewError(waf.ErrInvalidInput, fmt.Sprintf("id %s is not an enabled rule in this store", id), nil)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return waf.NewError(waf.ErrInternal, "begin reorder transaction", err)
	}
	defer tx.Rollback()

	for i, id := range activeIDsInOrder {
		if _, err := tx.ExecContext(ctx, `UPDATE rules SET priority = ? WHERE id = ?`, i+1, id); err != nil {
			return waf.NewError(waf.ErrInternal, "reorder update", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return waf.NewError(waf.ErrInternal, "commit reorder", err)
	}

	s.invalidate()
	s.emitAudit(ctx, actor, "reorder", "", nil, activeIDsInOrder)
	return nil
}

// Evaluate projects req and runs the C2-C4 engine against the store's
// cached ruleset.
func (s *Store) Evaluate(ctx context.Context, req *waf.Request) (waf.Outcome, error) {
	snap, err := s.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	m := field.Project(req)
	return evaluator.Evaluate(snap.Rules, m), nil
}

// snapshotForWrite loads the current snapshot for validation purposes. It
// is GetSnapshot itself, so on a cache miss a write waits for, and reuses,
// any load already in flight through the same single-flight gate.
func (s *Store) snapshotForWrite(ctx context.Context) (*Snapshot, error) {
	return s.GetSnapshot(ctx)
}

func (s *Store) insertRule(ctx context.Context, r waf.Rule) error {
	exprJSON, tagsJSON, err := encodeRule(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, description, enabled, action, expression_json, tags_json, priority, trigger_alert, block_http_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, boolToInt(r.Enabled), string(r.Action), exprJSON, tagsJSON, r.Priority, boolToInt(r.TriggerAlert), nullableInt(r.BlockHTTPCode))
	return err
}

func (s *Store) updateRule(ctx context.Context, r waf.Rule) error {
	exprJSON, tagsJSON, err := encodeRule(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE rules SET name = ?, description = ?, enabled = ?, action = ?, expression_json = ?, tags_json = ?, priority = ?, trigger_alert = ?, block_http_code = ?
		WHERE id = ?`,
		r.Name, r.Description, boolToInt(r.Enabled), string(r.Action), exprJSON, tagsJSON, r.Priority, boolToInt(r.TriggerAlert), nullableInt(r.BlockHTTPCode), r.ID)
	return err
}

func encodeRule(r waf.Rule) (exprJSON, tagsJSON string, err error) {
	expr := r.Expression
	if expr == nil {
		expr = []waf.Predicate{}
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	e, err := json.Marshal(expr)
	if err != nil {
		return "", "", err
	}
	t, err := json.Marshal(tags)
	if err != nil {
		return "", "", err
	}
	return string(e), string(t), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// SortedByPriority is exposed for callers (e.g. the config API) that need a
// display-ordered rule list independent of evaluation order.
func SortedByPriority(rules []waf.Rule) []waf.Rule {
	out := make([]waf.Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
