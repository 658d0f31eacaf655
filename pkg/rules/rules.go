// Package rules manages standing rules: persistent auto-decisions that let
// repeated, already-trusted actions bypass the approval gate. Patterns are
// either an exact action string or a "prefix:*" glob; a matching deny
// always beats a matching approve.
package rules

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
)

// Engine evaluates actions against the persisted rule set.
type Engine struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewEngine creates a rule engine over the store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store, logger: log.WithComponent("rules")}
}

// Add persists a new rule. A zero ExpiresAt means the rule never expires.
func (e *Engine) Add(pattern, scope string, verdict types.RuleVerdict, ttl time.Duration) (*types.StandingRule, error) {
	rule := &types.StandingRule{
		ID:            ident.NewID(),
		ActionPattern: pattern,
		Scope:         scope,
		Verdict:       verdict,
		CreatedAt:     time.Now().UTC(),
	}
	if ttl > 0 {
		rule.ExpiresAt = rule.CreatedAt.Add(ttl)
	}
	if err := e.store.PutRule(rule); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("rule_id", rule.ID).
		Str("pattern", pattern).
		Str("verdict", string(verdict)).
		Msg("standing rule added")
	return rule, nil
}

// Remove deletes a rule.
func (e *Engine) Remove(id string) error {
	return e.store.DeleteRule(id)
}

// List returns the live rule set, skipping expired rows.
func (e *Engine) List() ([]*types.StandingRule, error) {
	all, err := e.store.ListRules()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	live := all[:0]
	for _, rule := range all {
		if !rule.ExpiresAt.IsZero() && now.After(rule.ExpiresAt) {
			continue
		}
		live = append(live, rule)
	}
	return live, nil
}

// Decide matches one action against the live rules. Deny beats approve; no
// match returns ("", false).
func (e *Engine) Decide(action string) (types.RuleVerdict, bool, error) {
	rules, err := e.List()
	if err != nil {
		return "", false, err
	}

	var verdict types.RuleVerdict
	matched := false
	for _, rule := range rules {
		if !Matches(rule.ActionPattern, action) {
			continue
		}
		if rule.Verdict == types.RuleDeny {
			return types.RuleDeny, true, nil
		}
		verdict = rule.Verdict
		matched = true
	}
	return verdict, matched, nil
}

// DecideAll reports whether every action has a matching approve rule and
// none matches a deny. This is the bypass condition for the approval gate;
// on a full match every contributing rule's ApprovalCount is bumped.
func (e *Engine) DecideAll(actions []string) (bool, error) {
	if len(actions) == 0 {
		return false, nil
	}
	live, err := e.List()
	if err != nil {
		return false, err
	}

	matched := make(map[string]*types.StandingRule)
	for _, action := range actions {
		var approver *types.StandingRule
		for _, rule := range live {
			if !Matches(rule.ActionPattern, action) {
				continue
			}
			if rule.Verdict == types.RuleDeny {
				return false, nil
			}
			approver = rule
		}
		if approver == nil {
			return false, nil
		}
		matched[approver.ID] = approver
	}

	for _, rule := range matched {
		rule.ApprovalCount++
		if err := e.store.PutRule(rule); err != nil {
			e.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("failed to record rule approval")
		}
	}
	return true, nil
}

// Matches reports whether a pattern covers an action. "browser:*" covers
// "browser:navigate"; anything else must match exactly.
func Matches(pattern, action string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(action, prefix+":")
	}
	return pattern == action
}
