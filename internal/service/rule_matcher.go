package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/rules"
)

// Attributes is the snapshot of request attributes rules are evaluated
// against.
type Attributes map[string]any

// AttributesOf builds the attribute snapshot of a work request. Free-form
// request attributes are included but never shadow the standard keys.
func AttributesOf(wr *repository.WorkRequest) Attributes {
	attrs := make(Attributes, len(wr.Attributes)+9)
	for k, v := range wr.Attributes {
		attrs[k] = v
	}
	attrs["priority"] = string(wr.Priority)
	attrs["type"] = wr.WorkType
	attrs["workType"] = wr.WorkType
	attrs["organizationId"] = wr.OrganizationID
	attrs["requestedBy"] = wr.RequestedBy
	attrs["title"] = wr.Title
	if wr.EstimatedCost != nil {
		attrs["cost"] = *wr.EstimatedCost
	}
	if wr.AssetType != "" {
		attrs["assetType"] = wr.AssetType
	}
	if wr.Location != "" {
		attrs["location"] = wr.Location
	}
	return attrs
}

// RuleMatcher selects the approval rules that apply to a request.
type RuleMatcher struct {
	source  repository.RuleSource
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewRuleMatcher creates a new RuleMatcher.
func NewRuleMatcher(source repository.RuleSource, m *metrics.Metrics, log *logger.Logger) *RuleMatcher {
	return &RuleMatcher{source: source, metrics: m, log: log.Named("rule-matcher")}
}

// Match loads the organization's active rules and returns those matching
// attrs in ascending priority order.
func (m *RuleMatcher) Match(ctx context.Context, organizationID string, attrs Attributes) ([]*repository.ApprovalRule, error) {
	loaded, err := m.source.ActiveRules(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	// Database and in-memory sources are not validated on load.
	active := make([]*repository.ApprovalRule, 0, len(loaded))
	for _, rule := range loaded {
		if err := rules.Validate(rule); err != nil {
			m.metrics.RuleEvaluationErrors.WithLabelValues(rule.ID).Inc()
			m.log.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("organization_id", organizationID).
				Msg("Skipping invalid approval rule")
			continue
		}
		active = append(active, rule)
	}

	matched := MatchRules(active, attrs, func(rule *repository.ApprovalRule, err error) {
		m.metrics.RuleEvaluationErrors.WithLabelValues(rule.ID).Inc()
		m.log.Warn().Err(err).
			Str("rule_id", rule.ID).
			Str("organization_id", organizationID).
			Msg("Skipping approval rule that failed to evaluate")
	})

	m.log.Debug().
		Str("organization_id", organizationID).
		Int("active_rules", len(active)).
		Int("matched_rules", len(matched)).
		Msg("Approval rules matched")
	return matched, nil
}

// MatchRules returns the active rules whose every condition holds, sorted
// by ascending priority with ties kept in input order. A rule without
// conditions never matches. A rule whose evaluation fails is reported to
// onError and treated as non-matching.
func MatchRules(all []*repository.ApprovalRule, attrs Attributes, onError func(*repository.ApprovalRule, error)) []*repository.ApprovalRule {
	var matched []*repository.ApprovalRule
	for _, rule := range all {
		if !rule.IsActive || len(rule.Conditions) == 0 {
			continue
		}
		ok, err := ruleHolds(rule, attrs)
		if err != nil {
			if onError != nil {
				onError(rule, err)
			}
			continue
		}
		if ok {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	return matched
}

// ruleHolds evaluates every condition so a malformed condition is reported
// even when an earlier one is already false.
func ruleHolds(rule *repository.ApprovalRule, attrs Attributes) (bool, error) {
	holds := true
	for i, c := range rule.Conditions {
		ok, err := EvaluateCondition(c, attrs)
		if err != nil {
			return false, fmt.Errorf("condition %d on %q: %w", i+1, c.Field, err)
		}
		holds = holds && ok
	}
	return holds, nil
}

// EvaluateCondition evaluates one condition. A missing attribute is false,
// not an error; operand type mismatches are errors.
func EvaluateCondition(c repository.Condition, attrs Attributes) (bool, error) {
	actual, present := attrs[c.Field]
	if !present || actual == nil {
		return false, nil
	}

	switch c.Operator {
	case repository.OpEquals:
		return valuesEqual(actual, c.Value)

	case repository.OpIn:
		list, ok := rules.ToList(c.Value)
		if !ok {
			return false, fmt.Errorf("operator in needs a list, got %T", c.Value)
		}
		for _, candidate := range list {
			if eq, err := valuesEqual(actual, candidate); err == nil && eq {
				return true, nil
			}
		}
		return false, nil

	case repository.OpGreaterThan, repository.OpLessThan:
		a, ok := rules.ToNumber(actual)
		if !ok {
			return false, fmt.Errorf("attribute %q is not numeric: %v", c.Field, actual)
		}
		b, ok := rules.ToNumber(c.Value)
		if !ok {
			return false, fmt.Errorf("operand is not numeric: %v", c.Value)
		}
		if c.Operator == repository.OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil

	case repository.OpContains:
		if list, ok := rules.ToList(actual); ok {
			for _, item := range list {
				if eq, err := valuesEqual(item, c.Value); err == nil && eq {
					return true, nil
				}
			}
			return false, nil
		}
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("contains needs a string or list attribute, got %T", actual)
		}
		sub, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("contains needs a string operand, got %T", c.Value)
		}
		return strings.Contains(s, sub), nil
	}

	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

// valuesEqual compares strings and bools exactly and numbers numerically
// across Go numeric types. A numeric string never equals a number.
func valuesEqual(a, b any) (bool, error) {
	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		return as == bs, nil
	}

	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb, nil
	}

	if !aIsString && !bIsString {
		an, aok := rules.ToNumber(a)
		bn, bok := rules.ToNumber(b)
		if aok && bok {
			return an == bn, nil
		}
	}

	if aIsString || bIsString {
		return false, nil
	}
	return false, fmt.Errorf("cannot compare %T with %T", a, b)
}
