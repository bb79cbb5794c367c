// Package rules loads approval rules from YAML and validates rule definitions
// regardless of where they are stored.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

type fileRule struct {
	ID             string                    `yaml:"id"`
	OrganizationID string                    `yaml:"organizationId"`
	Name           string                    `yaml:"name"`
	Priority       int                       `yaml:"priority"`
	IsActive       *bool                     `yaml:"isActive"`
	Conditions     []repository.Condition    `yaml:"conditions"`
	Steps          []repository.ApprovalStep `yaml:"steps"`
}

// Parse decodes a rules document. Rules are active unless isActive is false.
// The returned slice keeps document order.
func Parse(data []byte) ([]*repository.ApprovalRule, error) {
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	out := make([]*repository.ApprovalRule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		active := true
		if fr.IsActive != nil {
			active = *fr.IsActive
		}
		out = append(out, &repository.ApprovalRule{
			ID:             fr.ID,
			OrganizationID: fr.OrganizationID,
			Name:           fr.Name,
			Priority:       fr.Priority,
			IsActive:       active,
			Conditions:     fr.Conditions,
			Steps:          fr.Steps,
		})
	}
	return out, nil
}

// LoadFile reads, parses and validates a rules file.
func LoadFile(path string) ([]*repository.ApprovalRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateAll(parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// FileSource serves rules loaded from a file. It implements
// repository.RuleSource.
type FileSource struct {
	rules []*repository.ApprovalRule
}

// NewFileSource loads rules from path.
func NewFileSource(path string) (*FileSource, error) {
	loaded, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{rules: loaded}, nil
}

// NewStaticSource serves an in-memory rule set.
func NewStaticSource(rules []*repository.ApprovalRule) *FileSource {
	return &FileSource{rules: rules}
}

var _ repository.RuleSource = (*FileSource)(nil)

// ActiveRules returns active rules that are global or belong to the
// organization, in file order.
func (s *FileSource) ActiveRules(ctx context.Context, organizationID string) ([]*repository.ApprovalRule, error) {
	var out []*repository.ApprovalRule
	for _, r := range s.rules {
		if !r.IsActive {
			continue
		}
		if r.OrganizationID != "" && r.OrganizationID != organizationID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// All returns every loaded rule.
func (s *FileSource) All() []*repository.ApprovalRule {
	return s.rules
}

// ValidateAll validates every rule and checks id uniqueness.
func ValidateAll(all []*repository.ApprovalRule) error {
	var errs []error
	seen := make(map[string]bool, len(all))
	for i, r := range all {
		if r.ID != "" {
			if seen[r.ID] {
				errs = append(errs, fmt.Errorf("rule %q: duplicate id", r.ID))
			}
			seen[r.ID] = true
		}
		if err := Validate(r); err != nil {
			errs = append(errs, fmt.Errorf("rule #%d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks one rule definition.
func Validate(r *repository.ApprovalRule) error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if r.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(r.Conditions) == 0 {
		errs = append(errs, errors.New("at least one condition is required"))
	}
	for i, c := range r.Conditions {
		if err := validateCondition(c); err != nil {
			errs = append(errs, fmt.Errorf("condition %d: %w", i+1, err))
		}
	}
	if len(r.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	for i, st := range r.Steps {
		if err := validateStep(st); err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i+1, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", r.ID, errors.Join(errs...))
	}
	return nil
}

func validateCondition(c repository.Condition) error {
	if c.Field == "" {
		return errors.New("field is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	switch c.Operator {
	case repository.OpIn:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("operator in needs a list value, got %T", c.Value)
		}
	case repository.OpGreaterThan, repository.OpLessThan:
		if _, ok := ToNumber(c.Value); !ok {
			return fmt.Errorf("operator %s needs a numeric value, got %T", c.Operator, c.Value)
		}
	}
	return nil
}

func validateStep(st repository.ApprovalStep) error {
	if st.Level == 0 {
		return errors.New("level is required")
	}
	if len(st.Approvers) == 0 {
		return errors.New("at least one approver is required")
	}
	if st.RequiredApprovals < 0 || st.RequiredApprovals > len(st.Approvers) {
		return fmt.Errorf("requiredApprovals %d out of range for %d approvers", st.RequiredApprovals, len(st.Approvers))
	}
	if st.TimeoutHours != nil && *st.TimeoutHours <= 0 {
		return errors.New("timeoutHours must be positive")
	}
	return nil
}
