package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/database"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
)

// ApprovalRulesRepository handles approval_rules. Conditions and steps are
// stored as JSONB so new operators need no migration.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

var _ RuleSource = (*ApprovalRulesRepository)(nil)

// Upsert inserts a rule or replaces the one with the same id.
func (r *ApprovalRulesRepository) Upsert(ctx context.Context, rule *ApprovalRule) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule conditions")
	}
	stepsJSON, err := json.Marshal(rule.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval steps")
	}

	query := `
		INSERT INTO approval_rules
		    (id, organization_id, name, conditions, steps, is_active, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET organization_id = EXCLUDED.organization_id,
		    name            = EXCLUDED.name,
		    conditions      = EXCLUDED.conditions,
		    steps           = EXCLUDED.steps,
		    is_active       = EXCLUDED.is_active,
		    priority        = EXCLUDED.priority,
		    updated_at      = NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		nullIfEmpty(rule.OrganizationID),
		rule.Name,
		conditionsJSON,
		stepsJSON,
		rule.IsActive,
		rule.Priority,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to save approval rule")
	}
	return nil
}

// List returns the rules visible to an organization (its own plus global
// ones) in configuration order, optionally active only.
func (r *ApprovalRulesRepository) List(ctx context.Context, organizationID string, activeOnly bool) ([]*ApprovalRule, error) {
	query := `
		SELECT id, organization_id, name, conditions, steps,
		       is_active, priority, created_at, updated_at
		FROM approval_rules
		WHERE (organization_id = $1 OR organization_id IS NULL)
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ActiveRules implements RuleSource. Priority sorting is left to the matcher.
func (r *ApprovalRulesRepository) ActiveRules(ctx context.Context, organizationID string) ([]*ApprovalRule, error) {
	return r.List(ctx, organizationID, true)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var orgID *string
	var conditionsJSON, stepsJSON []byte

	err := row.Scan(
		&rule.ID,
		&orgID,
		&rule.Name,
		&conditionsJSON,
		&stepsJSON,
		&rule.IsActive,
		&rule.Priority,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan approval rule")
	}
	if orgID != nil {
		rule.OrganizationID = *orgID
	}

	if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule conditions")
	}
	if err := json.Unmarshal(stepsJSON, &rule.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval steps")
	}
	return rule, nil
}
