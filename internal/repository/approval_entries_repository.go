package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/database"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
)

// ApprovalEntriesRepository handles approval entry rows. Writes normally go
// through a WorkflowTx; the read helpers here serve queries.
type ApprovalEntriesRepository struct {
	db *database.DB
}

// NewApprovalEntriesRepository creates a new ApprovalEntriesRepository.
func NewApprovalEntriesRepository(db *database.DB) *ApprovalEntriesRepository {
	return &ApprovalEntriesRepository{db: db}
}

const entryColumns = `
	e.id, e.work_request_id, e.organization_id,
	e.approver_id, e.approver_name, e.approver_role,
	e.approval_level, e.sequence_order, e.status,
	e.is_required, e.can_delegate, e.rule_id,
	e.decision_date, e.comments, e.conditions,
	e.delegated_to, e.delegated_from, e.timeout_date,
	e.created_at, e.updated_at`

// ListByWorkRequest returns the chain ordered by stage, then creation.
func (r *ApprovalEntriesRepository) ListByWorkRequest(ctx context.Context, workRequestID string) ([]*ApprovalEntry, error) {
	return listEntries(ctx, r.db, workRequestID)
}

// FindPendingApprovals returns PENDING entries of requests under review for
// an organization, optionally narrowed to one approver. Ordered by request
// priority desc, then timeout asc.
func (r *ApprovalEntriesRepository) FindPendingApprovals(ctx context.Context, organizationID, approverID string) ([]*PendingApproval, error) {
	query := `
		SELECT` + entryColumns + `, w.title, w.priority
		FROM approval_entries e
		JOIN work_requests w ON w.id = e.work_request_id
		WHERE e.organization_id = $1
		  AND e.status = 'PENDING'
		  AND w.status = 'UNDER_REVIEW'
		  AND ($2 = '' OR e.approver_id = $2)
		ORDER BY CASE w.priority
		           WHEN 'CRITICAL' THEN 4
		           WHEN 'HIGH'     THEN 3
		           WHEN 'MEDIUM'   THEN 2
		           WHEN 'LOW'      THEN 1
		           ELSE 0
		         END DESC,
		         e.timeout_date ASC NULLS LAST,
		         e.seq ASC
	`

	rows, err := r.db.Query(ctx, query, organizationID, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to get pending approvals")
	}
	defer rows.Close()

	var pending []*PendingApproval
	for rows.Next() {
		var title, priority string
		e, err := scanEntry(rows, &title, &priority)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan pending approval")
		}
		pending = append(pending, &PendingApproval{
			ApprovalEntry:       e,
			WorkRequestTitle:    title,
			WorkRequestPriority: RequestPriority(priority),
		})
	}
	return pending, rows.Err()
}

// ListByOrganization returns entries created within [from, to).
func (r *ApprovalEntriesRepository) ListByOrganization(ctx context.Context, organizationID string, from, to *time.Time) ([]*ApprovalEntry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM approval_entries e
		WHERE e.organization_id = $1
		  AND ($2::timestamptz IS NULL OR e.created_at >= $2)
		  AND ($3::timestamptz IS NULL OR e.created_at < $3)
		ORDER BY e.seq ASC
	`

	rows, err := r.db.Query(ctx, query, organizationID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to list approval entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListExpiredPending returns PENDING entries of open stages whose timeout
// has passed. A stage is open when it is the lowest stage of its request
// with pending entries.
func (r *ApprovalEntriesRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*ApprovalEntry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM approval_entries e
		JOIN work_requests w ON w.id = e.work_request_id
		WHERE e.status = 'PENDING'
		  AND w.status = 'UNDER_REVIEW'
		  AND e.timeout_date IS NOT NULL
		  AND e.timeout_date <= $1
		  AND e.sequence_order = (
		      SELECT MIN(p.sequence_order)
		      FROM approval_entries p
		      WHERE p.work_request_id = e.work_request_id
		        AND p.status = 'PENDING'
		  )
		ORDER BY e.timeout_date ASC, e.seq ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to list expired approvals")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ── transactional helpers ────────────────────────────────────────────────────

func createEntry(ctx context.Context, q querier, e *ApprovalEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	query := `
		INSERT INTO approval_entries
		    (id, work_request_id, organization_id,
		     approver_id, approver_name, approver_role,
		     approval_level, sequence_order, status,
		     is_required, can_delegate, rule_id,
		     comments, conditions, timeout_date,
		     created_at, updated_at)
		VALUES ($1, $2, $3,
		        $4, $5, $6,
		        $7, $8, $9,
		        $10, $11, $12,
		        $13, $14, $15,
		        $16, $16)
	`

	_, err := q.Exec(ctx, query,
		e.ID,
		e.WorkRequestID,
		e.OrganizationID,
		e.ApproverID,
		e.ApproverName,
		e.ApproverRole,
		e.ApprovalLevel.String(),
		e.SequenceOrder,
		string(e.Status),
		e.IsRequired,
		e.CanDelegate,
		nullIfEmpty(e.RuleID),
		e.Comments,
		e.Conditions,
		e.TimeoutDate,
		e.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Conflict("approval entry already exists for approver " + e.ApproverID)
		}
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to create approval entry")
	}
	e.UpdatedAt = e.CreatedAt
	return nil
}

func updateEntry(ctx context.Context, q querier, e *ApprovalEntry) error {
	query := `
		UPDATE approval_entries
		SET approver_id    = $2,
		    approver_name  = $3,
		    approver_role  = $4,
		    approval_level = $5,
		    status         = $6,
		    decision_date  = $7,
		    comments       = $8,
		    conditions     = $9,
		    delegated_to   = $10,
		    delegated_from = $11,
		    timeout_date   = $12,
		    updated_at     = $13
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query,
		e.ID,
		e.ApproverID,
		e.ApproverName,
		e.ApproverRole,
		e.ApprovalLevel.String(),
		string(e.Status),
		e.DecisionDate,
		e.Comments,
		e.Conditions,
		e.DelegatedTo,
		e.DelegatedFrom,
		e.TimeoutDate,
		e.UpdatedAt,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_entry", e.ID)
	}
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Conflict("approver " + e.ApproverID + " already has an entry at this stage")
		}
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to update approval entry")
	}
	return nil
}

func listEntries(ctx context.Context, q querier, workRequestID string) ([]*ApprovalEntry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM approval_entries e
		WHERE e.work_request_id = $1
		ORDER BY e.sequence_order ASC, e.seq ASC
	`

	rows, err := q.Query(ctx, query, workRequestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to list approval entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

func findPending(ctx context.Context, q querier, workRequestID, approverID string) (*ApprovalEntry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM approval_entries e
		WHERE e.work_request_id = $1
		  AND e.approver_id = $2
		  AND e.status = 'PENDING'
		ORDER BY e.sequence_order ASC
		LIMIT 1
		FOR UPDATE
	`

	e, err := scanEntry(q.QueryRow(ctx, query, workRequestID, approverID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to find pending approval")
	}
	return e, nil
}

func findByStage(ctx context.Context, q querier, workRequestID string, stage int) ([]*ApprovalEntry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM approval_entries e
		WHERE e.work_request_id = $1
		  AND e.sequence_order = $2
		ORDER BY e.seq ASC
	`

	rows, err := q.Query(ctx, query, workRequestID, stage)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to get stage entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

func findNextPendingStage(ctx context.Context, q querier, workRequestID string, afterStage int) (*ApprovalEntry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM approval_entries e
		WHERE e.work_request_id = $1
		  AND e.sequence_order > $2
		  AND e.status = 'PENDING'
		ORDER BY e.sequence_order ASC, e.seq ASC
		LIMIT 1
	`

	e, err := scanEntry(q.QueryRow(ctx, query, workRequestID, afterStage))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to find next pending stage")
	}
	return e, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

// scanEntry scans the entry columns followed by any extra destinations.
func scanEntry(row rowScanner, extra ...any) (*ApprovalEntry, error) {
	e := &ApprovalEntry{}
	var level, status string
	var ruleID *string

	dest := []any{
		&e.ID,
		&e.WorkRequestID,
		&e.OrganizationID,
		&e.ApproverID,
		&e.ApproverName,
		&e.ApproverRole,
		&level,
		&e.SequenceOrder,
		&status,
		&e.IsRequired,
		&e.CanDelegate,
		&ruleID,
		&e.DecisionDate,
		&e.Comments,
		&e.Conditions,
		&e.DelegatedTo,
		&e.DelegatedFrom,
		&e.TimeoutDate,
		&e.CreatedAt,
		&e.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	l, err := ParseApprovalLevel(level)
	if err != nil {
		return nil, err
	}
	e.ApprovalLevel = l
	e.Status = EntryStatus(status)
	if ruleID != nil {
		e.RuleID = *ruleID
	}
	return e, nil
}

func scanEntries(rows pgx.Rows) ([]*ApprovalEntry, error) {
	var entries []*ApprovalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan approval entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to read approval entries")
	}
	return entries, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
