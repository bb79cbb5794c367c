package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/database"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
)

// WorkRequestRepository reads work requests and writes their workflow fields.
// The rest of the work request row is owned by the request service.
type WorkRequestRepository struct {
	db *database.DB
}

// NewWorkRequestRepository creates a new WorkRequestRepository.
func NewWorkRequestRepository(db *database.DB) *WorkRequestRepository {
	return &WorkRequestRepository{db: db}
}

const workRequestColumns = `
	id, organization_id, title, status, priority, estimated_cost,
	work_type, asset_type, location, requested_by, attributes,
	approval_required, approval_level, current_approver_id,
	approval_deadline, approved_date, status_reason,
	version, created_at, updated_at`

// GetByID retrieves a work request outside any transaction.
func (r *WorkRequestRepository) GetByID(ctx context.Context, id string) (*WorkRequest, error) {
	return getWorkRequest(ctx, r.db, id, false)
}

// getWorkRequest loads a work request. lock takes a row lock so concurrent
// decisions on the same request queue up behind each other.
func getWorkRequest(ctx context.Context, q querier, id string, lock bool) (*WorkRequest, error) {
	query := `SELECT` + workRequestColumns + `
		FROM work_requests
		WHERE id = $1`
	if lock {
		query += " FOR UPDATE"
	}

	wr, err := scanWorkRequest(q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("work_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to get work request")
	}
	return wr, nil
}

// updateWorkRequest is a compare-and-swap on version.
func updateWorkRequest(ctx context.Context, q querier, wr *WorkRequest, expectedVersion int64) error {
	query := `
		UPDATE work_requests
		SET status              = $3,
		    approval_required   = $4,
		    approval_level      = $5,
		    current_approver_id = $6,
		    approval_deadline   = $7,
		    approved_date       = $8,
		    status_reason       = $9,
		    version             = version + 1,
		    updated_at          = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	var level *string
	if wr.ApprovalLevel != nil {
		s := wr.ApprovalLevel.String()
		level = &s
	}

	err := q.QueryRow(ctx, query,
		wr.ID,
		expectedVersion,
		string(wr.Status),
		wr.ApprovalRequired,
		level,
		wr.CurrentApproverID,
		wr.ApprovalDeadline,
		wr.ApprovedDate,
		wr.StatusReason,
	).Scan(&wr.Version, &wr.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.Conflict("work request " + wr.ID + " was modified concurrently")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistence, "failed to update work request")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

func scanWorkRequest(row rowScanner) (*WorkRequest, error) {
	wr := &WorkRequest{}
	var (
		status, priority string
		assetType        *string
		location         *string
		attributesJSON   []byte
		level            *string
	)
	err := row.Scan(
		&wr.ID,
		&wr.OrganizationID,
		&wr.Title,
		&status,
		&priority,
		&wr.EstimatedCost,
		&wr.WorkType,
		&assetType,
		&location,
		&wr.RequestedBy,
		&attributesJSON,
		&wr.ApprovalRequired,
		&level,
		&wr.CurrentApproverID,
		&wr.ApprovalDeadline,
		&wr.ApprovedDate,
		&wr.StatusReason,
		&wr.Version,
		&wr.CreatedAt,
		&wr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	wr.Status = WorkRequestStatus(status)
	wr.Priority = RequestPriority(priority)
	if assetType != nil {
		wr.AssetType = *assetType
	}
	if location != nil {
		wr.Location = *location
	}
	if level != nil {
		l, err := ParseApprovalLevel(*level)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "invalid stored approval level")
		}
		wr.ApprovalLevel = &l
	}
	if len(attributesJSON) > 0 {
		if err := json.Unmarshal(attributesJSON, &wr.Attributes); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to unmarshal work request attributes")
		}
	}
	return wr, nil
}
