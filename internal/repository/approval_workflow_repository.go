package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/database"
)

// ApprovalWorkflowRepository is the Postgres WorkflowStore. Every transaction
// runs at REPEATABLE READ and locks the work request row it reads, so two
// decisions on one request never commit from the same snapshot.
type ApprovalWorkflowRepository struct {
	db       *database.DB
	entries  *ApprovalEntriesRepository
	requests *WorkRequestRepository
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db *database.DB) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{
		db:       db,
		entries:  NewApprovalEntriesRepository(db),
		requests: NewWorkRequestRepository(db),
	}
}

var _ WorkflowStore = (*ApprovalWorkflowRepository)(nil)

// InTransaction runs fn inside one database transaction.
func (r *ApprovalWorkflowRepository) InTransaction(ctx context.Context, fn func(tx WorkflowTx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead}
	return r.db.InTransactionWithOptions(ctx, opts, func(tx pgx.Tx) error {
		return fn(&pgWorkflowTx{tx: tx})
	})
}

func (r *ApprovalWorkflowRepository) GetWorkRequest(ctx context.Context, id string) (*WorkRequest, error) {
	return r.requests.GetByID(ctx, id)
}

func (r *ApprovalWorkflowRepository) ListEntries(ctx context.Context, workRequestID string) ([]*ApprovalEntry, error) {
	return r.entries.ListByWorkRequest(ctx, workRequestID)
}

func (r *ApprovalWorkflowRepository) FindPendingApprovals(ctx context.Context, organizationID, approverID string) ([]*PendingApproval, error) {
	return r.entries.FindPendingApprovals(ctx, organizationID, approverID)
}

func (r *ApprovalWorkflowRepository) ListEntriesByOrganization(ctx context.Context, organizationID string, from, to *time.Time) ([]*ApprovalEntry, error) {
	return r.entries.ListByOrganization(ctx, organizationID, from, to)
}

func (r *ApprovalWorkflowRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*ApprovalEntry, error) {
	return r.entries.ListExpiredPending(ctx, now, limit)
}

// ── transaction view ─────────────────────────────────────────────────────────

type pgWorkflowTx struct {
	tx pgx.Tx
}

func (t *pgWorkflowTx) GetWorkRequest(ctx context.Context, id string) (*WorkRequest, error) {
	return getWorkRequest(ctx, t.tx, id, true)
}

func (t *pgWorkflowTx) UpdateWorkRequest(ctx context.Context, wr *WorkRequest, expectedVersion int64) error {
	return updateWorkRequest(ctx, t.tx, wr, expectedVersion)
}

func (t *pgWorkflowTx) CreateEntry(ctx context.Context, e *ApprovalEntry) error {
	return createEntry(ctx, t.tx, e)
}

func (t *pgWorkflowTx) UpdateEntry(ctx context.Context, e *ApprovalEntry) error {
	return updateEntry(ctx, t.tx, e)
}

func (t *pgWorkflowTx) ListEntries(ctx context.Context, workRequestID string) ([]*ApprovalEntry, error) {
	return listEntries(ctx, t.tx, workRequestID)
}

func (t *pgWorkflowTx) FindPending(ctx context.Context, workRequestID, approverID string) (*ApprovalEntry, error) {
	return findPending(ctx, t.tx, workRequestID, approverID)
}

func (t *pgWorkflowTx) FindByStage(ctx context.Context, workRequestID string, sequenceOrder int) ([]*ApprovalEntry, error) {
	return findByStage(ctx, t.tx, workRequestID, sequenceOrder)
}

func (t *pgWorkflowTx) FindNextPendingStage(ctx context.Context, workRequestID string, afterStage int) (*ApprovalEntry, error) {
	return findNextPendingStage(ctx, t.tx, workRequestID, afterStage)
}
