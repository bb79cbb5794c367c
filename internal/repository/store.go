package repository

import (
	"context"
	"time"
)

// WorkflowStore is the transactional boundary for approval state. Both the
// Postgres and the in-memory drivers implement it.
type WorkflowStore interface {
	// InTransaction runs fn atomically. Nothing fn wrote is visible to other
	// transactions unless fn returns nil.
	InTransaction(ctx context.Context, fn func(tx WorkflowTx) error) error

	GetWorkRequest(ctx context.Context, id string) (*WorkRequest, error)
	ListEntries(ctx context.Context, workRequestID string) ([]*ApprovalEntry, error)
	FindPendingApprovals(ctx context.Context, organizationID, approverID string) ([]*PendingApproval, error)
	ListEntriesByOrganization(ctx context.Context, organizationID string, from, to *time.Time) ([]*ApprovalEntry, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*ApprovalEntry, error)
}

// WorkflowTx is the view of the store inside one transaction.
type WorkflowTx interface {
	GetWorkRequest(ctx context.Context, id string) (*WorkRequest, error)
	// UpdateWorkRequest writes the workflow fields and status of wr when the
	// stored version equals expectedVersion, returning a CONFLICT error
	// otherwise. On success wr.Version is expectedVersion+1.
	UpdateWorkRequest(ctx context.Context, wr *WorkRequest, expectedVersion int64) error

	CreateEntry(ctx context.Context, entry *ApprovalEntry) error
	UpdateEntry(ctx context.Context, entry *ApprovalEntry) error
	ListEntries(ctx context.Context, workRequestID string) ([]*ApprovalEntry, error)
	// FindPending returns the PENDING entry of approverID, or nil.
	FindPending(ctx context.Context, workRequestID, approverID string) (*ApprovalEntry, error)
	FindByStage(ctx context.Context, workRequestID string, sequenceOrder int) ([]*ApprovalEntry, error)
	// FindNextPendingStage returns the earliest-created PENDING entry of the
	// lowest stage greater than afterStage, or nil.
	FindNextPendingStage(ctx context.Context, workRequestID string, afterStage int) (*ApprovalEntry, error)
}

// AuditStore persists approval history.
type AuditStore interface {
	AppendBatch(ctx context.Context, entries []*AuditEntry) error
	ListByWorkRequest(ctx context.Context, workRequestID, organizationID string) ([]*AuditEntry, error)
}

// RuleSource lists the active rules of an organization in configuration
// order.
type RuleSource interface {
	ActiveRules(ctx context.Context, organizationID string) ([]*ApprovalRule, error)
}
