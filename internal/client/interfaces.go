package client

import (
	"context"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// ApproverDirectory resolves approver ids to identities.
type ApproverDirectory interface {
	Resolve(ctx context.Context, approverID string) (*Approver, error)
}

// NotificationDispatcher delivers workflow notifications. Implementations
// must not block on delivery failures; errors are logged, not returned.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, n Notification)
}

// AuditRecorder records approval history. Fire-and-forget.
type AuditRecorder interface {
	Record(entry *repository.AuditEntry)
}
