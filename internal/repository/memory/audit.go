package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// AuditLog is an in-memory repository.AuditStore.
type AuditLog struct {
	mu      sync.RWMutex
	entries []*repository.AuditEntry
}

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

var _ repository.AuditStore = (*AuditLog)(nil)

func (a *AuditLog) AppendBatch(ctx context.Context, entries []*repository.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		c := *e
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		a.entries = append(a.entries, &c)
	}
	return nil
}

func (a *AuditLog) ListByWorkRequest(ctx context.Context, workRequestID, organizationID string) ([]*repository.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*repository.AuditEntry
	for _, e := range a.entries {
		if e.WorkRequestID == workRequestID && e.OrganizationID == organizationID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
