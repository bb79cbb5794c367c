package client

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-ops-approvals/internal/config"
)

// StaticDirectory resolves approvers from configuration.
type StaticDirectory struct {
	approvers map[string]Approver
}

// NewStaticDirectory builds a directory from configured approvers.
func NewStaticDirectory(list []config.ApproverConfig) *StaticDirectory {
	m := make(map[string]Approver, len(list))
	for _, a := range list {
		m[a.ID] = Approver{ID: a.ID, Name: a.Name, Role: a.Role, Email: a.Email, Department: a.Department}
	}
	return &StaticDirectory{approvers: m}
}

// Resolve implements ApproverDirectory.
func (d *StaticDirectory) Resolve(ctx context.Context, approverID string) (*Approver, error) {
	a, ok := d.approvers[approverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrApproverNotFound, approverID)
	}
	return &a, nil
}
