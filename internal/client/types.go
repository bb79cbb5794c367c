package client

import "errors"

// Approver is a resolved approver identity from the directory.
type Approver struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Email      string `json:"email,omitempty"`
	Department string `json:"department,omitempty"`
}

// ErrApproverNotFound is returned when the directory has no such approver.
var ErrApproverNotFound = errors.New("approver not found")

// Notification event types.
const (
	EventChainInitiated = "approval_chain_initiated"
	EventStageAdvanced  = "approval_stage_advanced"
	EventApproved       = "work_request_approved"
	EventRejected       = "work_request_rejected"
	EventDelegated      = "approval_delegated"
	EventEscalated      = "approval_escalated"
	EventRecalled       = "work_request_recalled"
)

// Notification is one workflow event addressed to a set of recipients.
type Notification struct {
	EventType      string
	WorkRequestID  string
	OrganizationID string
	ActorID        string
	Recipients     []string
	Actionable     bool
	Payload        map[string]interface{}
}
