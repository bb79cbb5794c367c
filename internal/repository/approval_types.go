package repository

import (
	"fmt"
	"strings"
	"time"
)

// ── Approval levels ──────────────────────────────────────────────────────────

// ApprovalLevel is an ordinal authority level. Higher values outrank lower.
type ApprovalLevel int

const (
	LevelStandard ApprovalLevel = iota + 1
	LevelElevated
	LevelExecutive
)

func (l ApprovalLevel) String() string {
	switch l {
	case LevelStandard:
		return "STANDARD"
	case LevelElevated:
		return "ELEVATED"
	case LevelExecutive:
		return "EXECUTIVE"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseApprovalLevel parses a level name case-insensitively.
func ParseApprovalLevel(s string) (ApprovalLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STANDARD":
		return LevelStandard, nil
	case "ELEVATED":
		return LevelElevated, nil
	case "EXECUTIVE":
		return LevelExecutive, nil
	}
	return 0, fmt.Errorf("unknown approval level %q", s)
}

func (l ApprovalLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *ApprovalLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseApprovalLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ── Rules ────────────────────────────────────────────────────────────────────

// Operator is the comparison applied by a Condition.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpIn          Operator = "in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpIn, OpGreaterThan, OpLessThan, OpContains:
		return true
	}
	return false
}

// Condition compares one request attribute against Value. Value holds a
// string, float64, bool or []any depending on the operator.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// ApprovalStep is one stage template inside a rule.
type ApprovalStep struct {
	Level             ApprovalLevel `json:"level" yaml:"level"`
	Approvers         []string      `json:"approvers" yaml:"approvers"`
	RequiredApprovals int           `json:"requiredApprovals,omitempty" yaml:"requiredApprovals"`
	TimeoutHours      *int          `json:"timeoutHours,omitempty" yaml:"timeoutHours"`
	CanDelegate       bool          `json:"canDelegate" yaml:"canDelegate"`
	IsParallel        bool          `json:"isParallel" yaml:"isParallel"`
	Order             int           `json:"order" yaml:"order"`
}

// ApprovalRule is a configured predicate plus the steps it contributes to a
// chain. An empty OrganizationID applies the rule to every organization.
type ApprovalRule struct {
	ID             string         `json:"id" yaml:"id"`
	OrganizationID string         `json:"organizationId,omitempty" yaml:"organizationId"`
	Name           string         `json:"name" yaml:"name"`
	Conditions     []Condition    `json:"conditions" yaml:"conditions"`
	Steps          []ApprovalStep `json:"steps" yaml:"steps"`
	IsActive       bool           `json:"isActive" yaml:"isActive"`
	Priority       int            `json:"priority" yaml:"priority"` // lower = evaluated first
	CreatedAt      time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt      time.Time      `json:"updatedAt" yaml:"-"`
}

// ── Entries ──────────────────────────────────────────────────────────────────

type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryApproved  EntryStatus = "APPROVED"
	EntryRejected  EntryStatus = "REJECTED"
	EntryDelegated EntryStatus = "DELEGATED"
	EntryCancelled EntryStatus = "CANCELLED"
)

// ApprovalEntry is one (approver, stage) assignment on a work request.
type ApprovalEntry struct {
	ID             string        `json:"id"`
	WorkRequestID  string        `json:"workRequestId"`
	OrganizationID string        `json:"organizationId"`
	ApproverID     string        `json:"approverId"`
	ApproverName   string        `json:"approverName"`
	ApproverRole   string        `json:"approverRole"`
	ApprovalLevel  ApprovalLevel `json:"approvalLevel"`
	SequenceOrder  int           `json:"sequenceOrder"`
	Status         EntryStatus   `json:"status"`
	IsRequired     bool          `json:"isRequired"`
	CanDelegate    bool          `json:"canDelegate"`
	RuleID         string        `json:"ruleId,omitempty"`
	DecisionDate   *time.Time    `json:"decisionDate,omitempty"`
	Comments       *string       `json:"comments,omitempty"`
	Conditions     *string       `json:"conditions,omitempty"`
	DelegatedTo    *string       `json:"delegatedTo,omitempty"`
	DelegatedFrom  *string       `json:"delegatedFrom,omitempty"`
	TimeoutDate    *time.Time    `json:"timeoutDate,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the entry.
func (e *ApprovalEntry) Clone() *ApprovalEntry {
	c := *e
	c.DecisionDate = cloneTime(e.DecisionDate)
	c.TimeoutDate = cloneTime(e.TimeoutDate)
	c.Comments = cloneString(e.Comments)
	c.Conditions = cloneString(e.Conditions)
	c.DelegatedTo = cloneString(e.DelegatedTo)
	c.DelegatedFrom = cloneString(e.DelegatedFrom)
	return &c
}

// PendingApproval is a pending entry joined with the request fields needed
// to order an approver's inbox.
type PendingApproval struct {
	*ApprovalEntry
	WorkRequestTitle    string          `json:"workRequestTitle"`
	WorkRequestPriority RequestPriority `json:"workRequestPriority"`
}

// ── Work requests ────────────────────────────────────────────────────────────

type WorkRequestStatus string

const (
	StatusDraft       WorkRequestStatus = "DRAFT"
	StatusSubmitted   WorkRequestStatus = "SUBMITTED"
	StatusUnderReview WorkRequestStatus = "UNDER_REVIEW"
	StatusApproved    WorkRequestStatus = "APPROVED"
	StatusRejected    WorkRequestStatus = "REJECTED"
	StatusWithdrawn   WorkRequestStatus = "WITHDRAWN"
)

// Terminal reports whether no further approval transitions are allowed.
func (s WorkRequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusWithdrawn
}

type RequestPriority string

const (
	PriorityLow      RequestPriority = "LOW"
	PriorityMedium   RequestPriority = "MEDIUM"
	PriorityHigh     RequestPriority = "HIGH"
	PriorityCritical RequestPriority = "CRITICAL"
)

// Rank orders priorities; unknown values rank lowest.
func (p RequestPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// WorkRequest is the subset of the work request entity the approval engine
// reads and mutates.
type WorkRequest struct {
	ID                string            `json:"id" yaml:"id"`
	OrganizationID    string            `json:"organizationId" yaml:"organizationId"`
	Title             string            `json:"title" yaml:"title"`
	Status            WorkRequestStatus `json:"status" yaml:"status"`
	Priority          RequestPriority   `json:"priority" yaml:"priority"`
	EstimatedCost     *float64          `json:"estimatedCost,omitempty" yaml:"estimatedCost"`
	WorkType          string            `json:"workType" yaml:"workType"`
	AssetType         string            `json:"assetType,omitempty" yaml:"assetType"`
	Location          string            `json:"location,omitempty" yaml:"location"`
	RequestedBy       string            `json:"requestedBy" yaml:"requestedBy"`
	Attributes        map[string]any    `json:"attributes,omitempty" yaml:"attributes"`
	ApprovalRequired  bool              `json:"approvalRequired" yaml:"-"`
	ApprovalLevel     *ApprovalLevel    `json:"approvalLevel,omitempty" yaml:"-"`
	CurrentApproverID *string           `json:"currentApproverId,omitempty" yaml:"-"`
	ApprovalDeadline  *time.Time        `json:"approvalDeadline,omitempty" yaml:"-"`
	ApprovedDate      *time.Time        `json:"approvedDate,omitempty" yaml:"-"`
	StatusReason      *string           `json:"statusReason,omitempty" yaml:"-"`
	Version           int64             `json:"version" yaml:"-"`
	CreatedAt         time.Time         `json:"createdAt" yaml:"-"`
	UpdatedAt         time.Time         `json:"updatedAt" yaml:"-"`
}

// Clone returns a deep copy of the request.
func (w *WorkRequest) Clone() *WorkRequest {
	c := *w
	if w.EstimatedCost != nil {
		v := *w.EstimatedCost
		c.EstimatedCost = &v
	}
	if w.ApprovalLevel != nil {
		v := *w.ApprovalLevel
		c.ApprovalLevel = &v
	}
	if w.Attributes != nil {
		c.Attributes = make(map[string]any, len(w.Attributes))
		for k, v := range w.Attributes {
			c.Attributes[k] = v
		}
	}
	c.CurrentApproverID = cloneString(w.CurrentApproverID)
	c.ApprovalDeadline = cloneTime(w.ApprovalDeadline)
	c.ApprovedDate = cloneTime(w.ApprovedDate)
	c.StatusReason = cloneString(w.StatusReason)
	return &c
}

// ── Audit ────────────────────────────────────────────────────────────────────

// AuditEntry is one immutable record in the approval history.
type AuditEntry struct {
	ID             string                 `json:"id"`
	WorkRequestID  string                 `json:"workRequestId"`
	EntryID        *string                `json:"entryId,omitempty"`
	OrganizationID string                 `json:"organizationId"`
	Action         string                 `json:"action"` // initialized | approved | rejected | delegated | escalated | recalled
	PerformedBy    string                 `json:"performedBy"`
	PerformedAt    time.Time              `json:"performedAt"`
	StatusBefore   *string                `json:"statusBefore,omitempty"`
	StatusAfter    *string                `json:"statusAfter,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
