// Package memory is an in-process WorkflowStore used by tests and local runs.
//
// Transactions work on a private snapshot and are validated at commit: a
// transaction that updated a work request fails with CONFLICT when another
// transaction committed a newer version of that request first. This mirrors
// the REPEATABLE READ plus version check behaviour of the Postgres driver.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-ops-approvals/internal/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

type state struct {
	requests map[string]*repository.WorkRequest
	entries  map[string]*repository.ApprovalEntry
	order    []string // entry ids in creation order
}

func (s *state) clone() *state {
	c := &state{
		requests: make(map[string]*repository.WorkRequest, len(s.requests)),
		entries:  make(map[string]*repository.ApprovalEntry, len(s.entries)),
		order:    append([]string(nil), s.order...),
	}
	for id, wr := range s.requests {
		c.requests[id] = wr.Clone()
	}
	for id, e := range s.entries {
		c.entries[id] = e.Clone()
	}
	return c
}

// entriesOf returns the entries of a request in creation order.
func (s *state) entriesOf(workRequestID string) []*repository.ApprovalEntry {
	var out []*repository.ApprovalEntry
	for _, id := range s.order {
		if e := s.entries[id]; e.WorkRequestID == workRequestID {
			out = append(out, e)
		}
	}
	return out
}

// Store is the in-memory WorkflowStore.
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		st: &state{
			requests: make(map[string]*repository.WorkRequest),
			entries:  make(map[string]*repository.ApprovalEntry),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ repository.WorkflowStore = (*Store)(nil)

// PutWorkRequest inserts or replaces a work request.
func (s *Store) PutWorkRequest(wr *repository.WorkRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := wr.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
		c.UpdatedAt = c.CreatedAt
	}
	s.st.requests[c.ID] = c
}

type seedFile struct {
	WorkRequests []*repository.WorkRequest `yaml:"workRequests"`
}

// LoadSeed reads work requests from a YAML file into the store.
func (s *Store) LoadSeed(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for _, wr := range seed.WorkRequests {
		if wr.ID == "" {
			wr.ID = uuid.NewString()
		}
		if wr.Status == "" {
			wr.Status = repository.StatusSubmitted
		}
		s.PutWorkRequest(wr)
	}
	return len(seed.WorkRequests), nil
}

// InTransaction implements repository.WorkflowStore.
func (s *Store) InTransaction(ctx context.Context, fn func(tx repository.WorkflowTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	tx := &memTx{
		store:        s,
		snap:         s.st.clone(),
		readVersions: make(map[string]int64),
		dirtyReqs:    make(map[string]bool),
		dirtyEntries: make(map[string]bool),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.dirtyReqs {
		base := tx.readVersions[id]
		if cur, ok := s.st.requests[id]; ok && cur.Version != base {
			return errors.Conflict(fmt.Sprintf("work request %s was modified concurrently", id))
		}
	}

	for id := range tx.dirtyReqs {
		s.st.requests[id] = tx.snap.requests[id]
	}
	for id := range tx.dirtyEntries {
		s.st.entries[id] = tx.snap.entries[id]
	}
	s.st.order = append(s.st.order, tx.created...)
	return nil
}

// ── reads outside transactions ───────────────────────────────────────────────

func (s *Store) GetWorkRequest(ctx context.Context, id string) (*repository.WorkRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wr, ok := s.st.requests[id]
	if !ok {
		return nil, errors.NotFound("work_request", id)
	}
	return wr.Clone(), nil
}

func (s *Store) ListEntries(ctx context.Context, workRequestID string) ([]*repository.ApprovalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(sortByStage(s.st.entriesOf(workRequestID))), nil
}

func (s *Store) FindPendingApprovals(ctx context.Context, organizationID, approverID string) ([]*repository.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.PendingApproval
	for _, id := range s.st.order {
		e := s.st.entries[id]
		if e.OrganizationID != organizationID || e.Status != repository.EntryPending {
			continue
		}
		if approverID != "" && e.ApproverID != approverID {
			continue
		}
		wr := s.st.requests[e.WorkRequestID]
		if wr == nil || wr.Status != repository.StatusUnderReview {
			continue
		}
		out = append(out, &repository.PendingApproval{
			ApprovalEntry:       e.Clone(),
			WorkRequestTitle:    wr.Title,
			WorkRequestPriority: wr.Priority,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].WorkRequestPriority.Rank(), out[j].WorkRequestPriority.Rank()
		if pi != pj {
			return pi > pj
		}
		return timeoutBefore(out[i].TimeoutDate, out[j].TimeoutDate)
	})
	return out, nil
}

func (s *Store) ListEntriesByOrganization(ctx context.Context, organizationID string, from, to *time.Time) ([]*repository.ApprovalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.ApprovalEntry
	for _, id := range s.st.order {
		e := s.st.entries[id]
		if e.OrganizationID != organizationID {
			continue
		}
		if from != nil && e.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && !e.CreatedAt.Before(*to) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// lowest stage with pending entries, per request
	open := make(map[string]int)
	for _, id := range s.st.order {
		e := s.st.entries[id]
		if e.Status != repository.EntryPending {
			continue
		}
		if stage, ok := open[e.WorkRequestID]; !ok || e.SequenceOrder < stage {
			open[e.WorkRequestID] = e.SequenceOrder
		}
	}

	var out []*repository.ApprovalEntry
	for _, id := range s.st.order {
		e := s.st.entries[id]
		if e.Status != repository.EntryPending || e.TimeoutDate == nil || e.TimeoutDate.After(now) {
			continue
		}
		if e.SequenceOrder != open[e.WorkRequestID] {
			continue
		}
		if wr := s.st.requests[e.WorkRequestID]; wr == nil || wr.Status != repository.StatusUnderReview {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimeoutDate.Before(*out[j].TimeoutDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── transaction view ─────────────────────────────────────────────────────────

type memTx struct {
	store        *Store
	snap         *state
	readVersions map[string]int64
	dirtyReqs    map[string]bool
	dirtyEntries map[string]bool
	created      []string
}

func (t *memTx) GetWorkRequest(ctx context.Context, id string) (*repository.WorkRequest, error) {
	wr, ok := t.snap.requests[id]
	if !ok {
		return nil, errors.NotFound("work_request", id)
	}
	if _, seen := t.readVersions[id]; !seen {
		t.readVersions[id] = wr.Version
	}
	return wr.Clone(), nil
}

func (t *memTx) UpdateWorkRequest(ctx context.Context, wr *repository.WorkRequest, expectedVersion int64) error {
	cur, ok := t.snap.requests[wr.ID]
	if !ok {
		return errors.NotFound("work_request", wr.ID)
	}
	if cur.Version != expectedVersion {
		return errors.Conflict(fmt.Sprintf("work request %s was modified concurrently", wr.ID))
	}
	if _, seen := t.readVersions[wr.ID]; !seen {
		t.readVersions[wr.ID] = cur.Version
	}

	// Only workflow fields and status are owned by this service.
	next := cur.Clone()
	next.Status = wr.Status
	next.ApprovalRequired = wr.ApprovalRequired
	next.ApprovalLevel = wr.ApprovalLevel
	next.CurrentApproverID = wr.CurrentApproverID
	next.ApprovalDeadline = wr.ApprovalDeadline
	next.ApprovedDate = wr.ApprovedDate
	next.StatusReason = wr.StatusReason
	next.Version = expectedVersion + 1
	next.UpdatedAt = t.store.now()
	t.snap.requests[wr.ID] = next.Clone()
	t.dirtyReqs[wr.ID] = true

	wr.Version = next.Version
	wr.UpdatedAt = next.UpdatedAt
	return nil
}

func (t *memTx) CreateEntry(ctx context.Context, e *repository.ApprovalEntry) error {
	for _, other := range t.snap.entriesOf(e.WorkRequestID) {
		if other.ApproverID != e.ApproverID {
			continue
		}
		if other.SequenceOrder == e.SequenceOrder {
			return errors.Conflict("approval entry already exists for approver " + e.ApproverID)
		}
		if other.Status == repository.EntryPending && e.Status == repository.EntryPending {
			return errors.Conflict("approver " + e.ApproverID + " already has a pending entry")
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.UpdatedAt = e.CreatedAt
	t.snap.entries[e.ID] = e.Clone()
	t.snap.order = append(t.snap.order, e.ID)
	t.created = append(t.created, e.ID)
	t.dirtyEntries[e.ID] = true
	return nil
}

func (t *memTx) UpdateEntry(ctx context.Context, e *repository.ApprovalEntry) error {
	if _, ok := t.snap.entries[e.ID]; !ok {
		return errors.NotFound("approval_entry", e.ID)
	}
	if e.Status == repository.EntryPending {
		for _, other := range t.snap.entriesOf(e.WorkRequestID) {
			if other.ID != e.ID && other.ApproverID == e.ApproverID && other.Status == repository.EntryPending {
				return errors.Conflict("approver " + e.ApproverID + " already has a pending entry")
			}
		}
	}
	t.snap.entries[e.ID] = e.Clone()
	t.dirtyEntries[e.ID] = true
	return nil
}

func (t *memTx) ListEntries(ctx context.Context, workRequestID string) ([]*repository.ApprovalEntry, error) {
	return cloneEntries(sortByStage(t.snap.entriesOf(workRequestID))), nil
}

func (t *memTx) FindPending(ctx context.Context, workRequestID, approverID string) (*repository.ApprovalEntry, error) {
	for _, e := range sortByStage(t.snap.entriesOf(workRequestID)) {
		if e.ApproverID == approverID && e.Status == repository.EntryPending {
			return e.Clone(), nil
		}
	}
	return nil, nil
}

func (t *memTx) FindByStage(ctx context.Context, workRequestID string, sequenceOrder int) ([]*repository.ApprovalEntry, error) {
	var out []*repository.ApprovalEntry
	for _, e := range t.snap.entriesOf(workRequestID) {
		if e.SequenceOrder == sequenceOrder {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (t *memTx) FindNextPendingStage(ctx context.Context, workRequestID string, afterStage int) (*repository.ApprovalEntry, error) {
	for _, e := range sortByStage(t.snap.entriesOf(workRequestID)) {
		if e.SequenceOrder > afterStage && e.Status == repository.EntryPending {
			return e.Clone(), nil
		}
	}
	return nil, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// sortByStage orders by stage, keeping creation order within a stage.
func sortByStage(entries []*repository.ApprovalEntry) []*repository.ApprovalEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SequenceOrder < entries[j].SequenceOrder
	})
	return entries
}

func cloneEntries(entries []*repository.ApprovalEntry) []*repository.ApprovalEntry {
	out := make([]*repository.ApprovalEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// timeoutBefore orders nil timeouts last.
func timeoutBefore(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	}
	return a.Before(*b)
}
