package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/database"
	"github.com/pesio-ai/be-ops-approvals/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

var _ AuditStore = (*ApprovalAuditRepository)(nil)

const insertAuditQuery = `
	INSERT INTO approval_audit_log
	    (id, work_request_id, entry_id, organization_id,
	     action, performed_by, performed_at,
	     status_before, status_after,
	     metadata)
	VALUES ($1, $2, $3, $4,
	        $5, $6, $7,
	        $8, $9,
	        $10)
`

// AppendBatch inserts entries in one round trip. The table has a
// delete-prevention trigger so appends are the only mutation exposed.
func (r *ApprovalAuditRepository) AppendBatch(ctx context.Context, entries []*AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		var metadataJSON []byte
		if entry.Metadata != nil {
			var err error
			metadataJSON, err = json.Marshal(entry.Metadata)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
			}
		}
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		batch.Queue(insertAuditQuery,
			entry.ID,
			entry.WorkRequestID,
			entry.EntryID,
			entry.OrganizationID,
			entry.Action,
			entry.PerformedBy,
			entry.PerformedAt,
			entry.StatusBefore,
			entry.StatusAfter,
			metadataJSON,
		)
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range entries {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return errors.Wrap(err, errors.ErrCodePersistence, "failed to append audit entry")
			}
		}
		return results.Close()
	})
}

// ListByWorkRequest returns the full audit trail for a work request ordered oldest-first.
func (r *ApprovalAuditRepository) ListByWorkRequest(ctx context.Context, workRequestID, organizationID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, work_request_id, entry_id, organization_id,
		       action, performed_by, performed_at,
		       status_before, status_after,
		       metadata
		FROM approval_audit_log
		WHERE work_request_id = $1 AND organization_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, workRequestID, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.WorkRequestID,
		&entry.EntryID,
		&entry.OrganizationID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistence, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
