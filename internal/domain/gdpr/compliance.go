package gdpr

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"vetcare/internal/store"
)

const complianceTable = "gdpr_compliance_logs"

// Compliance log actions, one per terminal lifecycle outcome plus the
// intermediate verification events.
const (
	ActionRequestCreated   = "request_created"
	ActionIdentityVerified = "identity_verified"
	ActionExportGenerated  = "export_generated"
	ActionErasureCompleted = "erasure_completed"
	ActionRequestRejected  = "request_rejected"
	ActionRequestCancelled = "request_cancelled"
	ActionRequestResolved  = "request_resolved"
	ActionExportDownloaded = "export_downloaded"
)

// ComplianceLog is the append-only audit trail of lifecycle activity. Entries
// are never updated or deleted; during erasure the log itself is retained with
// its subject references intact, as proof the request was honored.
type ComplianceLog struct {
	store store.RecordStore
	now   func() time.Time
}

func NewComplianceLog(s store.RecordStore) *ComplianceLog {
	return &ComplianceLog{store: s, now: time.Now}
}

func (l *ComplianceLog) Record(ctx context.Context, entry ComplianceLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = l.now()
	}
	row := store.Record{
		"id":           entry.ID,
		"request_id":   entry.RequestID,
		"subject_id":   entry.SubjectID,
		"action":       entry.Action,
		"performed_by": entry.PerformedBy,
		"performed_at": entry.PerformedAt,
	}
	if len(entry.Details) > 0 {
		row["details"] = json.RawMessage(entry.Details)
	}
	return l.store.Insert(ctx, entry.TenantID, complianceTable, row)
}

// Entries returns the trail for one request, newest first.
func (l *ComplianceLog) Entries(ctx context.Context, tenantID, requestID string) ([]ComplianceLogEntry, error) {
	rows, err := l.store.Select(ctx, tenantID, complianceTable, store.Filter{"request_id": requestID},
		store.OrderByDesc("performed_at"))
	if err != nil {
		return nil, err
	}
	entries := make([]ComplianceLogEntry, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row["performed_at"])
		if err != nil {
			return nil, err
		}
		entry := ComplianceLogEntry{
			ID:          stringValue(row["id"]),
			RequestID:   stringValue(row["request_id"]),
			SubjectID:   stringValue(row["subject_id"]),
			TenantID:    tenantID,
			Action:      stringValue(row["action"]),
			PerformedBy: stringValue(row["performed_by"]),
			PerformedAt: at,
		}
		if row["details"] != nil {
			raw, err := json.Marshal(row["details"])
			if err == nil {
				entry.Details = raw
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
