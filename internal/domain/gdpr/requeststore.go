package gdpr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vetcare/internal/store"
)

const requestsTable = "gdpr_requests"

var activeStatuses = []string{StatusPending, StatusIdentityVerification, StatusProcessing}

// Requests persists lifecycle requests through the generic record store.
// Status changes are compare-and-set on the current status, so two workers
// racing on the same request cannot both win a transition.
type Requests struct {
	store store.RecordStore
	now   func() time.Time
}

func NewRequests(s store.RecordStore) *Requests {
	return &Requests{store: s, now: time.Now}
}

func (r *Requests) Create(ctx context.Context, req *LifecycleRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = r.now()
	}
	row := store.Record{
		"id":           req.ID,
		"subject_id":   req.SubjectID,
		"type":         req.Type,
		"status":       req.Status,
		"reason":       req.Reason,
		"requested_at": req.RequestedAt,
	}
	return r.store.Insert(ctx, req.TenantID, requestsTable, row)
}

func (r *Requests) Get(ctx context.Context, tenantID, id string) (*LifecycleRequest, error) {
	rows, err := r.store.Select(ctx, tenantID, requestsTable, store.Filter{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrRequestNotFound
	}
	return recordToRequest(rows[0], tenantID)
}

// UpdateStatus moves a request from one status to another, applying extra
// column changes in the same write. The transition must be legal and the
// request must still hold the expected current status.
func (r *Requests) UpdateStatus(ctx context.Context, tenantID, id, from, to string, extra store.Patch) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	patch := store.Patch{"status": to}
	for col, value := range extra {
		patch[col] = value
	}
	affected, err := r.store.Update(ctx, tenantID, requestsTable, store.Filter{"id": id, "status": from}, patch)
	if err != nil {
		return err
	}
	if affected == 0 {
		current, err := r.Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{From: current.Status, To: to}
	}
	return nil
}

func (r *Requests) SetVerification(ctx context.Context, tenantID, id, from string, token string, expiresAt time.Time) error {
	return r.UpdateStatus(ctx, tenantID, id, from, StatusIdentityVerification, store.Patch{
		"verification_token": token,
		"token_expires_at":   expiresAt,
	})
}

func (r *Requests) ClearVerification(ctx context.Context, tenantID, id, from, to string) error {
	return r.UpdateStatus(ctx, tenantID, id, from, to, store.Patch{
		"verification_token": nil,
		"token_expires_at":   nil,
		"processed_at":       r.now(),
	})
}

func (r *Requests) SetExport(ctx context.Context, tenantID, id, path string, encrypted bool, downloadToken string, downloadExpiresAt time.Time) error {
	_, err := r.store.Update(ctx, tenantID, requestsTable, store.Filter{"id": id}, store.Patch{
		"export_path":         path,
		"export_encrypted":    encrypted,
		"download_token":      downloadToken,
		"download_expires_at": downloadExpiresAt,
	})
	return err
}

// RequestTimesSince returns the creation times of a subject's requests of one
// type from since onward, for rate limit accounting. Cancelled and rejected
// requests still count; the ceiling is on attempts, not outcomes.
func (r *Requests) RequestTimesSince(ctx context.Context, tenantID, subjectID, requestType string, since time.Time) ([]time.Time, error) {
	rows, err := r.store.Select(ctx, tenantID, requestsTable, store.Filter{
		"subject_id": subjectID,
		"type":       requestType,
	})
	if err != nil {
		return nil, err
	}
	var times []time.Time
	for _, row := range rows {
		at, err := parseTime(row["requested_at"])
		if err != nil {
			return nil, err
		}
		if !at.Before(since) {
			times = append(times, at)
		}
	}
	return times, nil
}

// HasActive reports whether the subject already has a request in a non-terminal
// status.
func (r *Requests) HasActive(ctx context.Context, tenantID, subjectID string) (bool, error) {
	rows, err := r.store.Select(ctx, tenantID, requestsTable, store.Filter{
		"subject_id": subjectID,
		"status":     activeStatuses,
	}, store.Limit(1))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func recordToRequest(row store.Record, tenantID string) (*LifecycleRequest, error) {
	req := &LifecycleRequest{
		ID:                stringValue(row["id"]),
		TenantID:          tenantID,
		SubjectID:         stringValue(row["subject_id"]),
		Type:              stringValue(row["type"]),
		Status:            stringValue(row["status"]),
		Reason:            stringValue(row["reason"]),
		VerificationToken: stringValue(row["verification_token"]),
		RejectionReason:   stringValue(row["rejection_reason"]),
		ExportPath:        stringValue(row["export_path"]),
		DownloadToken:     stringValue(row["download_token"]),
	}
	if tenantID == "" {
		req.TenantID = stringValue(row["tenant_id"])
	}
	if encrypted, ok := row["export_encrypted"].(bool); ok {
		req.ExportEncrypted = encrypted
	}

	at, err := parseTime(row["requested_at"])
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.ID, err)
	}
	req.RequestedAt = at

	for _, field := range []struct {
		col  string
		dest **time.Time
	}{
		{"processed_at", &req.ProcessedAt},
		{"completed_at", &req.CompletedAt},
		{"token_expires_at", &req.TokenExpiresAt},
		{"download_expires_at", &req.DownloadExpiresAt},
	} {
		if row[field.col] == nil {
			continue
		}
		t, err := parseTime(row[field.col])
		if err != nil {
			return nil, fmt.Errorf("request %s: %s: %w", req.ID, field.col, err)
		}
		*field.dest = &t
	}
	return req, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// parseTime accepts either a time.Time (in-memory store) or the RFC 3339
// string row_to_json produces for timestamptz columns.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Parse(time.RFC3339, t)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp value %v", v)
	}
}
