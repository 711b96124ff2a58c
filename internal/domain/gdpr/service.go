package gdpr

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vetcare/internal/store"
)

// Service orchestrates the full lifecycle of a data subject rights request:
// intake with rate limiting, identity verification, execution of the
// collection or deletion engines, and the compliance trail. Every terminal
// outcome is logged exactly once.
type Service struct {
	requests    *Requests
	verifier    *Verifier
	collector   *Collector
	eraser      *Eraser
	eligibility *EligibilityChecker
	exporter    *Exporter
	compliance  *ComplianceLog
	now         func() time.Time
}

func NewService(requests *Requests, verifier *Verifier, collector *Collector, eraser *Eraser, eligibility *EligibilityChecker, exporter *Exporter, compliance *ComplianceLog) *Service {
	return &Service{
		requests:    requests,
		verifier:    verifier,
		collector:   collector,
		eraser:      eraser,
		eligibility: eligibility,
		exporter:    exporter,
		compliance:  compliance,
		now:         time.Now,
	}
}

// CreateRequest opens a new lifecycle request for a subject, enforcing the
// per-type rate ceiling and the one-in-flight rule, then starts the email
// verification leg.
func (s *Service) CreateRequest(ctx context.Context, tenantID, subjectID, requestType, reason string) (*LifecycleRequest, error) {
	if !ValidRequestType(requestType) {
		return nil, fmt.Errorf("unknown request type %q", requestType)
	}
	if err := s.verifier.CheckRateLimit(ctx, tenantID, subjectID, requestType); err != nil {
		return nil, err
	}
	active, err := s.requests.HasActive(ctx, tenantID, subjectID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrRequestInFlight
	}

	profile, err := s.collector.loadProfile(ctx, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	req := &LifecycleRequest{
		TenantID:  tenantID,
		SubjectID: subjectID,
		Type:      requestType,
		Status:    StatusPending,
		Reason:    reason,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	s.logCompliance(ctx, req, ActionRequestCreated, subjectID, nil)

	if err := s.verifier.IssueToken(ctx, req, str(profile, "email")); err != nil {
		slog.Warn("verification email failed", "request", req.ID, "err", err)
	}
	return req, nil
}

// VerifyIdentity confirms the subject through either channel: a token from
// the verification email, or the subject's password on an authenticated
// session. On success the request sits in processing, ready to execute.
func (s *Service) VerifyIdentity(ctx context.Context, tenantID, requestID, subjectID, token, password string) (*LifecycleRequest, error) {
	var req *LifecycleRequest
	var err error
	switch {
	case token != "":
		req, err = s.verifier.VerifyToken(ctx, tenantID, requestID, token)
	case password != "":
		req, err = s.verifier.VerifyPassword(ctx, tenantID, requestID, subjectID, password)
	default:
		return nil, ErrVerificationFailed
	}
	if err != nil {
		return nil, err
	}
	s.logCompliance(ctx, req, ActionIdentityVerified, req.SubjectID, nil)
	return req, nil
}

// Execute runs the engine for a verified request. Access and portability
// requests produce an export artifact; erasure requests run the eligibility
// check and then the deletion plan. Rectification, restriction and objection
// requests stay in processing for manual resolution through Resolve.
func (s *Service) Execute(ctx context.Context, tenantID, requestID, performedBy string) (*LifecycleRequest, error) {
	req, err := s.requests.Get(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusProcessing {
		return nil, &InvalidTransitionError{From: req.Status, To: StatusCompleted}
	}

	switch req.Type {
	case RequestTypeAccess, RequestTypePortability:
		return s.executeExport(ctx, req, performedBy)
	case RequestTypeErasure:
		return s.executeErasure(ctx, req, performedBy)
	default:
		return req, nil
	}
}

func (s *Service) executeExport(ctx context.Context, req *LifecycleRequest, performedBy string) (*LifecycleRequest, error) {
	bundle, err := s.collector.Collect(ctx, req.TenantID, req.SubjectID)
	if err != nil {
		return nil, err
	}
	path, encrypted, token, expiresAt, err := s.exporter.Write(ctx, req.ID, bundle)
	if err != nil {
		return nil, err
	}
	if err := s.requests.SetExport(ctx, req.TenantID, req.ID, path, encrypted, token, expiresAt); err != nil {
		return nil, err
	}

	if err := s.complete(ctx, req); err != nil {
		return nil, err
	}
	size, _ := ExportSize(bundle)
	details, _ := json.Marshal(map[string]any{
		"sizeBytes":      size,
		"encrypted":      encrypted,
		"categoryErrors": len(bundle.Errors),
	})
	s.logCompliance(ctx, req, ActionExportGenerated, performedBy, details)

	req.ExportPath = path
	req.ExportEncrypted = encrypted
	req.DownloadToken = token
	req.DownloadExpiresAt = &expiresAt
	return req, nil
}

func (s *Service) executeErasure(ctx context.Context, req *LifecycleRequest, performedBy string) (*LifecycleRequest, error) {
	eligibility, err := s.eligibility.Check(ctx, req.TenantID, req.SubjectID)
	if err != nil {
		return nil, err
	}
	if !eligibility.CanDelete {
		reason := strings.Join(eligibility.Blockers, "; ")
		if err := s.reject(ctx, req, reason); err != nil {
			return nil, err
		}
		s.logCompliance(ctx, req, ActionRequestRejected, performedBy, mustJSON(eligibility))
		return req, &EligibilityError{Blockers: eligibility.Blockers}
	}

	result, err := s.eraser.Erase(ctx, req.TenantID, req.SubjectID)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		if err := s.reject(ctx, req, "erasure incomplete, see compliance log"); err != nil {
			return nil, err
		}
		s.logCompliance(ctx, req, ActionRequestRejected, performedBy, mustJSON(result))
		return req, nil
	}

	if err := s.complete(ctx, req); err != nil {
		return nil, err
	}
	s.logCompliance(ctx, req, ActionErasureCompleted, performedBy, mustJSON(result))
	return req, nil
}

// Resolve closes a rectification, restriction or objection request after an
// operator has acted on it by hand.
func (s *Service) Resolve(ctx context.Context, tenantID, requestID, performedBy, outcome, note string) (*LifecycleRequest, error) {
	if outcome != StatusCompleted && outcome != StatusRejected {
		return nil, fmt.Errorf("resolution outcome must be %s or %s", StatusCompleted, StatusRejected)
	}
	req, err := s.requests.Get(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	switch req.Type {
	case RequestTypeRectification, RequestTypeRestriction, RequestTypeObjection:
	default:
		return nil, fmt.Errorf("request type %s is resolved automatically", req.Type)
	}

	patch := store.Patch{"completed_at": s.now()}
	if outcome == StatusRejected {
		patch["rejection_reason"] = note
	}
	if err := s.requests.UpdateStatus(ctx, tenantID, requestID, StatusProcessing, outcome, patch); err != nil {
		return nil, err
	}
	req.Status = outcome
	details, _ := json.Marshal(map[string]string{"outcome": outcome, "note": note})
	s.logCompliance(ctx, req, ActionRequestResolved, performedBy, details)
	return req, nil
}

// Cancel withdraws a request that has not started processing yet.
func (s *Service) Cancel(ctx context.Context, tenantID, requestID, performedBy string) (*LifecycleRequest, error) {
	req, err := s.requests.Get(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.requests.UpdateStatus(ctx, tenantID, requestID, req.Status, StatusCancelled, store.Patch{
		"completed_at":       s.now(),
		"verification_token": nil,
		"token_expires_at":   nil,
	}); err != nil {
		return nil, err
	}
	req.Status = StatusCancelled
	s.logCompliance(ctx, req, ActionRequestCancelled, performedBy, nil)
	return req, nil
}

func (s *Service) Status(ctx context.Context, tenantID, requestID string) (*LifecycleRequest, error) {
	return s.requests.Get(ctx, tenantID, requestID)
}

// Download hands back the export artifact for a completed access or
// portability request. The download token is single-purpose and expires 24
// hours after generation; a bad or stale token reads the same as a missing
// request.
func (s *Service) Download(ctx context.Context, tenantID, requestID, token string) ([]byte, error) {
	req, err := s.requests.Get(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusCompleted || req.ExportPath == "" {
		return nil, ErrRequestNotFound
	}

	match := subtle.ConstantTimeCompare([]byte(req.DownloadToken), []byte(token))
	expired := req.DownloadToken == "" ||
		req.DownloadExpiresAt == nil ||
		s.now().After(*req.DownloadExpiresAt)
	if match != 1 || expired {
		return nil, ErrRequestNotFound
	}

	data, err := s.exporter.Read(req.ExportPath)
	if err != nil {
		return nil, err
	}
	s.logCompliance(ctx, req, ActionExportDownloaded, req.SubjectID, nil)
	return data, nil
}

func (s *Service) complete(ctx context.Context, req *LifecycleRequest) error {
	if err := s.requests.UpdateStatus(ctx, req.TenantID, req.ID, StatusProcessing, StatusCompleted, store.Patch{
		"completed_at": s.now(),
	}); err != nil {
		return err
	}
	req.Status = StatusCompleted
	return nil
}

func (s *Service) reject(ctx context.Context, req *LifecycleRequest, reason string) error {
	if err := s.requests.UpdateStatus(ctx, req.TenantID, req.ID, StatusProcessing, StatusRejected, store.Patch{
		"completed_at":     s.now(),
		"rejection_reason": reason,
	}); err != nil {
		return err
	}
	req.Status = StatusRejected
	req.RejectionReason = reason
	return nil
}

// logCompliance appends to the audit trail. A trail write failure is logged
// and swallowed; the user-facing operation already happened and must not be
// unwound by its bookkeeping.
func (s *Service) logCompliance(ctx context.Context, req *LifecycleRequest, action, performedBy string, details json.RawMessage) {
	err := s.compliance.Record(ctx, ComplianceLogEntry{
		RequestID:   req.ID,
		SubjectID:   req.SubjectID,
		TenantID:    req.TenantID,
		Action:      action,
		Details:     details,
		PerformedBy: performedBy,
	})
	if err != nil {
		slog.Warn("compliance log write failed", "request", req.ID, "action", action, "err", err)
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
