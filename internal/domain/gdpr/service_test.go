package gdpr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vetcare/internal/platform/crypto"
	"vetcare/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory, *fakeMailer, *fakeAuthDeleter) {
	t.Helper()
	mem := store.NewMemory()
	requests := NewRequests(mem)
	mailer := &fakeMailer{}
	auth := &fakeAuthDeleter{}

	encryptor, err := crypto.New("")
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	svc := NewService(
		requests,
		NewVerifier(requests, mailer, fakeCredentials{password: "hunter2"}, "https://clinic.example", "no-reply@clinic.example"),
		NewCollector(mem),
		NewEraser(mem, auth, time.Second),
		NewEligibilityChecker(mem),
		NewExporter(t.TempDir(), encryptor),
		NewComplianceLog(mem),
	)
	return svc, mem, mailer, auth
}

func complianceActions(t *testing.T, mem *store.Memory, requestID string) []string {
	t.Helper()
	var actions []string
	for _, row := range mem.Rows("gdpr_compliance_logs") {
		if row["request_id"] == requestID {
			actions = append(actions, row["action"].(string))
		}
	}
	return actions
}

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestAccessRequestLifecycle(t *testing.T) {
	svc, mem, mailer, _ := newTestService(t)
	seedSubject(mem)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeAccess, "quiero una copia de mis datos")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.Status != StatusIdentityVerification {
		t.Fatalf("status after create = %s", req.Status)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].to != "marta@example.com" {
		t.Fatalf("verification email not sent to subject: %+v", mailer.sent)
	}

	verified, err := svc.VerifyIdentity(ctx, "t1", req.ID, "u1", req.VerificationToken, "")
	if err != nil {
		t.Fatalf("VerifyIdentity: %v", err)
	}
	if verified.Status != StatusProcessing {
		t.Fatalf("status after verify = %s", verified.Status)
	}

	executed, err := svc.Execute(ctx, "t1", req.ID, "u1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if executed.Status != StatusCompleted {
		t.Fatalf("status after execute = %s", executed.Status)
	}
	if executed.DownloadToken == "" || executed.ExportPath == "" {
		t.Fatal("export artifact not recorded")
	}

	data, err := svc.Download(ctx, "t1", req.ID, executed.DownloadToken)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	bundle, err := ParseExportBundle(data)
	if err != nil {
		t.Fatalf("downloaded artifact is not a bundle: %v", err)
	}
	if bundle.DataSubject.Email != "marta@example.com" {
		t.Errorf("bundle subject = %+v", bundle.DataSubject)
	}

	actions := complianceActions(t, mem, req.ID)
	for _, want := range []string{ActionRequestCreated, ActionIdentityVerified, ActionExportGenerated, ActionExportDownloaded} {
		if !hasAction(actions, want) {
			t.Errorf("compliance trail missing %s: %v", want, actions)
		}
	}
}

func TestCreateRequestRejectsSecondInFlight(t *testing.T) {
	svc, mem, _, _ := newTestService(t)
	seedSubject(mem)
	ctx := context.Background()

	if _, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeAccess, ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeAccess, ""); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("err = %v, want ErrRequestInFlight", err)
	}
}

func TestCreateRequestUnknownType(t *testing.T) {
	svc, mem, _, _ := newTestService(t)
	seedSubject(mem)
	if _, err := svc.CreateRequest(context.Background(), "t1", "u1", "forget-me", ""); err == nil {
		t.Fatal("unknown request type accepted")
	}
}

func TestErasureBlockedByEligibility(t *testing.T) {
	svc, mem, _, auth := newTestService(t)
	seedSubject(mem)
	mem.Seed("invoices", store.Record{"tenant_id": "t1", "id": "i1", "customer_id": "u1", "status": "pending"})
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeErasure, "")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := svc.VerifyIdentity(ctx, "t1", req.ID, "u1", req.VerificationToken, ""); err != nil {
		t.Fatalf("VerifyIdentity: %v", err)
	}

	_, err = svc.Execute(ctx, "t1", req.ID, "u1")
	var blocked *EligibilityError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want EligibilityError", err)
	}
	if len(blocked.Blockers) != 1 || blocked.Blockers[0] != "Tiene facturas pendientes de pago" {
		t.Errorf("blockers = %v", blocked.Blockers)
	}

	stored, _ := svc.Status(ctx, "t1", req.ID)
	if stored.Status != StatusRejected {
		t.Errorf("status = %s, want %s", stored.Status, StatusRejected)
	}
	if !strings.Contains(stored.RejectionReason, "facturas pendientes") {
		t.Errorf("rejection reason = %q", stored.RejectionReason)
	}
	if len(auth.deleted) != 0 {
		t.Error("blocked erasure still removed the auth identity")
	}
	if !hasAction(complianceActions(t, mem, req.ID), ActionRequestRejected) {
		t.Error("rejection not in compliance trail")
	}
}

func TestErasureCompletes(t *testing.T) {
	svc, mem, _, auth := newTestService(t)
	seedErasureFixture(mem)
	// The fixture invoice is paid, nothing blocks.
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeErasure, "baja definitiva")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := svc.VerifyIdentity(ctx, "t1", req.ID, "u1", "", "hunter2"); err != nil {
		t.Fatalf("VerifyIdentity (password): %v", err)
	}

	executed, err := svc.Execute(ctx, "t1", req.ID, "u1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if executed.Status != StatusCompleted {
		t.Fatalf("status = %s", executed.Status)
	}

	profiles := mem.Rows("profiles")
	if profiles[0]["email"] != placeholderEmail {
		t.Errorf("profile kept personal data: %+v", profiles[0])
	}
	if len(auth.deleted) != 1 {
		t.Errorf("auth identity not removed: %v", auth.deleted)
	}
	if !hasAction(complianceActions(t, mem, req.ID), ActionErasureCompleted) {
		t.Error("completion not in compliance trail")
	}
}

func TestManualRequestResolvedByOperator(t *testing.T) {
	svc, mem, _, _ := newTestService(t)
	seedSubject(mem)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeRectification, "mi teléfono ha cambiado")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := svc.VerifyIdentity(ctx, "t1", req.ID, "u1", req.VerificationToken, ""); err != nil {
		t.Fatalf("VerifyIdentity: %v", err)
	}

	// Execute leaves manual types in processing.
	executed, err := svc.Execute(ctx, "t1", req.ID, "admin1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if executed.Status != StatusProcessing {
		t.Fatalf("manual request auto-resolved to %s", executed.Status)
	}

	resolved, err := svc.Resolve(ctx, "t1", req.ID, "admin1", StatusCompleted, "teléfono actualizado")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusCompleted {
		t.Errorf("status = %s", resolved.Status)
	}
	if !hasAction(complianceActions(t, mem, req.ID), ActionRequestResolved) {
		t.Error("resolution not in compliance trail")
	}
}

func TestResolveRejectsAutomatedTypes(t *testing.T) {
	svc, mem, _, _ := newTestService(t)
	seedSubject(mem)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeAccess, "")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := svc.VerifyIdentity(ctx, "t1", req.ID, "u1", req.VerificationToken, ""); err != nil {
		t.Fatalf("VerifyIdentity: %v", err)
	}
	if _, err := svc.Resolve(ctx, "t1", req.ID, "admin1", StatusCompleted, ""); err == nil {
		t.Fatal("access request resolved by hand")
	}
}

func TestCancelBeforeProcessing(t *testing.T) {
	svc, mem, _, _ := newTestService(t)
	seedSubject(mem)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeAccess, "")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, "t1", req.ID, "u1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}

	if _, err := svc.Execute(ctx, "t1", req.ID, "u1"); err == nil {
		t.Fatal("cancelled request executed")
	}
	if !hasAction(complianceActions(t, mem, req.ID), ActionRequestCancelled) {
		t.Error("cancellation not in compliance trail")
	}
}

func TestDownloadRejectsBadToken(t *testing.T) {
	svc, mem, _, _ := newTestService(t)
	seedSubject(mem)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "t1", "u1", RequestTypeAccess, "")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := svc.VerifyIdentity(ctx, "t1", req.ID, "u1", req.VerificationToken, ""); err != nil {
		t.Fatalf("VerifyIdentity: %v", err)
	}
	if _, err := svc.Execute(ctx, "t1", req.ID, "u1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := svc.Download(ctx, "t1", req.ID, "forged-token"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}
