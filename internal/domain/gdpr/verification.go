package gdpr

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

// Mailer delivers verification and confirmation emails. The platform email
// package provides SMTP and no-op implementations.
type Mailer interface {
	Send(ctx context.Context, from, to, subject, html string) error
}

// CredentialChecker verifies a subject's password for the authenticated
// verification channel.
type CredentialChecker interface {
	CheckPassword(ctx context.Context, subjectID, password string) error
}

// verificationTTL bounds how long an emailed verification token stays valid.
const verificationTTL = 15 * time.Minute

const tokenBytes = 32

// rateCeilings caps how many requests of each type a subject may open in a
// trailing 24 hour window.
var rateCeilings = map[string]int{
	RequestTypeAccess:        5,
	RequestTypePortability:   3,
	RequestTypeRectification: 10,
	RequestTypeRestriction:   10,
	RequestTypeObjection:     10,
	RequestTypeErasure:       1,
}

const rateWindow = 24 * time.Hour

// Verifier owns the identity verification leg of the lifecycle: issuing and
// checking one-time tokens, the password channel, and per-subject rate limits.
type Verifier struct {
	requests    *Requests
	mailer      Mailer
	credentials CredentialChecker
	baseURL     string
	from        string
	now         func() time.Time
}

func NewVerifier(requests *Requests, mailer Mailer, credentials CredentialChecker, baseURL, from string) *Verifier {
	return &Verifier{
		requests:    requests,
		mailer:      mailer,
		credentials: credentials,
		baseURL:     baseURL,
		from:        from,
		now:         time.Now,
	}
}

// IssueToken generates a one-time verification token for a pending request,
// persists it with its expiry, moves the request to identity_verification and
// emails the subject a verification link.
func (v *Verifier) IssueToken(ctx context.Context, req *LifecycleRequest, email string) error {
	if req.Status != StatusPending {
		return &InvalidTransitionError{From: req.Status, To: StatusIdentityVerification}
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate verification token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expiresAt := v.now().Add(verificationTTL)

	if err := v.requests.SetVerification(ctx, req.TenantID, req.ID, req.Status, token, expiresAt); err != nil {
		return err
	}
	req.Status = StatusIdentityVerification
	req.VerificationToken = token
	req.TokenExpiresAt = &expiresAt

	link := fmt.Sprintf("%s/gdpr/verify?request=%s&token=%s", v.baseURL, req.ID, token)
	subject := "Verifique su solicitud de protección de datos"
	body := fmt.Sprintf(
		"<p>Hemos recibido una solicitud de tipo <strong>%s</strong> sobre sus datos personales.</p>"+
			"<p>Para confirmar su identidad, haga clic en el siguiente enlace antes de %s:</p>"+
			"<p><a href=%q>%s</a></p>"+
			"<p>Si usted no ha realizado esta solicitud, ignore este mensaje.</p>",
		req.Type, expiresAt.Format("15:04"), link, link)
	return v.mailer.Send(ctx, v.from, email, subject, body)
}

// VerifyToken checks a presented token against the stored one. A wrong token,
// a missing token and an expired token all collapse into the same
// ErrVerificationFailed so the response leaks nothing about which check
// failed. On success the token is cleared and the request moves to
// processing.
func (v *Verifier) VerifyToken(ctx context.Context, tenantID, requestID, token string) (*LifecycleRequest, error) {
	req, err := v.requests.Get(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusIdentityVerification {
		return nil, &InvalidTransitionError{From: req.Status, To: StatusProcessing}
	}

	match := subtle.ConstantTimeCompare([]byte(req.VerificationToken), []byte(token))
	expired := req.VerificationToken == "" ||
		req.TokenExpiresAt == nil ||
		v.now().After(*req.TokenExpiresAt)
	if match != 1 || expired {
		return nil, ErrVerificationFailed
	}

	if err := v.requests.ClearVerification(ctx, tenantID, requestID, StatusIdentityVerification, StatusProcessing); err != nil {
		return nil, err
	}
	req.Status = StatusProcessing
	req.VerificationToken = ""
	req.TokenExpiresAt = nil
	return req, nil
}

// VerifyPassword is the authenticated verification channel: the subject
// re-enters their password instead of following an email link. The request
// passes through identity_verification on its way to processing so the
// lifecycle history stays uniform across channels.
func (v *Verifier) VerifyPassword(ctx context.Context, tenantID, requestID, subjectID, password string) (*LifecycleRequest, error) {
	req, err := v.requests.Get(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.SubjectID != subjectID {
		return nil, ErrVerificationFailed
	}
	if err := v.credentials.CheckPassword(ctx, subjectID, password); err != nil {
		return nil, ErrVerificationFailed
	}

	switch req.Status {
	case StatusPending:
		if err := v.requests.UpdateStatus(ctx, tenantID, requestID, StatusPending, StatusIdentityVerification, nil); err != nil {
			return nil, err
		}
		req.Status = StatusIdentityVerification
		fallthrough
	case StatusIdentityVerification:
		if err := v.requests.ClearVerification(ctx, tenantID, requestID, StatusIdentityVerification, StatusProcessing); err != nil {
			return nil, err
		}
		req.Status = StatusProcessing
		req.VerificationToken = ""
		req.TokenExpiresAt = nil
		return req, nil
	default:
		return nil, &InvalidTransitionError{From: req.Status, To: StatusProcessing}
	}
}

// CheckRateLimit enforces the per-type ceiling over the trailing 24 hours.
// When the ceiling is hit, RetryAfter is measured from the oldest request in
// the window, the earliest moment the window can roll enough to admit one
// more.
func (v *Verifier) CheckRateLimit(ctx context.Context, tenantID, subjectID, requestType string) error {
	ceiling, ok := rateCeilings[requestType]
	if !ok {
		return fmt.Errorf("no rate ceiling for request type %s", requestType)
	}

	now := v.now()
	times, err := v.requests.RequestTimesSince(ctx, tenantID, subjectID, requestType, now.Add(-rateWindow))
	if err != nil {
		return err
	}
	if len(times) < ceiling {
		return nil
	}

	oldest := times[0]
	for _, t := range times[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return &RateLimitedError{
		RequestType: requestType,
		RetryAfter:  oldest.Add(rateWindow).Sub(now),
	}
}
