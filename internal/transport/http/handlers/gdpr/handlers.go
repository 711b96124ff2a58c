package gdprhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vetcare/internal/domain/auth"
	"vetcare/internal/domain/gdpr"
	"vetcare/internal/transport/http/api"
	"vetcare/internal/transport/http/middleware"
)

// Handler exposes the data subject rights lifecycle over HTTP. Subjects act
// on their own requests; admins can execute, resolve and audit any request in
// their tenant.
type Handler struct {
	Service    *gdpr.Service
	Compliance *gdpr.ComplianceLog
}

func NewHandler(service *gdpr.Service, compliance *gdpr.ComplianceLog) *Handler {
	return &Handler{Service: service, Compliance: compliance}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/gdpr", func(r chi.Router) {
		r.Get("/verify", h.handleVerifyLink)
		r.Get("/retention-policies", h.handleRetentionPolicies)
		r.Post("/requests", h.handleCreateRequest)
		r.Post("/requests/{requestID}/verify", h.handleVerifyRequest)
		r.Get("/requests/{requestID}", h.handleRequestStatus)
		r.Get("/requests/{requestID}/download", h.handleDownload)
		r.Post("/requests/{requestID}/cancel", h.handleCancel)
		r.With(middleware.RequireRole(auth.RoleAdmin)).Post("/requests/{requestID}/execute", h.handleExecute)
		r.With(middleware.RequireRole(auth.RoleAdmin)).Post("/requests/{requestID}/resolve", h.handleResolve)
		r.With(middleware.RequireRole(auth.RoleAdmin)).Get("/requests/{requestID}/log", h.handleComplianceTrail)
	})
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	var payload struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	if !gdpr.ValidRequestType(payload.Type) {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "unknown request type", middleware.GetRequestID(r.Context()))
		return
	}

	req, err := h.Service.CreateRequest(r.Context(), user.TenantID, user.UserID, payload.Type, payload.Reason)
	if err != nil {
		h.failFromError(w, r, err, "request_create_failed", "failed to create request")
		return
	}
	api.Created(w, req, middleware.GetRequestID(r.Context()))
}

// handleVerifyLink serves the URL sent in the verification email. It carries
// no session; the token alone proves the subject.
func (h *Handler) handleVerifyLink(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request")
	token := r.URL.Query().Get("token")
	if requestID == "" || token == "" {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "request and token are required", middleware.GetRequestID(r.Context()))
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	h.verifyAndExecute(w, r, tenantID, requestID, "", token, "")
}

func (h *Handler) handleVerifyRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var payload struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}

	var tenantID, subjectID string
	if user, ok := middleware.GetUser(r.Context()); ok {
		tenantID = user.TenantID
		subjectID = user.UserID
	}
	if payload.Password != "" && subjectID == "" {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "password verification requires an authenticated session", middleware.GetRequestID(r.Context()))
		return
	}
	h.verifyAndExecute(w, r, tenantID, requestID, subjectID, payload.Token, payload.Password)
}

// verifyAndExecute confirms identity and immediately runs the engine, the way
// a subject clicking the email link expects: one action, one outcome.
func (h *Handler) verifyAndExecute(w http.ResponseWriter, r *http.Request, tenantID, requestID, subjectID, token, password string) {
	req, err := h.Service.VerifyIdentity(r.Context(), tenantID, requestID, subjectID, token, password)
	if err != nil {
		h.failFromError(w, r, err, "verification_failed", "identity verification failed")
		return
	}

	executed, err := h.Service.Execute(r.Context(), tenantID, requestID, req.SubjectID)
	if err != nil {
		var blocked *gdpr.EligibilityError
		if errors.As(err, &blocked) {
			api.Success(w, map[string]any{
				"request":  executed,
				"blockers": blocked.Blockers,
			}, middleware.GetRequestID(r.Context()))
			return
		}
		h.failFromError(w, r, err, "request_execute_failed", "failed to process request")
		return
	}
	api.Success(w, executed, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	req, err := h.Service.Status(r.Context(), user.TenantID, chi.URLParam(r, "requestID"))
	if err != nil {
		h.failFromError(w, r, err, "request_status_failed", "failed to load request")
		return
	}
	if user.RoleName != auth.RoleAdmin && req.SubjectID != user.UserID {
		api.Fail(w, http.StatusNotFound, "not_found", "request not found", middleware.GetRequestID(r.Context()))
		return
	}
	api.Success(w, req, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	token := r.URL.Query().Get("token")
	if token == "" {
		api.Fail(w, http.StatusForbidden, "forbidden", "download token required", middleware.GetRequestID(r.Context()))
		return
	}

	var tenantID string
	if user, ok := middleware.GetUser(r.Context()); ok {
		tenantID = user.TenantID
	} else {
		tenantID = r.URL.Query().Get("tenant")
	}

	data, err := h.Service.Download(r.Context(), tenantID, requestID, token)
	if err != nil {
		h.failFromError(w, r, err, "download_failed", "export not available")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=export-%s.json", requestID))
	if _, err := w.Write(data); err != nil {
		return
	}
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}
	requestID := chi.URLParam(r, "requestID")

	req, err := h.Service.Status(r.Context(), user.TenantID, requestID)
	if err != nil {
		h.failFromError(w, r, err, "request_cancel_failed", "failed to cancel request")
		return
	}
	if user.RoleName != auth.RoleAdmin && req.SubjectID != user.UserID {
		api.Fail(w, http.StatusNotFound, "not_found", "request not found", middleware.GetRequestID(r.Context()))
		return
	}

	cancelled, err := h.Service.Cancel(r.Context(), user.TenantID, requestID, user.UserID)
	if err != nil {
		h.failFromError(w, r, err, "request_cancel_failed", "failed to cancel request")
		return
	}
	api.Success(w, cancelled, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	executed, err := h.Service.Execute(r.Context(), user.TenantID, chi.URLParam(r, "requestID"), user.UserID)
	if err != nil {
		var blocked *gdpr.EligibilityError
		if errors.As(err, &blocked) {
			api.Success(w, map[string]any{
				"request":  executed,
				"blockers": blocked.Blockers,
			}, middleware.GetRequestID(r.Context()))
			return
		}
		h.failFromError(w, r, err, "request_execute_failed", "failed to process request")
		return
	}
	api.Success(w, executed, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())

	var payload struct {
		Outcome string `json:"outcome"`
		Note    string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}

	resolved, err := h.Service.Resolve(r.Context(), user.TenantID, chi.URLParam(r, "requestID"), user.UserID, payload.Outcome, payload.Note)
	if err != nil {
		h.failFromError(w, r, err, "request_resolve_failed", "failed to resolve request")
		return
	}
	api.Success(w, resolved, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleComplianceTrail(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	entries, err := h.Compliance.Entries(r.Context(), user.TenantID, chi.URLParam(r, "requestID"))
	if err != nil {
		api.Fail(w, http.StatusInternalServerError, "compliance_log_failed", "failed to load compliance trail", middleware.GetRequestID(r.Context()))
		return
	}
	api.Success(w, entries, middleware.GetRequestID(r.Context()))
}

// handleRetentionPolicies publishes the legally retained categories so the
// clinic can show subjects what an erasure will and will not remove.
func (h *Handler) handleRetentionPolicies(w http.ResponseWriter, r *http.Request) {
	api.Success(w, gdpr.RetainedCategories(), middleware.GetRequestID(r.Context()))
}

func (h *Handler) failFromError(w http.ResponseWriter, r *http.Request, err error, code, message string) {
	requestID := middleware.GetRequestID(r.Context())

	var limited *gdpr.RateLimitedError
	var transition *gdpr.InvalidTransitionError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())))
		api.Fail(w, http.StatusTooManyRequests, "rate_limited", limited.Error(), requestID)
	case errors.Is(err, gdpr.ErrRequestInFlight):
		api.Fail(w, http.StatusConflict, "request_in_flight", err.Error(), requestID)
	case errors.As(err, &transition):
		api.Fail(w, http.StatusConflict, "invalid_state", transition.Error(), requestID)
	case errors.Is(err, gdpr.ErrVerificationFailed):
		api.Fail(w, http.StatusForbidden, "verification_failed", "identity verification failed", requestID)
	case errors.Is(err, gdpr.ErrRequestNotFound), errors.Is(err, gdpr.ErrSubjectNotFound):
		api.Fail(w, http.StatusNotFound, "not_found", "request not found", requestID)
	default:
		api.Fail(w, http.StatusInternalServerError, code, message, requestID)
	}
}
