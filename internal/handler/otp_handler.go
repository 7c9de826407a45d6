package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consent-otp-service/internal/model"
	"consent-otp-service/internal/service"
	"consent-otp-service/internal/util"
)

// OTPHandler handles HTTP requests for the consent OTP flow
type OTPHandler struct {
	otpService *service.OTPService
	healthy    func(ctx context.Context) bool
	logger     *zap.Logger
}

// NewOTPHandler creates a new consent OTP handler
func NewOTPHandler(otpService *service.OTPService, healthy func(ctx context.Context) bool, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		healthy:    healthy,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// StartConsentRequest is the body of POST /consents.
type StartConsentRequest struct {
	SubjectRef string `json:"subject_ref"`
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
}

// ValidateRequest is the body of POST /consents/{consentID}/validate.
type ValidateRequest struct {
	Code string `json:"code"`
}

// ValidationView is the client-facing result of one validation call. The
// code itself is never echoed back and wrong-code detail stays generic.
type ValidationView struct {
	Status            model.ConsentStatus `json:"status"`
	Validated         bool                `json:"validated"`
	AttemptsRemaining int                 `json:"attempts_remaining"`
	FallbackActivated bool                `json:"fallback_activated"`
	ActiveChannel     model.Channel       `json:"active_channel,omitempty"`
}

// RegisterRoutes registers all consent OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/consents", func(r chi.Router) {
		r.Post("/", h.StartConsent)

		r.Route("/{consentID}", func(r chi.Router) {
			r.Get("/", h.GetConsent)
			r.Post("/validate", h.ValidateCode)
			r.Post("/resend", h.ResendCode)
			r.Post("/invalidate", h.InvalidateConsent)
			r.Post("/generated", h.MarkGenerated)
			r.Get("/audit", h.GetAuditTrail)
			r.Get("/summary", h.GetAuthorizedSummary)
		})
	})
}

// StartConsent opens a consent flow and sends the first SMS challenge.
func (h *OTPHandler) StartConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req StartConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.SubjectRef == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("subject_ref is required"), "Subject reference is required")
		return
	}

	view, err := h.otpService.Start(ctx, service.StartConsentInput{
		SubjectRef: req.SubjectRef,
		FullName:   req.FullName,
		Phone:      req.Phone,
		Email:      req.Email,
		Meta:       requestMeta(r),
	})
	if err != nil {
		// The consent may exist even when the first delivery failed; the
		// client can retry through the resend endpoint.
		if errors.Is(err, service.ErrSendFailed) && view != nil {
			h.respondWithJSON(w, http.StatusBadGateway, Response{
				Success: false,
				Data:    view,
				Error:   err.Error(),
				Message: "Consent created but code delivery failed",
			})
			return
		}
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to start consent flow")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(view, "Verification code sent"))
	h.logger.Info("Consent flow started via HTTP",
		util.String("consent_id", view.Consent.ConsentID.String()),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "StartConsent"),
	)
}

// ValidateCode applies one submitted code to the active challenge.
func (h *OTPHandler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	consentID, ok := h.parseConsentID(w, r)
	if !ok {
		return
	}

	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("code is required"), "Code is required")
		return
	}

	result, err := h.otpService.Validate(ctx, consentID, req.Code, requestMeta(r))
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to validate code")
		return
	}

	view := ValidationView{
		Status:            result.Consent.Status,
		Validated:         result.Outcome == model.AttemptOK,
		FallbackActivated: result.FallbackActivated,
	}
	if result.Challenge != nil {
		view.ActiveChannel = result.Challenge.Channel
		if result.Challenge.Result == model.ResultPending {
			view.AttemptsRemaining = result.Challenge.MaxAttempts - result.Challenge.AttemptsUsed
		}
	}
	if result.FallbackActivated {
		view.ActiveChannel = model.ChannelEmail
	}

	// Wrong, expired and exhausted all read the same to the client; the
	// audit trail keeps the real reason.
	message := "Code validated successfully"
	if !view.Validated {
		message = "Invalid or expired code"
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(view, message))
	h.logger.Info("Validation handled via HTTP",
		util.String("consent_id", consentID.String()),
		util.String("status", string(view.Status)),
		util.Bool("validated", view.Validated),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "ValidateCode"),
	)
}

// GetConsent returns the consent and its active challenge, if any.
func (h *OTPHandler) GetConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	consentID, ok := h.parseConsentID(w, r)
	if !ok {
		return
	}

	view, err := h.otpService.Status(ctx, consentID, requestMeta(r))
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to get consent")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(view, "Consent retrieved successfully"))
	h.logger.Debug("Consent retrieved via HTTP",
		util.String("consent_id", consentID.String()),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "GetConsent"),
	)
}

// ResendCode replaces the active challenge with a fresh one.
func (h *OTPHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	consentID, ok := h.parseConsentID(w, r)
	if !ok {
		return
	}

	view, err := h.otpService.Resend(ctx, consentID, requestMeta(r))
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to resend code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(view, "Verification code resent"))
	h.logger.Info("Code resent via HTTP",
		util.String("consent_id", consentID.String()),
		util.Int("resend_count", view.Consent.ResendCount),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "ResendCode"),
	)
}

// InvalidateConsent cancels the flow at the user's request.
func (h *OTPHandler) InvalidateConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	consentID, ok := h.parseConsentID(w, r)
	if !ok {
		return
	}

	consent, err := h.otpService.Invalidate(ctx, consentID, requestMeta(r))
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to invalidate consent")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(consent, "Consent invalidated"))
	h.logger.Info("Consent invalidated via HTTP",
		util.String("consent_id", consentID.String()),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "InvalidateConsent"),
	)
}

// MarkGenerated records that the consent document was produced.
func (h *OTPHandler) MarkGenerated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	consentID, ok := h.parseConsentID(w, r)
	if !ok {
		return
	}

	consent, err := h.otpService.MarkConsentGenerated(ctx, consentID, requestMeta(r))
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to mark consent as generated")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(consent, "Consent document recorded"))
	h.logger.Info("Consent document recorded via HTTP",
		util.String("consent_id", consentID.String()),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "MarkGenerated"),
	)
}

// GetAuditTrail returns the full ordered audit trail of a consent.
func (h *OTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	consentID, ok := h.parseConsentID(w, r)
	if !ok {
		return
	}

	events, err := h.otpService.Audit(ctx, consentID)
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to get audit trail")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(events, "Audit trail retrieved successfully"))
	h.logger.Debug("Audit trail retrieved via HTTP",
		util.String("consent_id", consentID.String()),
		util.Int("events", len(events)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "GetAuditTrail"),
	)
}

// GetAuthorizedSummary returns the authorization statement for the
// generated consent document.
func (h *OTPHandler) GetAuthorizedSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	consentID, ok := h.parseConsentID(w, r)
	if !ok {
		return
	}

	summary, err := h.otpService.AuthorizedSummary(ctx, consentID)
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to get authorization summary")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"summary": summary}, "Summary retrieved successfully"))
}

// HealthCheck reports whether every required backend is reachable.
func (h *OTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.healthy != nil && !h.healthy(r.Context()) {
		h.respondWithError(w, http.StatusServiceUnavailable, errors.New("dependency check failed"), "Service unhealthy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Service is healthy"))
}

// Helper Methods

// requestMeta snapshots the caller context attached to challenges and
// audit rows. RealIP middleware already resolved RemoteAddr.
func requestMeta(r *http.Request) model.RequestMeta {
	forwarded := r.Header.Get("X-Forwarded-For")
	if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
		forwarded = strings.TrimSpace(forwarded[:idx])
	}

	return model.RequestMeta{
		SessionKey:   r.Header.Get("X-Session-Key"),
		IPAddress:    r.RemoteAddr,
		ForwardedFor: forwarded,
		UserAgent:    r.UserAgent(),
	}
}

func (h *OTPHandler) parseConsentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	consentID, err := uuid.Parse(chi.URLParam(r, "consentID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid consent ID format")
		return uuid.Nil, false
	}
	return consentID, true
}

// respondWithJSON sends a JSON response
func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *OTPHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrConsentNotFound),
		errors.Is(err, model.ErrChallengeNotFound),
		errors.Is(err, model.ErrNoActiveChallenge):
		return http.StatusNotFound
	case errors.Is(err, service.ErrPhoneRequired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConsentClosed),
		errors.Is(err, service.ErrNotAuthorized):
		return http.StatusConflict
	case errors.Is(err, service.ErrResendCooldown),
		errors.Is(err, service.ErrResendLimit),
		errors.Is(err, service.ErrSendInProgress):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrSendFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
