package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/unionpay/riskgate/internal/models"
	"github.com/unionpay/riskgate/internal/telemetry"
)

// GateService is the part of service.Gate the HTTP layer drives.
type GateService interface {
	Evaluate(ctx context.Context, subjectID, pendingActionID string) (*models.GateDecision, error)
	RecordAttempt(ctx context.Context, pendingActionID string, method models.VerificationMethod, success bool) (*models.VerificationSession, error)
	Session(ctx context.Context, pendingActionID string) (*models.VerificationSession, error)
}

type EvaluateRequest struct {
	SubjectID       string `json:"subject_id" binding:"required"`
	PendingActionID string `json:"pending_action_id" binding:"required"`
}

type EvaluateResponse struct {
	Allow           bool              `json:"allow"`
	Reason          models.ReasonCode `json:"reason"`
	Tier            models.RiskTier   `json:"tier"`
	RequiredSession *SessionResponse  `json:"required_session,omitempty"`
}

type AttemptRequest struct {
	Method  string `json:"method" binding:"required"`
	Success *bool  `json:"success" binding:"required"`
}

type SessionResponse struct {
	SessionID          string                      `json:"session_id"`
	SubjectID          string                      `json:"subject_id"`
	PendingActionID    string                      `json:"pending_action_id"`
	Tier               models.RiskTier             `json:"tier"`
	Methods            []models.VerificationMethod `json:"methods"`
	MinMethodsRequired int                         `json:"min_methods_required"`
	AttemptedMethods   []models.VerificationMethod `json:"attempted_methods"`
	SatisfiedMethods   []models.VerificationMethod `json:"satisfied_methods"`
	State              models.SessionState         `json:"state"`
	CreatedAt          time.Time                   `json:"created_at"`
	ExpiresAt          time.Time                   `json:"expires_at"`
}

type ErrorResponse struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Session *SessionResponse `json:"session,omitempty"`
}

type GateHandler struct {
	gate GateService
}

func NewGateHandler(gate GateService) *GateHandler {
	return &GateHandler{gate: gate}
}

func (h *GateHandler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Error("Error decoding evaluate request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: string(models.KindInvalidRequest), Message: "invalid request body"})
		return
	}

	decision, err := h.gate.Evaluate(c.Request.Context(), req.SubjectID, req.PendingActionID)
	if err != nil {
		writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, EvaluateResponse{
		Allow:           decision.Allow,
		Reason:          decision.Reason,
		Tier:            decision.Tier,
		RequiredSession: newSessionResponse(decision.RequiredSession),
	})
}

func (h *GateHandler) RecordAttempt(c *gin.Context) {
	actionID := c.Param("actionId")

	var req AttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Error("Error decoding attempt request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: string(models.KindInvalidRequest), Message: "invalid request body"})
		return
	}
	method, err := models.ParseVerificationMethod(req.Method)
	if err != nil || method == models.MethodNone {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: string(models.KindInvalidRequest), Message: "unknown verification method"})
		return
	}

	session, err := h.gate.RecordAttempt(c.Request.Context(), actionID, method, *req.Success)
	if err != nil {
		writeError(c, err, session)
		return
	}

	c.JSON(http.StatusOK, newSessionResponse(session))
}

func newSessionResponse(s *models.VerificationSession) *SessionResponse {
	if s == nil {
		return nil
	}
	return &SessionResponse{
		SessionID:          s.SessionID,
		SubjectID:          s.SubjectID,
		PendingActionID:    s.PendingActionID,
		Tier:               s.Tier,
		Methods:            nonNil(s.Requirement.Methods),
		MinMethodsRequired: s.Requirement.MinMethodsRequired,
		AttemptedMethods:   nonNil(s.AttemptedMethods),
		SatisfiedMethods:   nonNil(s.SatisfiedMethods),
		State:              s.State,
		CreatedAt:          s.CreatedAt,
		ExpiresAt:          s.ExpiresAt,
	}
}

func nonNil(m []models.VerificationMethod) []models.VerificationMethod {
	if m == nil {
		return []models.VerificationMethod{}
	}
	return m
}

// statusFor maps a gate error kind to its HTTP status. Errors without a
// kind are infrastructure failures.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidRequest:
		return http.StatusBadRequest
	case models.KindSessionNotFound:
		return http.StatusNotFound
	case models.KindSessionTerminated:
		return http.StatusConflict
	case models.KindExpiredSession:
		return http.StatusGone
	case models.KindMethodNotAllowed:
		return http.StatusUnprocessableEntity
	case models.KindInvalidSignal:
		return http.StatusBadGateway
	case models.KindSignalUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error, session *models.VerificationSession) {
	kind := models.KindOf(err)
	status := statusFor(kind)

	resp := ErrorResponse{Error: string(kind), Message: err.Error(), Session: newSessionResponse(session)}
	var gerr *models.GateError
	if !errors.As(err, &gerr) {
		telemetry.Logger.Error("Gate request failed", zap.String("path", c.FullPath()), zap.Error(err))
		resp = ErrorResponse{Error: "internal", Message: "internal error"}
	}
	c.JSON(status, resp)
}
