package models

import "time"

type ReasonCode string

const (
	ReasonNoStepUpRequired          ReasonCode = "no_step_up_required"
	ReasonStepUpRequired            ReasonCode = "step_up_required"
	ReasonStepUpSatisfied           ReasonCode = "step_up_satisfied"
	ReasonSignalUnavailableFailSafe ReasonCode = "signal_unavailable_fail_safe"
)

type GateDecision struct {
	Allow           bool                 `json:"allow"`
	RequiredSession *VerificationSession `json:"required_session,omitempty"`
	Reason          ReasonCode           `json:"reason"`
	Tier            RiskTier             `json:"tier"`
}

type SessionEventType string

const (
	EventSessionCreated   SessionEventType = "session.created"
	EventSessionSatisfied SessionEventType = "session.satisfied"
	EventSessionFailed    SessionEventType = "session.failed"
	EventSessionExpired   SessionEventType = "session.expired"
)

// SessionEvent is published whenever a verification session is created or
// reaches a terminal state.
type SessionEvent struct {
	Type            SessionEventType `json:"type"`
	SessionID       string           `json:"session_id"`
	SubjectID       string           `json:"subject_id"`
	PendingActionID string           `json:"pending_action_id"`
	Tier            RiskTier         `json:"tier"`
	State           SessionState     `json:"state"`
	Timestamp       time.Time        `json:"timestamp"`
}

func EventFor(t SessionEventType, s *VerificationSession, at time.Time) SessionEvent {
	return SessionEvent{
		Type:            t,
		SessionID:       s.SessionID,
		SubjectID:       s.SubjectID,
		PendingActionID: s.PendingActionID,
		Tier:            s.Tier,
		State:           s.State,
		Timestamp:       at,
	}
}

// TerminalEvent maps a terminal state to its event type.
func TerminalEvent(state SessionState) (SessionEventType, bool) {
	switch state {
	case SessionSatisfied:
		return EventSessionSatisfied, true
	case SessionFailed:
		return EventSessionFailed, true
	case SessionExpired:
		return EventSessionExpired, true
	}
	return "", false
}
