package models

import (
	"fmt"
	"time"
)

type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionSatisfied SessionState = "satisfied"
	SessionFailed    SessionState = "failed"
	SessionExpired   SessionState = "expired"
)

func (s SessionState) Terminal() bool {
	return s == SessionSatisfied || s == SessionFailed || s == SessionExpired
}

// VerificationSession tracks one step-up challenge for one pending action.
// Requirement is a snapshot taken at creation; later policy changes do not
// affect it. Only the gate mutates a session.
type VerificationSession struct {
	SessionID        string                  `json:"session_id"`
	SubjectID        string                  `json:"subject_id"`
	PendingActionID  string                  `json:"pending_action_id"`
	Tier             RiskTier                `json:"tier"`
	Requirement      VerificationRequirement `json:"requirement"`
	AttemptedMethods []VerificationMethod    `json:"attempted_methods"`
	SatisfiedMethods []VerificationMethod    `json:"satisfied_methods"`
	State            SessionState            `json:"state"`
	CreatedAt        time.Time               `json:"created_at"`
	ExpiresAt        time.Time               `json:"expires_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

func NewVerificationSession(id, subjectID, actionID string, tier RiskTier, req VerificationRequirement, now time.Time, ttl time.Duration) *VerificationSession {
	return &VerificationSession{
		SessionID:        id,
		SubjectID:        subjectID,
		PendingActionID:  actionID,
		Tier:             tier,
		Requirement:      req.Clone(),
		AttemptedMethods: []VerificationMethod{},
		SatisfiedMethods: []VerificationMethod{},
		State:            SessionPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		UpdatedAt:        now,
	}
}

// RecordAttempt applies the outcome of one verification attempt.
//
// Terminal sessions reject every call without mutation. A stale pending
// session is moved to expired before ExpiredSession is returned.
func (s *VerificationSession) RecordAttempt(method VerificationMethod, success bool, now time.Time) error {
	if s.State.Terminal() {
		return NewError(KindSessionTerminated, fmt.Sprintf("session %s is %s", s.SessionID, s.State), nil)
	}
	if s.ExpireIfStale(now) {
		return NewError(KindExpiredSession, fmt.Sprintf("session %s expired at %s",
			s.SessionID, s.ExpiresAt.Format(time.RFC3339)), nil)
	}
	if !s.Requirement.Allows(method) {
		return NewError(KindMethodNotAllowed, fmt.Sprintf("method %s not offered by session %s", method, s.SessionID), nil)
	}

	s.AttemptedMethods = addMethod(s.AttemptedMethods, method)
	s.UpdatedAt = now

	if success {
		s.SatisfiedMethods = addMethod(s.SatisfiedMethods, method)
		if len(s.SatisfiedMethods) >= s.Requirement.MinMethodsRequired {
			s.State = SessionSatisfied
		}
		return nil
	}

	if s.allMethodsAttempted() {
		s.State = SessionFailed
	}
	return nil
}

// ExpireIfStale moves a pending session past its deadline to expired and
// reports whether it did so. Calling it again is a no-op.
func (s *VerificationSession) ExpireIfStale(now time.Time) bool {
	if s.State != SessionPending || !now.After(s.ExpiresAt) {
		return false
	}
	s.State = SessionExpired
	s.UpdatedAt = now
	return true
}

func (s *VerificationSession) allMethodsAttempted() bool {
	for _, m := range s.Requirement.Methods {
		if !containsMethod(s.AttemptedMethods, m) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so stores can hand out sessions without
// sharing slices with their own state.
func (s *VerificationSession) Clone() *VerificationSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Requirement = s.Requirement.Clone()
	c.AttemptedMethods = append([]VerificationMethod{}, s.AttemptedMethods...)
	c.SatisfiedMethods = append([]VerificationMethod{}, s.SatisfiedMethods...)
	return &c
}

func addMethod(set []VerificationMethod, m VerificationMethod) []VerificationMethod {
	if containsMethod(set, m) {
		return set
	}
	return append(set, m)
}

func containsMethod(set []VerificationMethod, m VerificationMethod) bool {
	for _, existing := range set {
		if existing == m {
			return true
		}
	}
	return false
}
