package models

import (
	"fmt"
	"time"
)

type RiskTier int

const (
	TierNone RiskTier = iota
	TierLow
	TierMedium
	TierHigh
)

var tierNames = [...]string{"none", "low", "medium", "high"}

func (t RiskTier) String() string {
	if t < TierNone || t > TierHigh {
		return fmt.Sprintf("RiskTier(%d)", int(t))
	}
	return tierNames[t]
}

// Less reports whether t ranks strictly below other (none < low < medium < high).
func (t RiskTier) Less(other RiskTier) bool {
	return t < other
}

func ParseRiskTier(s string) (RiskTier, error) {
	for i, name := range tierNames {
		if name == s {
			return RiskTier(i), nil
		}
	}
	return TierNone, fmt.Errorf("unknown risk tier %q", s)
}

func (t RiskTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *RiskTier) UnmarshalText(b []byte) error {
	parsed, err := ParseRiskTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// RiskSignal describes the last identity-changing event (e.g. a SIM swap)
// seen for a subscriber. ChangedAt is nil when no such event is known.
type RiskSignal struct {
	SubjectID string     `json:"subject_id"`
	ChangedAt *time.Time `json:"changed_at,omitempty"`
}

// Validate rejects signals whose change timestamp lies in the future.
func (s RiskSignal) Validate(now time.Time) error {
	if s.ChangedAt != nil && s.ChangedAt.After(now) {
		return NewError(KindInvalidSignal, fmt.Sprintf("signal for %s changed_at %s is after %s",
			s.SubjectID, s.ChangedAt.Format(time.RFC3339), now.Format(time.RFC3339)), nil)
	}
	return nil
}

type VerificationMethod string

const (
	MethodSMSCode        VerificationMethod = "sms_code"
	MethodEmailCode      VerificationMethod = "email_code"
	MethodAlternatePhone VerificationMethod = "alternate_phone"
	MethodIDDocument     VerificationMethod = "id_document"
	MethodNone           VerificationMethod = "none"
)

func ParseVerificationMethod(s string) (VerificationMethod, error) {
	switch m := VerificationMethod(s); m {
	case MethodSMSCode, MethodEmailCode, MethodAlternatePhone, MethodIDDocument, MethodNone:
		return m, nil
	}
	return "", fmt.Errorf("unknown verification method %q", s)
}

// VerificationRequirement lists the methods offered for a tier, in
// preference order, and how many of them must succeed.
type VerificationRequirement struct {
	Methods            []VerificationMethod `json:"methods" yaml:"methods"`
	MinMethodsRequired int                  `json:"min_methods_required" yaml:"min_methods_required"`
}

func (r VerificationRequirement) RequiresStepUp() bool {
	return r.MinMethodsRequired > 0
}

func (r VerificationRequirement) Allows(m VerificationMethod) bool {
	for _, allowed := range r.Methods {
		if allowed == m {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no backing array with r.
func (r VerificationRequirement) Clone() VerificationRequirement {
	methods := make([]VerificationMethod, len(r.Methods))
	copy(methods, r.Methods)
	return VerificationRequirement{Methods: methods, MinMethodsRequired: r.MinMethodsRequired}
}
