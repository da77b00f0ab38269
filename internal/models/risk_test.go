package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskTierOrder(t *testing.T) {
	assert.True(t, TierNone.Less(TierLow))
	assert.True(t, TierLow.Less(TierMedium))
	assert.True(t, TierMedium.Less(TierHigh))
	assert.False(t, TierHigh.Less(TierHigh))
	assert.False(t, TierHigh.Less(TierNone))
}

func TestRiskTierText(t *testing.T) {
	for _, tier := range []RiskTier{TierNone, TierLow, TierMedium, TierHigh} {
		parsed, err := ParseRiskTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, parsed)
	}

	_, err := ParseRiskTier("critical")
	assert.Error(t, err)
	assert.Equal(t, "RiskTier(9)", RiskTier(9).String())

	b, err := json.Marshal(struct {
		Tier RiskTier `json:"tier"`
	}{TierMedium})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"medium"}`, string(b))
}

func TestRiskSignalValidate(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Second)

	assert.NoError(t, RiskSignal{SubjectID: "a"}.Validate(now))
	assert.NoError(t, RiskSignal{SubjectID: "a", ChangedAt: &past}.Validate(now))
	assert.NoError(t, RiskSignal{SubjectID: "a", ChangedAt: &now}.Validate(now))

	err := RiskSignal{SubjectID: "a", ChangedAt: &future}.Validate(now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignal))
	assert.Equal(t, KindInvalidSignal, KindOf(err))
}

func TestRequirementAllows(t *testing.T) {
	req := VerificationRequirement{Methods: []VerificationMethod{MethodEmailCode, MethodSMSCode}, MinMethodsRequired: 1}
	assert.True(t, req.Allows(MethodSMSCode))
	assert.False(t, req.Allows(MethodIDDocument))
	assert.True(t, req.RequiresStepUp())
	assert.False(t, VerificationRequirement{Methods: []VerificationMethod{}}.RequiresStepUp())
}

func TestParseVerificationMethod(t *testing.T) {
	m, err := ParseVerificationMethod("id_document")
	require.NoError(t, err)
	assert.Equal(t, MethodIDDocument, m)

	_, err = ParseVerificationMethod("carrier_pigeon")
	assert.Error(t, err)
}

func TestGateErrorMatching(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("evaluate: %w", NewError(KindSignalUnavailable, "fetch signal", cause))

	assert.True(t, errors.Is(err, ErrSignalUnavailable))
	assert.False(t, errors.Is(err, ErrInvalidSignal))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindSignalUnavailable, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
	assert.Equal(t, "evaluate: signal_unavailable: fetch signal: connection refused", err.Error())
}
