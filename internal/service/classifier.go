package service

import (
	"fmt"
	"time"

	"github.com/unionpay/riskgate/internal/models"
)

const day = 24 * time.Hour

// Thresholds are the lower age bounds of the medium, low and none tiers.
// A change younger than High is high risk.
type Thresholds struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{High: 2 * day, Medium: 7 * day, Low: 30 * day}
}

func (t Thresholds) Validate() error {
	if t.High <= 0 || t.High > t.Medium || t.Medium > t.Low {
		return fmt.Errorf("thresholds must satisfy 0 < high <= medium <= low, got %s/%s/%s", t.High, t.Medium, t.Low)
	}
	return nil
}

// Classifier maps a risk signal to a tier by the age of the last identity change.
type Classifier struct {
	thresholds Thresholds
}

func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{thresholds: t}
}

// Classify is pure: the same signal and now always give the same tier.
func (c *Classifier) Classify(signal models.RiskSignal, now time.Time) (models.RiskTier, error) {
	if err := signal.Validate(now); err != nil {
		return models.TierNone, err
	}
	if signal.ChangedAt == nil {
		return models.TierNone, nil
	}

	age := now.Sub(*signal.ChangedAt)
	switch {
	case age < c.thresholds.High:
		return models.TierHigh, nil
	case age < c.thresholds.Medium:
		return models.TierMedium, nil
	case age < c.thresholds.Low:
		return models.TierLow, nil
	default:
		return models.TierNone, nil
	}
}
