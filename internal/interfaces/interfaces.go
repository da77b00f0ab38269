package interfaces

import (
	"context"
	"time"

	"github.com/unionpay/riskgate/internal/models"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

// SignalProvider returns the latest identity-change signal for a subscriber.
// Transport and provider failures are reported as errors; the gate treats
// them as opaque.
type SignalProvider interface {
	GetSignal(ctx context.Context, subjectID string) (models.RiskSignal, error)
}

// SessionStore keeps verification sessions keyed by pending action id.
//
// GetOrCreate must be atomic per key: concurrent callers for the same key
// observe the same stored session. A stored session that is failed or
// expired is replaced by the one create returns. Update must serialize
// callers for the same key while leaving other keys uncontended; the
// session is saved even when fn returns an error, and that error is
// returned alongside it. Missing keys yield models.ErrSessionNotFound.
// All methods return copies.
type SessionStore interface {
	Get(ctx context.Context, pendingActionID string) (*models.VerificationSession, error)
	GetOrCreate(ctx context.Context, pendingActionID string, create func() (*models.VerificationSession, error)) (session *models.VerificationSession, created bool, err error)
	Update(ctx context.Context, pendingActionID string, fn func(*models.VerificationSession) error) (*models.VerificationSession, error)
}

// EventPublisher emits session lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event models.SessionEvent) error
}

type Clock interface {
	Now() time.Time
}
