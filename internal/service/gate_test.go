package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/unionpay/riskgate/internal/interfaces/mocks"
	"github.com/unionpay/riskgate/internal/metrics"
	"github.com/unionpay/riskgate/internal/models"
	"github.com/unionpay/riskgate/internal/repository"
)

const subject = "+254700000001"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type GateSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	provider  *mocks.MockSignalProvider
	publisher *mocks.MockEventPublisher
	store     *repository.MemorySessionStore
	clock     *fakeClock
	metrics   *metrics.Metrics
	gate      *Gate

	mu     sync.Mutex
	events []models.SessionEvent
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.provider = mocks.NewMockSignalProvider(s.ctrl)
	s.publisher = mocks.NewMockEventPublisher(s.ctrl)
	s.store = repository.NewMemorySessionStore()
	s.clock = &fakeClock{now: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.events = nil

	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e models.SessionEvent) error {
			s.mu.Lock()
			s.events = append(s.events, e)
			s.mu.Unlock()
			return nil
		}).AnyTimes()

	s.gate = s.newGate(GateConfig{})
}

func (s *GateSuite) newGate(cfg GateConfig) *Gate {
	cfg.Metrics = s.metrics
	g := NewGate(s.provider, s.store, s.publisher, s.clock, cfg)
	var n int
	var mu sync.Mutex
	g.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("sess-%d", n)
	}
	return g
}

func (s *GateSuite) signalChangedAgo(age time.Duration) models.RiskSignal {
	changed := s.clock.Now().Add(-age)
	return models.RiskSignal{SubjectID: subject, ChangedAt: &changed}
}

func (s *GateSuite) eventTypes() []models.SessionEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *GateSuite) TestNoRecentChangeAllows() {
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(models.RiskSignal{SubjectID: subject}, nil)

	d, err := s.gate.Evaluate(context.Background(), subject, "pay-1")
	s.Require().NoError(err)
	s.True(d.Allow)
	s.Nil(d.RequiredSession)
	s.Equal(models.TierNone, d.Tier)
	s.Equal(models.ReasonNoStepUpRequired, d.Reason)
	s.Empty(s.eventTypes())

	_, err = s.store.Get(context.Background(), "pay-1")
	s.True(errors.Is(err, models.ErrSessionNotFound))
}

func (s *GateSuite) TestRecentChangeRequiresStepUp() {
	ctx := context.Background()
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(24*time.Hour), nil)

	d, err := s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)
	s.False(d.Allow)
	s.Equal(models.TierHigh, d.Tier)
	s.Equal(models.ReasonStepUpRequired, d.Reason)
	s.Require().NotNil(d.RequiredSession)
	s.Equal(models.SessionPending, d.RequiredSession.State)
	s.Equal([]models.VerificationMethod{models.MethodAlternatePhone, models.MethodIDDocument}, d.RequiredSession.Requirement.Methods)
	s.Equal(2, d.RequiredSession.Requirement.MinMethodsRequired)
	s.Equal(s.clock.Now().Add(DefaultSessionTTL), d.RequiredSession.ExpiresAt)
	s.Equal([]models.SessionEventType{models.EventSessionCreated}, s.eventTypes())

	s.Run("method outside the requirement is rejected", func() {
		got, err := s.gate.RecordAttempt(ctx, "pay-1", models.MethodSMSCode, true)
		s.True(errors.Is(err, models.ErrMethodNotAllowed))
		s.Equal(models.SessionPending, got.State)
		s.Empty(got.AttemptedMethods)
	})

	s.Run("first method keeps the session pending", func() {
		got, err := s.gate.RecordAttempt(ctx, "pay-1", models.MethodAlternatePhone, true)
		s.Require().NoError(err)
		s.Equal(models.SessionPending, got.State)
	})

	s.Run("second method satisfies the session", func() {
		got, err := s.gate.RecordAttempt(ctx, "pay-1", models.MethodIDDocument, true)
		s.Require().NoError(err)
		s.Equal(models.SessionSatisfied, got.State)
		s.ElementsMatch(got.Requirement.Methods, got.SatisfiedMethods)
	})

	s.Run("satisfied session allows the action", func() {
		d, err := s.gate.Evaluate(ctx, subject, "pay-1")
		s.Require().NoError(err)
		s.True(d.Allow)
		s.Equal(models.ReasonStepUpSatisfied, d.Reason)
		s.Equal(models.TierHigh, d.Tier)
	})

	s.Run("terminal session rejects more attempts", func() {
		_, err := s.gate.RecordAttempt(ctx, "pay-1", models.MethodIDDocument, true)
		s.True(errors.Is(err, models.ErrSessionTerminated))
	})

	s.Equal([]models.SessionEventType{models.EventSessionCreated, models.EventSessionSatisfied}, s.eventTypes())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Evaluations.WithLabelValues("high", "step_up_required")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Evaluations.WithLabelValues("high", "step_up_satisfied")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Attempts.WithLabelValues("sms_code", "rejected")))
}

func (s *GateSuite) TestTierRequirements() {
	tests := []struct {
		name    string
		age     time.Duration
		tier    models.RiskTier
		methods []models.VerificationMethod
	}{
		{"medium", 3 * day, models.TierMedium, []models.VerificationMethod{models.MethodEmailCode, models.MethodSMSCode}},
		{"low", 10 * day, models.TierLow, []models.VerificationMethod{models.MethodSMSCode}},
	}
	for i, tt := range tests {
		s.Run(tt.name, func() {
			action := fmt.Sprintf("pay-tier-%d", i)
			s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(tt.age), nil)

			d, err := s.gate.Evaluate(context.Background(), subject, action)
			s.Require().NoError(err)
			s.False(d.Allow)
			s.Equal(tt.tier, d.Tier)
			s.Equal(tt.methods, d.RequiredSession.Requirement.Methods)
			s.Equal(1, d.RequiredSession.Requirement.MinMethodsRequired)
		})
	}
}

func (s *GateSuite) TestRepeatedEvaluateReturnsSameSession() {
	ctx := context.Background()
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(time.Hour), nil).Times(1)

	first, err := s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)
	second, err := s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)

	s.Equal(first.RequiredSession.SessionID, second.RequiredSession.SessionID)
	s.False(second.Allow)
	s.Equal(models.ReasonStepUpRequired, second.Reason)
	s.Len(s.eventTypes(), 1)
}

func (s *GateSuite) TestConcurrentEvaluateSharesOneSession() {
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(time.Hour), nil).AnyTimes()

	const goroutines = 16
	var (
		wg  sync.WaitGroup
		ids sync.Map
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.gate.Evaluate(context.Background(), subject, "pay-race")
			s.NoError(err)
			if err == nil {
				ids.Store(d.RequiredSession.SessionID, true)
			}
		}()
	}
	wg.Wait()

	count := 0
	ids.Range(func(_, _ any) bool { count++; return true })
	s.Equal(1, count)
	s.Equal([]models.SessionEventType{models.EventSessionCreated}, s.eventTypes())
}

func (s *GateSuite) TestSessionExpiry() {
	ctx := context.Background()
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(3*day), nil)

	d, err := s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)
	firstID := d.RequiredSession.SessionID

	s.clock.Advance(DefaultSessionTTL + time.Minute)

	got, err := s.gate.RecordAttempt(ctx, "pay-1", models.MethodSMSCode, true)
	s.True(errors.Is(err, models.ErrExpiredSession))
	s.Equal(models.SessionExpired, got.State)

	_, err = s.gate.RecordAttempt(ctx, "pay-1", models.MethodSMSCode, true)
	s.True(errors.Is(err, models.ErrSessionTerminated))

	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(3*day), nil)
	d, err = s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)
	s.NotEqual(firstID, d.RequiredSession.SessionID)
	s.Equal(models.SessionPending, d.RequiredSession.State)

	s.Equal([]models.SessionEventType{
		models.EventSessionCreated, models.EventSessionExpired, models.EventSessionCreated,
	}, s.eventTypes())
}

func (s *GateSuite) TestSessionLookupExpiresStaleSession() {
	ctx := context.Background()
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(time.Hour), nil)

	_, err := s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)

	got, err := s.gate.Session(ctx, "pay-1")
	s.Require().NoError(err)
	s.Equal(models.SessionPending, got.State)

	s.clock.Advance(DefaultSessionTTL + time.Second)
	got, err = s.gate.Session(ctx, "pay-1")
	s.Require().NoError(err)
	s.Equal(models.SessionExpired, got.State)
	s.Equal([]models.SessionEventType{models.EventSessionCreated, models.EventSessionExpired}, s.eventTypes())

	_, err = s.gate.Session(ctx, "pay-unknown")
	s.True(errors.Is(err, models.ErrSessionNotFound))
}

func (s *GateSuite) TestFailedSessionIsReplaced() {
	ctx := context.Background()
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(10*day), nil).Times(2)

	d, err := s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)

	got, err := s.gate.RecordAttempt(ctx, "pay-1", models.MethodSMSCode, false)
	s.Require().NoError(err)
	s.Equal(models.SessionFailed, got.State)

	again, err := s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)
	s.NotEqual(d.RequiredSession.SessionID, again.RequiredSession.SessionID)
	s.Equal([]models.SessionEventType{
		models.EventSessionCreated, models.EventSessionFailed, models.EventSessionCreated,
	}, s.eventTypes())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Attempts.WithLabelValues("sms_code", "failure")))
}

func (s *GateSuite) TestSignalUnavailable() {
	ctx := context.Background()

	s.Run("provider error", func() {
		s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(models.RiskSignal{}, errors.New("connection refused"))

		_, err := s.gate.Evaluate(ctx, subject, "pay-1")
		s.True(errors.Is(err, models.ErrSignalUnavailable))
		_, err = s.store.Get(ctx, "pay-1")
		s.True(errors.Is(err, models.ErrSessionNotFound))
	})

	s.Run("provider timeout", func() {
		g := s.newGate(GateConfig{SignalTimeout: 20 * time.Millisecond})
		s.provider.EXPECT().GetSignal(gomock.Any(), subject).DoAndReturn(
			func(ctx context.Context, _ string) (models.RiskSignal, error) {
				<-ctx.Done()
				return models.RiskSignal{}, ctx.Err()
			})

		start := time.Now()
		_, err := g.Evaluate(ctx, subject, "pay-2")
		s.True(errors.Is(err, models.ErrSignalUnavailable))
		s.Less(time.Since(start), 2*time.Second)
	})

	s.Run("fail-safe treats outage as high risk", func() {
		g := s.newGate(GateConfig{FailSafeOnSignalUnavailable: true})
		s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(models.RiskSignal{}, errors.New("connection refused"))

		d, err := g.Evaluate(ctx, subject, "pay-3")
		s.Require().NoError(err)
		s.False(d.Allow)
		s.Equal(models.TierHigh, d.Tier)
		s.Equal(models.ReasonSignalUnavailableFailSafe, d.Reason)
		s.Equal(2, d.RequiredSession.Requirement.MinMethodsRequired)
	})
}

func (s *GateSuite) TestCallerCancellationDoesNotAbortFetch() {
	ctx, cancel := context.WithCancel(context.Background())
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).DoAndReturn(
		func(fctx context.Context, _ string) (models.RiskSignal, error) {
			cancel()
			if err := fctx.Err(); err != nil {
				return models.RiskSignal{}, err
			}
			return models.RiskSignal{SubjectID: subject}, nil
		})

	d, err := s.gate.Evaluate(ctx, subject, "pay-1")
	s.Require().NoError(err)
	s.True(d.Allow)
}

func (s *GateSuite) TestInvalidInput() {
	ctx := context.Background()

	s.Run("future signal", func() {
		s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(-time.Hour), nil)
		_, err := s.gate.Evaluate(ctx, subject, "pay-1")
		s.True(errors.Is(err, models.ErrInvalidSignal))
	})

	s.Run("missing identifiers", func() {
		_, err := s.gate.Evaluate(ctx, "", "pay-1")
		s.Equal(models.KindInvalidRequest, models.KindOf(err))
		_, err = s.gate.Evaluate(ctx, subject, "")
		s.Equal(models.KindInvalidRequest, models.KindOf(err))
	})

	s.Run("attempt without session", func() {
		_, err := s.gate.RecordAttempt(ctx, "pay-none", models.MethodSMSCode, true)
		s.True(errors.Is(err, models.ErrSessionNotFound))
	})
}

func (s *GateSuite) TestPublishFailureDoesNotFailEvaluation() {
	ctrl := gomock.NewController(s.T())
	publisher := mocks.NewMockEventPublisher(ctrl)
	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).Return(s.signalChangedAgo(time.Hour), nil)

	g := NewGate(s.provider, s.store, publisher, s.clock, GateConfig{})
	d, err := g.Evaluate(context.Background(), subject, "pay-1")
	s.Require().NoError(err)
	s.False(d.Allow)
	s.NotEmpty(d.RequiredSession.SessionID)
}

func (s *GateSuite) TestChangeStampedDuringFetchIsHighRisk() {
	s.provider.EXPECT().GetSignal(gomock.Any(), subject).DoAndReturn(
		func(context.Context, string) (models.RiskSignal, error) {
			s.clock.Advance(50 * time.Millisecond)
			changed := s.clock.Now().Add(-10 * time.Millisecond)
			return models.RiskSignal{SubjectID: subject, ChangedAt: &changed}, nil
		})

	d, err := s.gate.Evaluate(context.Background(), subject, "pay-1")
	s.Require().NoError(err)
	s.False(d.Allow)
	s.Equal(models.TierHigh, d.Tier)
	s.Equal(s.clock.Now().Add(DefaultSessionTTL), d.RequiredSession.ExpiresAt)
}
