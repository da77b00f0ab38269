package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/unionpay/riskgate/internal/interfaces"
	"github.com/unionpay/riskgate/internal/metrics"
	"github.com/unionpay/riskgate/internal/models"
	"github.com/unionpay/riskgate/internal/telemetry"
)

const (
	DefaultSessionTTL    = 10 * time.Minute
	DefaultSignalTimeout = 3 * time.Second
)

type GateConfig struct {
	SessionTTL    time.Duration
	SignalTimeout time.Duration
	// FailSafeOnSignalUnavailable treats a provider outage as high risk
	// instead of returning SignalUnavailable.
	FailSafeOnSignalUnavailable bool

	Classifier *Classifier
	Policy     *Policy
	Metrics    *metrics.Metrics
}

// Gate decides whether a pending financial action may proceed and owns the
// lifecycle of the verification sessions it hands out.
type Gate struct {
	provider   interfaces.SignalProvider
	store      interfaces.SessionStore
	publisher  interfaces.EventPublisher
	clock      interfaces.Clock
	classifier *Classifier
	policy     *Policy
	metrics    *metrics.Metrics

	sessionTTL    time.Duration
	signalTimeout time.Duration
	failSafe      bool

	fetches singleflight.Group
	newID   func() string
}

func NewGate(
	provider interfaces.SignalProvider,
	store interfaces.SessionStore,
	publisher interfaces.EventPublisher,
	clock interfaces.Clock,
	cfg GateConfig,
) *Gate {
	g := &Gate{
		provider:      provider,
		store:         store,
		publisher:     publisher,
		clock:         clock,
		classifier:    cfg.Classifier,
		policy:        cfg.Policy,
		metrics:       cfg.Metrics,
		sessionTTL:    cfg.SessionTTL,
		signalTimeout: cfg.SignalTimeout,
		failSafe:      cfg.FailSafeOnSignalUnavailable,
		newID:         uuid.NewString,
	}
	if g.clock == nil {
		g.clock = SystemClock{}
	}
	if g.classifier == nil {
		g.classifier = NewClassifier(DefaultThresholds())
	}
	if g.policy == nil {
		g.policy = DefaultPolicy()
	}
	if g.sessionTTL <= 0 {
		g.sessionTTL = DefaultSessionTTL
	}
	if g.signalTimeout <= 0 {
		g.signalTimeout = DefaultSignalTimeout
	}
	return g
}

// Evaluate returns the gate decision for one pending action. While an
// unresolved session exists for the action it is returned instead of a new
// one. Evaluate never blocks on the session being resolved.
func (g *Gate) Evaluate(ctx context.Context, subjectID, pendingActionID string) (*models.GateDecision, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "Gate.Evaluate", trace.WithAttributes(
		telemetry.AttrPendingActionID.String(pendingActionID),
	))
	defer span.End()

	decision, err := g.evaluate(ctx, subjectID, pendingActionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.Logger.Warn("Gate evaluation failed",
			zap.String("subject_id", subjectID),
			zap.String("pending_action_id", pendingActionID),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tier", decision.Tier.String()),
		attribute.String("reason", string(decision.Reason)),
		attribute.Bool("allow", decision.Allow),
	)
	g.metrics.IncEvaluation(decision.Tier.String(), string(decision.Reason))
	telemetry.Logger.Info("Gate decision",
		zap.String("subject_id", subjectID),
		zap.String("pending_action_id", pendingActionID),
		zap.Stringer("tier", decision.Tier),
		zap.String("reason", string(decision.Reason)),
		zap.Bool("allow", decision.Allow),
	)
	return decision, nil
}

func (g *Gate) evaluate(ctx context.Context, subjectID, pendingActionID string) (*models.GateDecision, error) {
	if subjectID == "" || pendingActionID == "" {
		return nil, models.NewError(models.KindInvalidRequest, "subject id and pending action id are required", nil)
	}
	now := g.clock.Now()

	existing, err := g.currentSession(ctx, pendingActionID, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if d := decisionForExisting(existing); d != nil {
			return d, nil
		}
	}

	reason := models.ReasonStepUpRequired
	var tier models.RiskTier

	signal, err := g.fetchSignal(ctx, subjectID)
	// The provider may stamp a change that happened during the fetch.
	now = g.clock.Now()
	switch {
	case err == nil:
		tier, err = g.classifier.Classify(signal, now)
		if err != nil {
			return nil, err
		}
	case g.failSafe && errors.Is(err, models.ErrSignalUnavailable):
		telemetry.Logger.Warn("Signal unavailable, applying fail-safe tier",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
		tier = models.TierHigh
		reason = models.ReasonSignalUnavailableFailSafe
	default:
		return nil, err
	}

	req := g.policy.RequirementFor(tier)
	if !req.RequiresStepUp() {
		return &models.GateDecision{Allow: true, Reason: models.ReasonNoStepUpRequired, Tier: tier}, nil
	}

	session, created, err := g.store.GetOrCreate(ctx, pendingActionID, func() (*models.VerificationSession, error) {
		return models.NewVerificationSession(g.newID(), subjectID, pendingActionID, tier, req, now, g.sessionTTL), nil
	})
	if err != nil {
		return nil, fmt.Errorf("create verification session: %w", err)
	}

	if !created {
		// Lost a race with a concurrent evaluation of the same action.
		if d := decisionForExisting(session); d != nil {
			return d, nil
		}
		return nil, models.NewError(models.KindSessionTerminated,
			fmt.Sprintf("session %s for action %s is %s", session.SessionID, pendingActionID, session.State), nil)
	}

	g.emit(ctx, models.EventSessionCreated, session, now)
	return &models.GateDecision{Allow: false, RequiredSession: session, Reason: reason, Tier: tier}, nil
}

// decisionForExisting returns the decision implied by a stored session, or
// nil when the session is terminal without success and must be replaced.
func decisionForExisting(s *models.VerificationSession) *models.GateDecision {
	switch s.State {
	case models.SessionPending:
		return &models.GateDecision{Allow: false, RequiredSession: s, Reason: models.ReasonStepUpRequired, Tier: s.Tier}
	case models.SessionSatisfied:
		return &models.GateDecision{Allow: true, RequiredSession: s, Reason: models.ReasonStepUpSatisfied, Tier: s.Tier}
	}
	return nil
}

// currentSession loads the stored session for an action, expiring it first
// when its deadline has passed. A missing session yields nil, nil.
func (g *Gate) currentSession(ctx context.Context, pendingActionID string, now time.Time) (*models.VerificationSession, error) {
	session, err := g.store.Get(ctx, pendingActionID)
	if errors.Is(err, models.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load verification session: %w", err)
	}
	if session.State != models.SessionPending || !now.After(session.ExpiresAt) {
		return session, nil
	}

	var expired bool
	session, err = g.store.Update(ctx, pendingActionID, func(s *models.VerificationSession) error {
		expired = s.ExpireIfStale(now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expire verification session: %w", err)
	}
	if expired {
		g.emit(ctx, models.EventSessionExpired, session, now)
	}
	return session, nil
}

// fetchSignal queries the provider once per subject at a time. The fetch
// runs to completion or times out; caller cancellation does not abort it.
func (g *Gate) fetchSignal(ctx context.Context, subjectID string) (models.RiskSignal, error) {
	fetchCtx := context.WithoutCancel(ctx)
	start := time.Now()

	ch := g.fetches.DoChan(subjectID, func() (any, error) {
		fctx, cancel := context.WithTimeout(fetchCtx, g.signalTimeout)
		defer cancel()
		return g.provider.GetSignal(fctx, subjectID)
	})

	timer := time.NewTimer(g.signalTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			g.metrics.ObserveSignalLatency("error", time.Since(start))
			if errors.Is(res.Err, models.ErrInvalidSignal) {
				return models.RiskSignal{}, res.Err
			}
			return models.RiskSignal{}, models.NewError(models.KindSignalUnavailable,
				fmt.Sprintf("fetch signal for %s", subjectID), res.Err)
		}
		g.metrics.ObserveSignalLatency("ok", time.Since(start))
		signal := res.Val.(models.RiskSignal)
		if signal.SubjectID == "" {
			signal.SubjectID = subjectID
		}
		return signal, nil
	case <-timer.C:
		g.metrics.ObserveSignalLatency("error", time.Since(start))
		return models.RiskSignal{}, models.NewError(models.KindSignalUnavailable,
			fmt.Sprintf("fetch signal for %s: timed out after %s", subjectID, g.signalTimeout), context.DeadlineExceeded)
	}
}

// RecordAttempt applies one verification outcome to the session of a
// pending action. Calls for the same action are serialized by the store.
// The returned session reflects the stored state even when err is non-nil.
func (g *Gate) RecordAttempt(ctx context.Context, pendingActionID string, method models.VerificationMethod, success bool) (*models.VerificationSession, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "Gate.RecordAttempt", trace.WithAttributes(
		telemetry.AttrPendingActionID.String(pendingActionID),
		attribute.String("method", string(method)),
	))
	defer span.End()

	now := g.clock.Now()
	var before models.SessionState

	session, err := g.store.Update(ctx, pendingActionID, func(s *models.VerificationSession) error {
		before = s.State
		return s.RecordAttempt(method, success, now)
	})
	if session != nil && before == models.SessionPending {
		if evt, ok := models.TerminalEvent(session.State); ok {
			g.emit(ctx, evt, session, now)
		}
	}

	if err != nil {
		g.metrics.IncAttempt(string(method), "rejected")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.Logger.Warn("Verification attempt rejected",
			zap.String("pending_action_id", pendingActionID),
			zap.String("method", string(method)),
			zap.Error(err),
		)
		return session, err
	}

	outcome := "failure"
	if success {
		outcome = "success"
	}
	g.metrics.IncAttempt(string(method), outcome)
	telemetry.Logger.Info("Verification attempt recorded",
		zap.String("pending_action_id", pendingActionID),
		zap.String("session_id", session.SessionID),
		zap.String("method", string(method)),
		zap.Bool("success", success),
		zap.String("state", string(session.State)),
	)
	return session, nil
}

// Session returns the current session of a pending action with expiry applied.
func (g *Gate) Session(ctx context.Context, pendingActionID string) (*models.VerificationSession, error) {
	session, err := g.currentSession(ctx, pendingActionID, g.clock.Now())
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, models.NewError(models.KindSessionNotFound, fmt.Sprintf("no session for action %s", pendingActionID), nil)
	}
	return session, nil
}

func (g *Gate) emit(ctx context.Context, t models.SessionEventType, s *models.VerificationSession, at time.Time) {
	g.metrics.IncTransition(string(s.State))
	telemetry.Logger.Info("Verification session transition",
		zap.String("event", string(t)),
		zap.String("session_id", s.SessionID),
		zap.String("pending_action_id", s.PendingActionID),
		zap.String("state", string(s.State)),
	)
	if g.publisher == nil {
		return
	}
	if err := g.publisher.Publish(ctx, models.EventFor(t, s, at)); err != nil {
		telemetry.Logger.Error("Failed to publish session event",
			zap.String("session_id", s.SessionID),
			zap.String("event", string(t)),
			zap.Error(err),
		)
	}
}
