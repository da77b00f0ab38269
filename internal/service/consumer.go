package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/unionpay/riskgate/internal/interfaces"
	"github.com/unionpay/riskgate/internal/models"
	"github.com/unionpay/riskgate/internal/telemetry"
)

const PaymentCreatedTopic = "payment.created"

const (
	defaultRetryMin = 200 * time.Millisecond
	defaultRetryMax = 10 * time.Second
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, subjectID, pendingActionID string) (*models.GateDecision, error)
}

type DecisionPublisher interface {
	PublishDecision(ctx context.Context, decision models.PaymentRiskDecision) error
}

// PaymentConsumer runs every payment.created event through the gate and
// publishes the outcome for the payment workflow.
type PaymentConsumer struct {
	reader    MessageReader
	gate      Evaluator
	publisher DecisionPublisher
	clock     interfaces.Clock

	retryMin time.Duration
	retryMax time.Duration
}

func NewPaymentConsumer(reader MessageReader, gate Evaluator, publisher DecisionPublisher, clock interfaces.Clock) *PaymentConsumer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PaymentConsumer{
		reader:    reader,
		gate:      gate,
		publisher: publisher,
		clock:     clock,
		retryMin:  defaultRetryMin,
		retryMax:  defaultRetryMax,
	}
}

// Run consumes until ctx is cancelled. A message is committed once its
// decision has been published, or when it cannot be decoded. A message whose
// decision cannot be published is retried with backoff and the next one is
// not fetched until it succeeds, so a commit never skips an undecided offset.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	telemetry.Logger.Info("Started consuming payment.created events")

	fetchBackoff := c.retryMin
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			telemetry.Logger.Error("Error reading message from Kafka",
				zap.Duration("retry_in", fetchBackoff),
				zap.Error(err),
			)
			if !sleep(ctx, fetchBackoff) {
				return nil
			}
			fetchBackoff = c.nextBackoff(fetchBackoff)
			continue
		}
		fetchBackoff = c.retryMin

		var event models.PaymentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			telemetry.Logger.Error("Error unmarshaling event",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			c.commit(ctx, msg)
			continue
		}

		if !c.handleUntilPublished(ctx, &event, msg.Offset) {
			return nil
		}
		c.commit(ctx, msg)
	}
}

// handleUntilPublished retries Handle for one event until the decision is
// published. It reports false when ctx was cancelled first.
func (c *PaymentConsumer) handleUntilPublished(ctx context.Context, event *models.PaymentEvent, offset int64) bool {
	backoff := c.retryMin
	for {
		err := c.Handle(ctx, event)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		telemetry.Logger.Error("Error publishing payment decision",
			zap.String("payment_id", event.PaymentID),
			zap.Int64("offset", offset),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = c.nextBackoff(backoff)
	}
}

func (c *PaymentConsumer) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > c.retryMax {
		return c.retryMax
	}
	return d
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Handle evaluates one payment. A gate failure is published as a denial
// carrying the error kind; it is never turned into an allow.
func (c *PaymentConsumer) Handle(ctx context.Context, event *models.PaymentEvent) error {
	telemetry.Logger.Info("Processing payment",
		zap.String("payment_id", event.PaymentID),
		zap.Float64("amount", event.Amount),
	)

	now := c.clock.Now()
	decision, err := c.gate.Evaluate(ctx, event.PhoneNumber, event.PaymentID)

	var out models.PaymentRiskDecision
	if err != nil {
		kind := models.KindOf(err)
		if kind == "" {
			kind = "internal"
		}
		out = models.PaymentRiskDecision{PaymentID: event.PaymentID, Allow: false, Error: kind, DecidedAt: now}
		telemetry.Logger.Warn("Payment gate evaluation failed",
			zap.String("payment_id", event.PaymentID),
			zap.Error(err),
		)
	} else {
		out = models.NewPaymentRiskDecision(event.PaymentID, decision, now)
	}

	return c.publisher.PublishDecision(ctx, out)
}

func (c *PaymentConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		telemetry.Logger.Error("Error committing message", zap.Error(err))
	}
}
