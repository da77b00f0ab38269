package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/unionpay/riskgate/internal/models"
)

const (
	SessionTopic  = "verification.session.changed"
	DecisionTopic = "payment.risk.decided"
)

// MessageWriter is the part of *kafka.Writer the publishers need.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher publishes session events keyed by pending action id so
// all events for one action land on the same partition in order. The
// writer must not have a fixed topic; each message names its own.
type KafkaPublisher struct {
	writer        MessageWriter
	sessionTopic  string
	decisionTopic string
}

func NewKafkaPublisher(writer MessageWriter, sessionTopic, decisionTopic string) *KafkaPublisher {
	if sessionTopic == "" {
		sessionTopic = SessionTopic
	}
	if decisionTopic == "" {
		decisionTopic = DecisionTopic
	}
	return &KafkaPublisher{writer: writer, sessionTopic: sessionTopic, decisionTopic: decisionTopic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.SessionEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.sessionTopic,
		Key:   []byte(event.PendingActionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
}

// PublishDecision reports a payment's gate outcome back to the payment workflow.
func (p *KafkaPublisher) PublishDecision(ctx context.Context, decision models.PaymentRiskDecision) error {
	value, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode payment decision: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.decisionTopic,
		Key:   []byte(decision.PaymentID),
		Value: value,
	})
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.SessionEvent) error { return nil }

func (NopPublisher) PublishDecision(context.Context, models.PaymentRiskDecision) error { return nil }
