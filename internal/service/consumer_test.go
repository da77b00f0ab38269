package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unionpay/riskgate/internal/models"
)

type fakeReader struct {
	mu         sync.Mutex
	messages   chan kafka.Message
	committed  []kafka.Message
	fetchErrs  int // failing fetches left; negative fails forever
	fetchCalls int
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	r.fetchCalls++
	if r.fetchErrs != 0 {
		if r.fetchErrs > 0 {
			r.fetchErrs--
		}
		r.mu.Unlock()
		return kafka.Message{}, errors.New("broker unreachable")
	}
	r.mu.Unlock()

	select {
	case m := <-r.messages:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		out = append(out, m.Offset)
	}
	return out
}

func (r *fakeReader) fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchCalls
}

type stubEvaluator struct {
	decision *models.GateDecision
	err      error
	calls    []string
}

func (e *stubEvaluator) Evaluate(_ context.Context, subjectID, actionID string) (*models.GateDecision, error) {
	e.calls = append(e.calls, subjectID+"/"+actionID)
	return e.decision, e.err
}

type recordingPublisher struct {
	mu        sync.Mutex
	decisions []models.PaymentRiskDecision
	// failures is how many more times publishing a payment fails.
	failures map[string]int
}

func (p *recordingPublisher) PublishDecision(_ context.Context, d models.PaymentRiskDecision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[d.PaymentID] > 0 {
		p.failures[d.PaymentID]--
		return errors.New("broker down")
	}
	p.decisions = append(p.decisions, d)
	return nil
}

func (p *recordingPublisher) published() []models.PaymentRiskDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PaymentRiskDecision(nil), p.decisions...)
}

func paymentMessage(t *testing.T, offset int64, event models.PaymentEvent) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Topic: PaymentCreatedTopic, Offset: offset, Key: []byte(event.PaymentID), Value: raw}
}

func newTestConsumer(reader MessageReader, gate Evaluator, pub DecisionPublisher, clock *fakeClock) *PaymentConsumer {
	c := NewPaymentConsumer(reader, gate, pub, clock)
	c.retryMin = time.Millisecond
	c.retryMax = 5 * time.Millisecond
	return c
}

func TestPaymentConsumer_Handle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	event := &models.PaymentEvent{PaymentID: "pay-1", Amount: 1500, Currency: "KES", PhoneNumber: subject}

	t.Run("step-up decision carries the session", func(t *testing.T) {
		session := models.NewVerificationSession("sess-1", subject, "pay-1", models.TierHigh,
			DefaultPolicy().RequirementFor(models.TierHigh), clock.Now(), DefaultSessionTTL)
		gate := &stubEvaluator{decision: &models.GateDecision{
			RequiredSession: session, Reason: models.ReasonStepUpRequired, Tier: models.TierHigh,
		}}
		pub := &recordingPublisher{}

		require.NoError(t, NewPaymentConsumer(nil, gate, pub, clock).Handle(context.Background(), event))

		assert.Equal(t, []string{subject + "/pay-1"}, gate.calls)
		got := pub.published()
		require.Len(t, got, 1)
		assert.False(t, got[0].Allow)
		assert.Equal(t, "sess-1", got[0].SessionID)
		assert.Equal(t, models.TierHigh, got[0].Tier)
		require.NotNil(t, got[0].ExpiresAt)
		assert.Equal(t, session.ExpiresAt, *got[0].ExpiresAt)
	})

	t.Run("gate error becomes a denial", func(t *testing.T) {
		gate := &stubEvaluator{err: models.NewError(models.KindSignalUnavailable, "fetch signal", nil)}
		pub := &recordingPublisher{}

		require.NoError(t, NewPaymentConsumer(nil, gate, pub, clock).Handle(context.Background(), event))

		got := pub.published()
		require.Len(t, got, 1)
		assert.False(t, got[0].Allow)
		assert.Equal(t, models.KindSignalUnavailable, got[0].Error)
		assert.Equal(t, clock.Now(), got[0].DecidedAt)
	})

	t.Run("untyped error is reported as internal", func(t *testing.T) {
		gate := &stubEvaluator{err: errors.New("boom")}
		pub := &recordingPublisher{}

		require.NoError(t, NewPaymentConsumer(nil, gate, pub, clock).Handle(context.Background(), event))
		assert.Equal(t, models.ErrorKind("internal"), pub.published()[0].Error)
	})
}

func TestPaymentConsumer_Run(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	allow := &models.GateDecision{Allow: true, Reason: models.ReasonNoStepUpRequired}

	t.Run("commits decoded and undecodable messages", func(t *testing.T) {
		good := paymentMessage(t, 2, models.PaymentEvent{PaymentID: "pay-1", PhoneNumber: subject})
		bad := kafka.Message{Topic: PaymentCreatedTopic, Offset: 1, Value: []byte("{not json")}
		reader := newFakeReader(bad, good)
		pub := &recordingPublisher{}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- newTestConsumer(reader, &stubEvaluator{decision: allow}, pub, clock).Run(ctx) }()

		require.Eventually(t, func() bool { return reader.commits() == 2 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)

		got := pub.published()
		require.Len(t, got, 1)
		assert.True(t, got[0].Allow)
		assert.Equal(t, "pay-1", got[0].PaymentID)
	})

	t.Run("failed publish is retried before the next message", func(t *testing.T) {
		reader := newFakeReader(
			paymentMessage(t, 10, models.PaymentEvent{PaymentID: "pay-1", PhoneNumber: subject}),
			paymentMessage(t, 11, models.PaymentEvent{PaymentID: "pay-2", PhoneNumber: subject}),
		)
		pub := &recordingPublisher{failures: map[string]int{"pay-1": 2}}
		gate := &stubEvaluator{decision: allow}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- newTestConsumer(reader, gate, pub, clock).Run(ctx) }()

		require.Eventually(t, func() bool { return reader.commits() == 2 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)

		var ids []string
		for _, d := range pub.published() {
			ids = append(ids, d.PaymentID)
		}
		assert.Equal(t, []string{"pay-1", "pay-2"}, ids)
		assert.Equal(t, []int64{10, 11}, reader.committedOffsets())
		assert.Equal(t, []string{subject + "/pay-1", subject + "/pay-1", subject + "/pay-1", subject + "/pay-2"}, gate.calls)
	})

	t.Run("cancellation while retrying leaves the message uncommitted", func(t *testing.T) {
		reader := newFakeReader(paymentMessage(t, 5, models.PaymentEvent{PaymentID: "pay-1", PhoneNumber: subject}))
		pub := &recordingPublisher{failures: map[string]int{"pay-1": 1 << 30}}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.NoError(t, newTestConsumer(reader, &stubEvaluator{decision: allow}, pub, clock).Run(ctx))
		assert.Equal(t, 0, reader.commits())
		assert.Empty(t, pub.published())
	})

	t.Run("fetch errors back off", func(t *testing.T) {
		reader := newFakeReader()
		reader.fetchErrs = -1
		c := NewPaymentConsumer(reader, &stubEvaluator{decision: allow}, &recordingPublisher{}, clock)
		c.retryMin = 20 * time.Millisecond
		c.retryMax = time.Second

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		require.NoError(t, c.Run(ctx))
		assert.LessOrEqual(t, reader.fetches(), 4)
	})

	t.Run("recovers after fetch errors", func(t *testing.T) {
		reader := newFakeReader(paymentMessage(t, 1, models.PaymentEvent{PaymentID: "pay-1", PhoneNumber: subject}))
		reader.fetchErrs = 3
		pub := &recordingPublisher{}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- newTestConsumer(reader, &stubEvaluator{decision: allow}, pub, clock).Run(ctx) }()

		require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		assert.Len(t, pub.published(), 1)
	})
}
