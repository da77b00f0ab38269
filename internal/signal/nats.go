package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/unionpay/riskgate/internal/models"
)

const DefaultSubject = "risk.signal.get"

// Requester is the part of *nats.Conn the provider needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type signalRequest struct {
	SubjectID string `json:"subject_id"`
}

type signalReply struct {
	SubjectID string     `json:"subject_id"`
	ChangedAt *time.Time `json:"changed_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// NATSProvider asks the SIM-swap signal service over NATS request/reply.
type NATSProvider struct {
	conn    Requester
	subject string
}

func NewNATSProvider(conn Requester, subject string) *NATSProvider {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSProvider{conn: conn, subject: subject}
}

func (p *NATSProvider) GetSignal(ctx context.Context, subjectID string) (models.RiskSignal, error) {
	payload, err := json.Marshal(signalRequest{SubjectID: subjectID})
	if err != nil {
		return models.RiskSignal{}, err
	}

	msg, err := p.conn.RequestWithContext(ctx, p.subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return models.RiskSignal{}, fmt.Errorf("no signal responders on %s: %w", p.subject, err)
		}
		return models.RiskSignal{}, fmt.Errorf("signal request on %s: %w", p.subject, err)
	}

	var reply signalReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return models.RiskSignal{}, fmt.Errorf("decode signal reply: %w", err)
	}
	if reply.Error != "" {
		return models.RiskSignal{}, fmt.Errorf("signal service: %s", reply.Error)
	}
	if reply.SubjectID == "" {
		reply.SubjectID = subjectID
	}
	return models.RiskSignal{SubjectID: reply.SubjectID, ChangedAt: reply.ChangedAt}, nil
}
