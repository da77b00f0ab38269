package models

import "time"

// PaymentEvent is the payment.created message emitted by the payment
// workflow. The payment is the pending action and the customer's phone
// number is the subject whose risk signal is checked.
type PaymentEvent struct {
	PaymentID   string    `json:"payment_id"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	MemberID    string    `json:"member_id"`
	PhoneNumber string    `json:"phone_number"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// PaymentRiskDecision is published back to the payment workflow after the
// gate evaluated a payment.
type PaymentRiskDecision struct {
	PaymentID string     `json:"payment_id"`
	Allow     bool       `json:"allow"`
	Reason    ReasonCode `json:"reason,omitempty"`
	Tier      RiskTier   `json:"tier"`
	SessionID string     `json:"session_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     ErrorKind  `json:"error,omitempty"`
	DecidedAt time.Time  `json:"decided_at"`
}

func NewPaymentRiskDecision(paymentID string, d *GateDecision, at time.Time) PaymentRiskDecision {
	out := PaymentRiskDecision{
		PaymentID: paymentID,
		Allow:     d.Allow,
		Reason:    d.Reason,
		Tier:      d.Tier,
		DecidedAt: at,
	}
	if d.RequiredSession != nil {
		out.SessionID = d.RequiredSession.SessionID
		expires := d.RequiredSession.ExpiresAt
		out.ExpiresAt = &expires
	}
	return out
}
