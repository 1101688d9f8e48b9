package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a payment transaction.
type State string

const (
	StateInitiated            State = "initiated"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StateFailed               State = "failed"
	StateAbandoned            State = "abandoned"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateAbandoned:
		return true
	}

	return false
}

// Transaction records one M-Pesa payment request from initiation to its
// terminal outcome. Rows are never deleted; they are the audit trail.
type Transaction struct {
	ID                    uuid.UUID
	CheckoutRequestID     string // gateway-assigned id, empty if initiation failed
	MerchantRequestID     string
	SubjectID             uuid.UUID // the member being paid for
	Phone                 string
	Amount                int64 // requested amount in whole shillings
	State                 State
	ReceiptReference      string // set iff State == StateConfirmed
	PaidAmount            int64  // amount reported back by the gateway
	FailureReason         string
	PollAttempts          int
	SideEffectsDispatched bool
	CreatedAt             time.Time
	ResolvedAt            *time.Time
}

// Outcome is the gateway's verdict on a payment, as reported by a status
// query or a callback.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// InitiateResult is what the gateway returns for an accepted push request.
type InitiateResult struct {
	CheckoutRequestID string
	MerchantRequestID string
}

// StatusResult is the gateway's answer to a status query.
type StatusResult struct {
	Outcome          Outcome
	ReceiptReference string
	Amount           int64
	Phone            string
	Detail           string
}

// Callback is a parsed gateway callback. Outcome is never OutcomePending:
// the gateway only calls back once it has a verdict.
type Callback struct {
	CheckoutRequestID string
	MerchantRequestID string
	Outcome           Outcome
	ReceiptReference  string
	Amount            int64
	Phone             string
	PaidAt            time.Time
	Detail            string
}

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrDuplicate         = errors.New("transaction already exists for checkout request")
	ErrMalformedCallback = errors.New("malformed gateway callback")
)

// GatewayError is a failure reported by, or while reaching, the payment
// gateway. Retryable errors (timeouts, 5xx, connection failures) may resolve
// on a later attempt; non-retryable ones are definitive rejections.
type GatewayError struct {
	Code      string
	Desc      string
	Retryable bool
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Desc)
	}

	return fmt.Sprintf("gateway error: %s", e.Desc)
}
