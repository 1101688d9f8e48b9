package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

//go:generate mockgen -source=service.go -destination=service_mock.go -package=payment
type Repository interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Transaction, error)
	FindLatestByPhone(ctx context.Context, phone string) (*Transaction, error)
	ListAwaiting(ctx context.Context, olderThan time.Time) ([]*Transaction, error)
	ListRecent(ctx context.Context, limit int) ([]*Transaction, error)

	// CompareAndTransition atomically moves the transaction from the expected
	// state to the new one, returning false if the persisted state no longer
	// matches. Both the callback path and the poller funnel through this; the
	// loser of the race gets false and must treat it as a no-op.
	CompareAndTransition(ctx context.Context, id uuid.UUID, from, to State, res Resolution) (bool, error)

	// MarkSideEffectsDispatched is a compare-and-set on the dispatched flag.
	// It only succeeds for confirmed transactions whose flag is still unset.
	MarkSideEffectsDispatched(ctx context.Context, id uuid.UUID) (bool, error)

	IncrementPollAttempts(ctx context.Context, id uuid.UUID) (int, error)
}

// Gateway abstracts the payment provider. Implementations own their network
// timeouts; transport failures surface as *GatewayError with Retryable set.
type Gateway interface {
	Initiate(ctx context.Context, phone string, amount int64, accountRef, description string) (*InitiateResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error)
	ParseCallback(raw []byte) (*Callback, error)
}

// Dispatcher runs the downstream side effects of a confirmed payment. The
// service guarantees at most one Dispatch call per transaction.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx *Transaction)
}

// Resolution carries the fields written together with a terminal transition.
type Resolution struct {
	ReceiptReference string
	PaidAmount       int64
	FailureReason    string
}

type Service struct {
	repo            Repository
	gateway         Gateway
	dispatcher      Dispatcher
	maxPollAttempts int
	log             *slog.Logger
}

func NewService(repo Repository, gateway Gateway, dispatcher Dispatcher, maxPollAttempts int, log *slog.Logger) *Service {
	return &Service{
		repo:            repo,
		gateway:         gateway,
		dispatcher:      dispatcher,
		maxPollAttempts: maxPollAttempts,
		log:             log,
	}
}

type InitiateParams struct {
	SubjectID   uuid.UUID
	Phone       string
	Amount      int64
	AccountRef  string
	Description string
}

// Initiate asks the gateway to push a payment prompt to the payer and records
// the transaction. A gateway rejection is still recorded, in StateFailed, so
// every initiation attempt leaves an audit row.
func (s *Service) Initiate(ctx context.Context, params InitiateParams) (*Transaction, error) {
	if params.Amount <= 0 {
		return nil, fmt.Errorf("initiate: amount must be positive, got %d", params.Amount)
	}

	tx := &Transaction{
		SubjectID: params.SubjectID,
		Phone:     params.Phone,
		Amount:    params.Amount,
	}

	res, err := s.gateway.Initiate(ctx, params.Phone, params.Amount, params.AccountRef, params.Description)
	if err != nil {
		tx.State = StateFailed
		tx.FailureReason = err.Error()

		if createErr := s.repo.CreateTransaction(ctx, tx); createErr != nil {
			s.log.Error("recording failed initiation", "error", createErr, "subject_id", params.SubjectID)
		}

		return nil, fmt.Errorf("initiating payment: %w", err)
	}

	tx.State = StateAwaitingConfirmation
	tx.CheckoutRequestID = res.CheckoutRequestID
	tx.MerchantRequestID = res.MerchantRequestID

	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Retried initiation that already went through.
			return s.repo.FindByCheckoutRequestID(ctx, res.CheckoutRequestID)
		}

		return nil, fmt.Errorf("recording transaction: %w", err)
	}

	s.log.Info("payment initiated",
		"transaction_id", tx.ID,
		"checkout_request_id", tx.CheckoutRequestID,
		"amount", tx.Amount)

	return tx, nil
}

// CallbackAck is returned for every callback delivery, including malformed
// and unmatched ones. The transport layer acknowledges the gateway with a
// success response regardless, to stop retry storms.
type CallbackAck struct {
	TransactionID uuid.UUID
	State         State
	Applied       bool
}

// ResolveFromCallback processes a raw gateway callback. It is idempotent:
// replays and races with the poller resolve to the same terminal state and at
// most one side-effect dispatch.
func (s *Service) ResolveFromCallback(ctx context.Context, raw []byte) (*CallbackAck, error) {
	cb, err := s.gateway.ParseCallback(raw)
	if err != nil {
		// A structurally broken payload will not improve on retry. Log it for
		// manual inspection and acknowledge.
		s.log.Error("malformed gateway callback", "error", err)
		return &CallbackAck{}, nil
	}

	tx, err := s.correlate(ctx, cb)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("callback matched no transaction",
				"checkout_request_id", cb.CheckoutRequestID,
				"phone", cb.Phone)

			return &CallbackAck{}, nil
		}

		return nil, fmt.Errorf("correlating callback: %w", err)
	}

	if tx.State.Terminal() {
		// Gateway replay after we already resolved. Acknowledge, no change.
		return &CallbackAck{TransactionID: tx.ID, State: tx.State}, nil
	}

	state, applied, err := s.applyOutcome(ctx, tx, cb.Outcome, Resolution{
		ReceiptReference: cb.ReceiptReference,
		PaidAmount:       cb.Amount,
		FailureReason:    cb.Detail,
	})
	if err != nil {
		return nil, err
	}

	return &CallbackAck{TransactionID: tx.ID, State: state, Applied: applied}, nil
}

// correlate finds the transaction a callback refers to, primarily by the
// gateway's checkout request id, falling back to the payer's phone when the
// id is absent or unknown.
func (s *Service) correlate(ctx context.Context, cb *Callback) (*Transaction, error) {
	if cb.CheckoutRequestID != "" {
		tx, err := s.repo.FindByCheckoutRequestID(ctx, cb.CheckoutRequestID)
		if err == nil {
			return tx, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if cb.Phone == "" {
		return nil, ErrNotFound
	}

	return s.repo.FindLatestByPhone(ctx, cb.Phone)
}

// ResolveFromPoll queries the gateway for a transaction still awaiting
// confirmation and applies the result. Callers get the resulting state back
// so a polling loop knows when to stop.
func (s *Service) ResolveFromPoll(ctx context.Context, id uuid.UUID) (State, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return "", fmt.Errorf("loading transaction: %w", err)
	}

	if tx.State != StateAwaitingConfirmation {
		return tx.State, nil
	}

	res, err := s.gateway.QueryStatus(ctx, tx.CheckoutRequestID)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Retryable {
			// Gateway unreachable is indistinguishable from "no verdict yet";
			// count the attempt and try again next tick.
			s.log.Warn("status query failed, treating as pending",
				"transaction_id", id, "error", err)

			return s.recordPendingPoll(ctx, tx)
		}

		return "", fmt.Errorf("querying payment status: %w", err)
	}

	if res.Outcome == OutcomePending {
		return s.recordPendingPoll(ctx, tx)
	}

	state, _, err := s.applyOutcome(ctx, tx, res.Outcome, Resolution{
		ReceiptReference: res.ReceiptReference,
		PaidAmount:       res.Amount,
		FailureReason:    res.Detail,
	})
	if err != nil {
		return "", err
	}

	return state, nil
}

func (s *Service) recordPendingPoll(ctx context.Context, tx *Transaction) (State, error) {
	attempts, err := s.repo.IncrementPollAttempts(ctx, tx.ID)
	if err != nil {
		return "", fmt.Errorf("counting poll attempt: %w", err)
	}

	if attempts < s.maxPollAttempts {
		return StateAwaitingConfirmation, nil
	}

	ok, err := s.repo.CompareAndTransition(ctx, tx.ID, StateAwaitingConfirmation, StateAbandoned, Resolution{
		FailureReason: "poll attempts exhausted without a gateway verdict",
	})
	if err != nil {
		return "", fmt.Errorf("abandoning transaction: %w", err)
	}

	if !ok {
		// A callback slipped in between the query and the transition.
		return s.currentState(ctx, tx.ID)
	}

	s.log.Warn("payment abandoned after poll exhaustion",
		"transaction_id", tx.ID,
		"checkout_request_id", tx.CheckoutRequestID,
		"attempts", attempts)

	return StateAbandoned, nil
}

// applyOutcome performs the terminal transition for a success or failure
// verdict. Exactly one caller wins the compare-and-set; the loser reads the
// settled state and reports it without re-dispatching side effects.
func (s *Service) applyOutcome(ctx context.Context, tx *Transaction, outcome Outcome, res Resolution) (State, bool, error) {
	target := StateFailed
	if outcome == OutcomeSuccess {
		target = StateConfirmed

		if res.PaidAmount != 0 && res.PaidAmount != tx.Amount {
			s.log.Warn("confirmed amount differs from requested",
				"transaction_id", tx.ID,
				"requested", tx.Amount,
				"paid", res.PaidAmount)
		}
	} else {
		res.ReceiptReference = ""
	}

	ok, err := s.repo.CompareAndTransition(ctx, tx.ID, StateAwaitingConfirmation, target, res)
	if err != nil {
		return "", false, fmt.Errorf("transitioning transaction: %w", err)
	}

	if !ok {
		state, err := s.currentState(ctx, tx.ID)
		return state, false, err
	}

	s.log.Info("payment resolved",
		"transaction_id", tx.ID,
		"checkout_request_id", tx.CheckoutRequestID,
		"state", target,
		"receipt", res.ReceiptReference)

	if target == StateConfirmed {
		s.onConfirmed(ctx, tx, res)
	}

	return target, true, nil
}

// onConfirmed hands a freshly confirmed transaction to the side-effect
// dispatcher. The dispatched flag is a store-level compare-and-set, so even
// if both resolution paths somehow reach here, only one dispatch runs.
func (s *Service) onConfirmed(ctx context.Context, tx *Transaction, res Resolution) {
	ok, err := s.repo.MarkSideEffectsDispatched(ctx, tx.ID)
	if err != nil {
		s.log.Error("marking side effects dispatched", "error", err, "transaction_id", tx.ID)
		return
	}

	if !ok {
		return
	}

	confirmed := *tx
	confirmed.State = StateConfirmed
	confirmed.ReceiptReference = res.ReceiptReference
	confirmed.PaidAmount = res.PaidAmount
	confirmed.SideEffectsDispatched = true

	s.dispatcher.Dispatch(ctx, &confirmed)
}

func (s *Service) currentState(ctx context.Context, id uuid.UUID) (State, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return "", fmt.Errorf("re-reading transaction: %w", err)
	}

	return tx.State, nil
}

// Status looks a transaction up by its checkout request id, for the
// client-facing status-check endpoint.
func (s *Service) Status(ctx context.Context, checkoutRequestID string) (*Transaction, error) {
	return s.repo.FindByCheckoutRequestID(ctx, checkoutRequestID)
}

// PendingTransactions lists transactions still awaiting confirmation that
// were created before the cutoff, oldest first. The poll scheduler feeds on
// this.
func (s *Service) PendingTransactions(ctx context.Context, olderThan time.Time) ([]*Transaction, error) {
	return s.repo.ListAwaiting(ctx, olderThan)
}

// Recent returns the most recently created transactions, for admin stats.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Transaction, error) {
	return s.repo.ListRecent(ctx, limit)
}
