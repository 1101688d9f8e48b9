package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/msingigym/backend/internal/payment"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const selectTransactionColumns = `
	id, checkout_request_id, merchant_request_id, subject_id, phone, amount,
	state, receipt_reference, paid_amount, failure_reason, poll_attempts,
	side_effects_dispatched, created_at, resolved_at
`

// scanTransaction reads a transaction row in selectTransactionColumns order.
func scanTransaction(s scanner) (*payment.Transaction, error) {
	var tx payment.Transaction

	var (
		checkoutID, merchantID sql.NullString
		receipt, reason        sql.NullString
		paidAmount             sql.NullInt64
		stateStr               string
	)

	if err := s.Scan(
		&tx.ID, &checkoutID, &merchantID, &tx.SubjectID, &tx.Phone, &tx.Amount,
		&stateStr, &receipt, &paidAmount, &reason, &tx.PollAttempts,
		&tx.SideEffectsDispatched, &tx.CreatedAt, &tx.ResolvedAt,
	); err != nil {
		return nil, err
	}

	tx.CheckoutRequestID = checkoutID.String
	tx.MerchantRequestID = merchantID.String
	tx.State = payment.State(stateStr)
	tx.ReceiptReference = receipt.String
	tx.PaidAmount = paidAmount.Int64
	tx.FailureReason = reason.String

	return &tx, nil
}

// nullable maps empty strings to SQL NULL so the partial unique index on
// checkout_request_id ignores failed initiations that never got an id.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) CreateTransaction(ctx context.Context, tx *payment.Transaction) error {
	query := `
		INSERT INTO payment_transactions
			(checkout_request_id, merchant_request_id, subject_id, phone, amount, state, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		nullable(tx.CheckoutRequestID),
		nullable(tx.MerchantRequestID),
		tx.SubjectID,
		tx.Phone,
		tx.Amount,
		tx.State,
		nullable(tx.FailureReason),
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return payment.ErrDuplicate
		}

		return fmt.Errorf("creating transaction: %w", err)
	}

	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*payment.Transaction, error) {
	query := `SELECT ` + selectTransactionColumns + `
		FROM payment_transactions
		WHERE id = $1`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payment.ErrNotFound
		}

		return nil, fmt.Errorf("getting transaction: %w", err)
	}

	return tx, nil
}

func (s *Store) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*payment.Transaction, error) {
	query := `SELECT ` + selectTransactionColumns + `
		FROM payment_transactions
		WHERE checkout_request_id = $1`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, checkoutRequestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payment.ErrNotFound
		}

		return nil, fmt.Errorf("finding transaction by checkout request id: %w", err)
	}

	return tx, nil
}

// FindLatestByPhone returns the most recent transaction for a payer. It is
// the correlation fallback for callbacks that do not echo a usable checkout
// request id.
func (s *Store) FindLatestByPhone(ctx context.Context, phone string) (*payment.Transaction, error) {
	query := `SELECT ` + selectTransactionColumns + `
		FROM payment_transactions
		WHERE phone = $1
		ORDER BY created_at DESC
		LIMIT 1`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, payment.ErrNotFound
		}

		return nil, fmt.Errorf("finding transaction by phone: %w", err)
	}

	return tx, nil
}

func (s *Store) ListAwaiting(ctx context.Context, olderThan time.Time) ([]*payment.Transaction, error) {
	query := `SELECT ` + selectTransactionColumns + `
		FROM payment_transactions
		WHERE state = $1 AND created_at <= $2
		ORDER BY created_at ASC`

	return s.list(ctx, query, payment.StateAwaitingConfirmation, olderThan)
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]*payment.Transaction, error) {
	query := `SELECT ` + selectTransactionColumns + `
		FROM payment_transactions
		ORDER BY created_at DESC
		LIMIT $1`

	return s.list(ctx, query, limit)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*payment.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []*payment.Transaction

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}

		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}

	return txs, nil
}

// CompareAndTransition is the single-row conditional update both resolution
// paths race on. The WHERE clause checks the expected state, so whichever
// caller commits first wins and the other sees zero rows affected.
func (s *Store) CompareAndTransition(ctx context.Context, id uuid.UUID, from, to payment.State, res payment.Resolution) (bool, error) {
	query := `
		UPDATE payment_transactions
		SET state = $1,
		    receipt_reference = $2,
		    paid_amount = NULLIF($3, 0),
		    failure_reason = $4,
		    resolved_at = NOW()
		WHERE id = $5 AND state = $6
	`

	result, err := s.db.ExecContext(ctx, query,
		to,
		nullable(res.ReceiptReference),
		res.PaidAmount,
		nullable(res.FailureReason),
		id,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning transaction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}

	return affected == 1, nil
}

// MarkSideEffectsDispatched flips the dispatched flag at most once, and only
// for confirmed transactions.
func (s *Store) MarkSideEffectsDispatched(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE payment_transactions
		SET side_effects_dispatched = TRUE
		WHERE id = $1 AND state = $2 AND side_effects_dispatched = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, id, payment.StateConfirmed)
	if err != nil {
		return false, fmt.Errorf("marking side effects dispatched: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}

	return affected == 1, nil
}

func (s *Store) IncrementPollAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE payment_transactions
		SET poll_attempts = poll_attempts + 1
		WHERE id = $1
		RETURNING poll_attempts
	`

	var attempts int
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, payment.ErrNotFound
		}

		return 0, fmt.Errorf("incrementing poll attempts: %w", err)
	}

	return attempts, nil
}
