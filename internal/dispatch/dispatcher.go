// Package dispatch runs the downstream side effects of a confirmed payment:
// membership activation, access-control sync and payer notification. The
// payment service guarantees it is invoked at most once per transaction.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/msingigym/backend/internal/membership"
	"github.com/msingigym/backend/internal/payment"
)

//go:generate mockgen -source=dispatcher.go -destination=dispatcher_mock.go -package=dispatch
type Activator interface {
	Activate(ctx context.Context, id uuid.UUID, params membership.ActivationParams) (*membership.Member, error)
	RecordAccessRef(ctx context.Context, id uuid.UUID, ref string) error
}

type Provisioner interface {
	SyncMember(ctx context.Context, m *membership.Member) (string, error)
}

type Notifier interface {
	Send(ctx context.Context, phone, message string) error
}

const activationAttempts = 3

type Dispatcher struct {
	members  Activator
	access   Provisioner
	notifier Notifier
	backoff  time.Duration
	log      *slog.Logger
}

func New(members Activator, access Provisioner, notifier Notifier, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		members:  members,
		access:   access,
		notifier: notifier,
		backoff:  500 * time.Millisecond,
		log:      log,
	}
}

// Dispatch activates the membership, then runs access sync and notification
// concurrently. Activation comes first because the later steps read the
// post-activation expiry date. Failures are logged, never propagated: the
// payment already happened.
func (d *Dispatcher) Dispatch(ctx context.Context, tx *payment.Transaction) {
	m, err := d.activate(ctx, tx)
	if err != nil {
		// Access without activation is useless; leave this one to the
		// out-of-band reconciliation job.
		d.log.Error("membership activation failed after retries",
			"error", err,
			"transaction_id", tx.ID,
			"subject_id", tx.SubjectID)

		return
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.provision(gctx, m)
		return nil
	})

	g.Go(func() error {
		d.notify(gctx, tx, m)
		return nil
	})

	g.Wait()
}

func (d *Dispatcher) activate(ctx context.Context, tx *payment.Transaction) (*membership.Member, error) {
	params := membership.ActivationParams{
		Receipt: tx.ReceiptReference,
		Amount:  tx.Amount,
	}

	if tx.ResolvedAt != nil {
		params.PaidAt = *tx.ResolvedAt
	}

	var lastErr error

	for attempt := 1; attempt <= activationAttempts; attempt++ {
		m, err := d.members.Activate(ctx, tx.SubjectID, params)
		if err == nil {
			return m, nil
		}

		lastErr = err
		d.log.Warn("membership activation attempt failed",
			"error", err,
			"attempt", attempt,
			"subject_id", tx.SubjectID)

		if attempt < activationAttempts {
			select {
			case <-time.After(d.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, lastErr
}

func (d *Dispatcher) provision(ctx context.Context, m *membership.Member) {
	ref, err := d.access.SyncMember(ctx, m)
	if err != nil {
		d.log.Error("access provisioning failed",
			"error", err,
			"membership_id", m.MembershipID)

		return
	}

	if ref != "" && ref != m.AccessUserRef {
		if err := d.members.RecordAccessRef(ctx, m.ID, ref); err != nil {
			d.log.Error("recording access ref failed",
				"error", err,
				"membership_id", m.MembershipID)
		}
	}
}

func (d *Dispatcher) notify(ctx context.Context, tx *payment.Transaction, m *membership.Member) {
	until := "your next renewal"
	if m.MembershipEnd != nil {
		until = m.MembershipEnd.Format("02 Jan 2006")
	}

	msg := fmt.Sprintf("Payment received, receipt %s. Your membership %s is active until %s.",
		tx.ReceiptReference, m.MembershipID, until)

	if err := d.notifier.Send(ctx, tx.Phone, msg); err != nil {
		d.log.Error("payment confirmation sms failed",
			"error", err,
			"membership_id", m.MembershipID)
	}
}
