// Package poller drives the fallback resolution path: transactions whose
// callback never arrived are periodically checked against the gateway until
// they settle or run out of attempts. It is safe to run alongside callback
// delivery; the store's compare-and-set picks a single winner.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/msingigym/backend/internal/payment"
)

type Service interface {
	PendingTransactions(ctx context.Context, olderThan time.Time) ([]*payment.Transaction, error)
	ResolveFromPoll(ctx context.Context, id uuid.UUID) (payment.State, error)
}

type Poller struct {
	svc      Service
	interval time.Duration
	grace    time.Duration // how long to wait for a callback before the first poll
	now      func() time.Time
	log      *slog.Logger
}

func New(svc Service, interval, grace time.Duration, log *slog.Logger) *Poller {
	return &Poller{
		svc:      svc,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		log:      log,
	}
}

// Run loops until the context is cancelled. Each tick sweeps every
// transaction that has been awaiting confirmation longer than the grace
// period. Max attempts and the Abandoned transition are enforced by the
// payment service, so a transaction never outlives its poll budget.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("poll scheduler started", "interval", p.interval, "grace", p.grace)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poll scheduler stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	cutoff := p.now().Add(-p.grace)

	txs, err := p.svc.PendingTransactions(ctx, cutoff)
	if err != nil {
		p.log.Error("listing pending transactions", "error", err)
		return
	}

	for _, tx := range txs {
		if ctx.Err() != nil {
			return
		}

		state, err := p.svc.ResolveFromPoll(ctx, tx.ID)
		if err != nil {
			p.log.Error("poll resolution failed", "error", err, "transaction_id", tx.ID)
			continue
		}

		if state.Terminal() {
			p.log.Info("poll resolved transaction",
				"transaction_id", tx.ID,
				"checkout_request_id", tx.CheckoutRequestID,
				"state", state)
		}
	}
}
