package poller_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/msingigym/backend/internal/payment"
	"github.com/msingigym/backend/internal/poller"
)

type recordingService struct {
	mu       sync.Mutex
	pending  []*payment.Transaction
	cutoffs  []time.Time
	resolved []uuid.UUID
}

func (s *recordingService) PendingTransactions(_ context.Context, olderThan time.Time) ([]*payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cutoffs = append(s.cutoffs, olderThan)

	return s.pending, nil
}

func (s *recordingService) ResolveFromPoll(_ context.Context, id uuid.UUID) (payment.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolved = append(s.resolved, id)

	return payment.StateConfirmed, nil
}

func (s *recordingService) resolvedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]uuid.UUID(nil), s.resolved...)
}

func TestPoller_SweepsPendingTransactions(t *testing.T) {
	first := &payment.Transaction{ID: uuid.New(), State: payment.StateAwaitingConfirmation}
	second := &payment.Transaction{ID: uuid.New(), State: payment.StateAwaitingConfirmation}

	svc := &recordingService{pending: []*payment.Transaction{first, second}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := poller.New(svc, 10*time.Millisecond, time.Minute, slog.Default())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(svc.resolvedIDs()) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on context cancellation")
	}

	ids := svc.resolvedIDs()
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)

	// The cutoff passed to the listing is the grace period in the past, so
	// fresh initiations are left for the callback first.
	svc.mu.Lock()
	defer svc.mu.Unlock()
	for _, cutoff := range svc.cutoffs {
		assert.True(t, cutoff.Before(time.Now().Add(-30*time.Second)))
	}
}

type failingService struct {
	recordingService
	listErr error
}

func (s *failingService) PendingTransactions(context.Context, time.Time) ([]*payment.Transaction, error) {
	return nil, s.listErr
}

func TestPoller_SurvivesListingErrors(t *testing.T) {
	svc := &failingService{listErr: assert.AnError}

	ctx, cancel := context.WithCancel(context.Background())

	p := poller.New(svc, 5*time.Millisecond, time.Minute, slog.Default())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// Let a few ticks fail, then make sure the loop is still alive to stop.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on context cancellation")
	}

	assert.Empty(t, svc.resolvedIDs())
}
