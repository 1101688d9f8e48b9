package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/msingigym/backend/internal/dispatch"
	"github.com/msingigym/backend/internal/membership"
	"github.com/msingigym/backend/internal/payment"
)

func confirmedTx() *payment.Transaction {
	now := time.Now()

	return &payment.Transaction{
		ID:               uuid.New(),
		SubjectID:        uuid.New(),
		Phone:            "254712345678",
		Amount:           2000,
		State:            payment.StateConfirmed,
		ReceiptReference: "RE123",
		PaidAmount:       2000,
		ResolvedAt:       &now,
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	members := dispatch.NewMockActivator(ctrl)
	access := dispatch.NewMockProvisioner(ctrl)
	notifier := dispatch.NewMockNotifier(ctrl)

	tx := confirmedTx()
	end := time.Date(2026, 9, 27, 12, 0, 0, 0, time.UTC)
	member := &membership.Member{
		ID:            tx.SubjectID,
		MembershipID:  "GM202600001",
		MembershipEnd: &end,
	}

	members.EXPECT().
		Activate(gomock.Any(), tx.SubjectID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, params membership.ActivationParams) (*membership.Member, error) {
			assert.Equal(t, "RE123", params.Receipt)
			assert.Equal(t, int64(2000), params.Amount)
			return member, nil
		})
	access.EXPECT().SyncMember(gomock.Any(), member).Return("ax-42", nil)
	members.EXPECT().RecordAccessRef(gomock.Any(), member.ID, "ax-42").Return(nil)
	notifier.EXPECT().
		Send(gomock.Any(), "254712345678", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, msg string) error {
			assert.Contains(t, msg, "RE123")
			assert.Contains(t, msg, "GM202600001")
			assert.Contains(t, msg, "27 Sep 2026")
			return nil
		})

	dispatch.New(members, access, notifier, slog.Default()).Dispatch(context.Background(), tx)
}

func TestDispatcher_ActivationFailureStopsEverything(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	members := dispatch.NewMockActivator(ctrl)
	access := dispatch.NewMockProvisioner(ctrl)
	notifier := dispatch.NewMockNotifier(ctrl)

	tx := confirmedTx()

	members.EXPECT().
		Activate(gomock.Any(), tx.SubjectID, gomock.Any()).
		Return(nil, errors.New("db down")).
		Times(3)

	// Access sync and sms must not run for an unactivated membership, so no
	// expectations on the other mocks.
	dispatch.New(members, access, notifier, slog.Default()).Dispatch(context.Background(), tx)
}

func TestDispatcher_ActivationRetriesThenSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	members := dispatch.NewMockActivator(ctrl)
	access := dispatch.NewMockProvisioner(ctrl)
	notifier := dispatch.NewMockNotifier(ctrl)

	tx := confirmedTx()
	member := &membership.Member{ID: tx.SubjectID, MembershipID: "GM202600001"}

	gomock.InOrder(
		members.EXPECT().Activate(gomock.Any(), tx.SubjectID, gomock.Any()).Return(nil, errors.New("timeout")),
		members.EXPECT().Activate(gomock.Any(), tx.SubjectID, gomock.Any()).Return(member, nil),
	)
	access.EXPECT().SyncMember(gomock.Any(), member).Return("", nil)
	notifier.EXPECT().Send(gomock.Any(), tx.Phone, gomock.Any()).Return(nil)

	dispatch.New(members, access, notifier, slog.Default()).Dispatch(context.Background(), tx)
}

func TestDispatcher_ProvisioningFailureStillNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	members := dispatch.NewMockActivator(ctrl)
	access := dispatch.NewMockProvisioner(ctrl)
	notifier := dispatch.NewMockNotifier(ctrl)

	tx := confirmedTx()
	member := &membership.Member{ID: tx.SubjectID, MembershipID: "GM202600001"}

	members.EXPECT().Activate(gomock.Any(), tx.SubjectID, gomock.Any()).Return(member, nil)
	access.EXPECT().SyncMember(gomock.Any(), member).Return("", errors.New("axtrax unreachable"))
	notifier.EXPECT().Send(gomock.Any(), tx.Phone, gomock.Any()).Return(nil)

	dispatch.New(members, access, notifier, slog.Default()).Dispatch(context.Background(), tx)
}

func TestDispatcher_UnchangedAccessRefNotRewritten(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	members := dispatch.NewMockActivator(ctrl)
	access := dispatch.NewMockProvisioner(ctrl)
	notifier := dispatch.NewMockNotifier(ctrl)

	tx := confirmedTx()
	member := &membership.Member{ID: tx.SubjectID, MembershipID: "GM202600001", AccessUserRef: "ax-42"}

	members.EXPECT().Activate(gomock.Any(), tx.SubjectID, gomock.Any()).Return(member, nil)
	access.EXPECT().SyncMember(gomock.Any(), member).Return("ax-42", nil)
	notifier.EXPECT().Send(gomock.Any(), tx.Phone, gomock.Any()).Return(nil)

	dispatch.New(members, access, notifier, slog.Default()).Dispatch(context.Background(), tx)
}
