package payment_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	paymentHandler "github.com/msingigym/backend/internal/http/payment"
	"github.com/msingigym/backend/internal/payment"
)

func newRouter(svc *payment.Service) http.Handler {
	r := chi.NewRouter()
	paymentHandler.NewHandler(svc).Routes(r)

	return r
}

func newService(repo payment.Repository, gw payment.Gateway, d payment.Dispatcher) *payment.Service {
	return payment.NewService(repo, gw, d, 6, slog.Default())
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

// Whatever happens inside, the callback endpoint answers 200 with a success
// ack. Anything else makes the gateway retry-storm us.
func TestHandler_Callback_AlwaysAcks(t *testing.T) {
	tests := []struct {
		name  string
		setup func(repo *payment.MockRepository, gw *payment.MockGateway, d *payment.MockDispatcher)
	}{
		{
			name: "Applied",
			setup: func(repo *payment.MockRepository, gw *payment.MockGateway, d *payment.MockDispatcher) {
				id := uuid.New()
				tx := &payment.Transaction{
					ID:                id,
					CheckoutRequestID: "ws_CO_1",
					State:             payment.StateAwaitingConfirmation,
					Amount:            2000,
				}

				gw.EXPECT().ParseCallback(gomock.Any()).Return(&payment.Callback{
					CheckoutRequestID: "ws_CO_1",
					Outcome:           payment.OutcomeSuccess,
					ReceiptReference:  "RE123",
					Amount:            2000,
				}, nil)
				repo.EXPECT().FindByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(tx, nil)
				repo.EXPECT().
					CompareAndTransition(gomock.Any(), id, payment.StateAwaitingConfirmation, payment.StateConfirmed, gomock.Any()).
					Return(true, nil)
				repo.EXPECT().MarkSideEffectsDispatched(gomock.Any(), id).Return(true, nil)
				d.EXPECT().Dispatch(gomock.Any(), gomock.Any())
			},
		},
		{
			name: "Malformed",
			setup: func(_ *payment.MockRepository, gw *payment.MockGateway, _ *payment.MockDispatcher) {
				gw.EXPECT().ParseCallback(gomock.Any()).Return(nil, payment.ErrMalformedCallback)
			},
		},
		{
			name: "Unmatched",
			setup: func(repo *payment.MockRepository, gw *payment.MockGateway, _ *payment.MockDispatcher) {
				gw.EXPECT().ParseCallback(gomock.Any()).Return(&payment.Callback{
					CheckoutRequestID: "ws_CO_unknown",
				}, nil)
				repo.EXPECT().FindByCheckoutRequestID(gomock.Any(), "ws_CO_unknown").Return(nil, payment.ErrNotFound)
			},
		},
		{
			name: "StoreDown",
			setup: func(repo *payment.MockRepository, gw *payment.MockGateway, _ *payment.MockDispatcher) {
				gw.EXPECT().ParseCallback(gomock.Any()).Return(&payment.Callback{
					CheckoutRequestID: "ws_CO_1",
				}, nil)
				repo.EXPECT().
					FindByCheckoutRequestID(gomock.Any(), "ws_CO_1").
					Return(nil, assert.AnError)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			repo := payment.NewMockRepository(ctrl)
			gw := payment.NewMockGateway(ctrl)
			dispatcher := payment.NewMockDispatcher(ctrl)
			tt.setup(repo, gw, dispatcher)

			router := newRouter(newService(repo, gw, dispatcher))

			req := httptest.NewRequest(http.MethodPost, "/callback", bytes.NewReader([]byte(`{}`)))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)

			body := decodeAck(t, rec)
			assert.Equal(t, float64(0), body["ResultCode"])
			assert.Equal(t, "Success", body["ResultDesc"])
		})
	}
}

func TestHandler_Status(t *testing.T) {
	t.Run("Confirmed", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := payment.NewMockRepository(ctrl)

		repo.EXPECT().FindByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(&payment.Transaction{
			CheckoutRequestID: "ws_CO_1",
			State:             payment.StateConfirmed,
			ReceiptReference:  "RE123",
		}, nil)

		router := newRouter(newService(repo, payment.NewMockGateway(ctrl), payment.NewMockDispatcher(ctrl)))

		req := httptest.NewRequest(http.MethodGet, "/status/ws_CO_1", nil)
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeAck(t, rec)
		assert.Equal(t, "confirmed", body["state"])
		assert.Equal(t, "RE123", body["receipt_reference"])
	})

	t.Run("AbandonedCarriesSupportMessage", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := payment.NewMockRepository(ctrl)

		repo.EXPECT().FindByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(&payment.Transaction{
			CheckoutRequestID: "ws_CO_1",
			State:             payment.StateAbandoned,
		}, nil)

		router := newRouter(newService(repo, payment.NewMockGateway(ctrl), payment.NewMockDispatcher(ctrl)))

		req := httptest.NewRequest(http.MethodGet, "/status/ws_CO_1", nil)
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeAck(t, rec)
		assert.Equal(t, "abandoned", body["state"])
		assert.Contains(t, body["message"], "contact support")
	})

	t.Run("NotFound", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		repo := payment.NewMockRepository(ctrl)

		repo.EXPECT().
			FindByCheckoutRequestID(gomock.Any(), "ws_CO_missing").
			Return(nil, payment.ErrNotFound)

		router := newRouter(newService(repo, payment.NewMockGateway(ctrl), payment.NewMockDispatcher(ctrl)))

		req := httptest.NewRequest(http.MethodGet, "/status/ws_CO_missing", nil)
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
