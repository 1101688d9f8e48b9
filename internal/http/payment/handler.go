package payment

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/msingigym/backend/internal/payment"
)

const maxCallbackBytes = 1 << 20

type Handler struct {
	svc *payment.Service
}

func NewHandler(svc *payment.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/callback", h.callback)
	r.Get("/status/{checkoutRequestID}", h.status)
}

// gatewayAck is the body M-Pesa expects back for a callback delivery. The
// gateway retries anything that is not acknowledged as success, so the
// response is the same whatever the payment outcome.
type gatewayAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		slog.Error("reading callback body", "error", err)
		writeJSON(w, http.StatusOK, gatewayAck{ResultCode: 0, ResultDesc: "Success"})

		return
	}

	ack, err := h.svc.ResolveFromCallback(r.Context(), raw)
	if err != nil {
		// Store trouble. The transaction stays unresolved and the poller (or
		// a gateway retry) will get it; acknowledge anyway.
		slog.Error("callback resolution failed", "error", err)
	} else if ack.Applied {
		slog.Info("callback applied",
			"transaction_id", ack.TransactionID,
			"state", ack.State)
	}

	writeJSON(w, http.StatusOK, gatewayAck{ResultCode: 0, ResultDesc: "Success"})
}

type statusResponse struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	State             string `json:"state"`
	ReceiptReference  string `json:"receipt_reference,omitempty"`
	Message           string `json:"message,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := chi.URLParam(r, "checkoutRequestID")

	tx, err := h.svc.Status(r.Context(), checkoutRequestID)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			http.Error(w, "payment not found", http.StatusNotFound)
			return
		}

		slog.Error("payment status lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	resp := statusResponse{
		CheckoutRequestID: tx.CheckoutRequestID,
		State:             string(tx.State),
		ReceiptReference:  tx.ReceiptReference,
	}

	if tx.State == payment.StateAbandoned {
		resp.Message = "Payment could not be confirmed. Please contact support."
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
