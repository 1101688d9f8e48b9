package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msingigym/backend/internal/auth"
	"github.com/msingigym/backend/internal/membership"
	"github.com/msingigym/backend/internal/payment"
)

type Handler struct {
	members  *membership.Service
	payments *payment.Service
	auth     *auth.Service
}

func NewHandler(members *membership.Service, payments *payment.Service, authSvc *auth.Service) *Handler {
	return &Handler{members: members, payments: payments, auth: authSvc}
}

// AuthRoutes are mounted outside the token middleware.
func (h *Handler) AuthRoutes(r chi.Router) {
	r.Post("/login", h.login)
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/stats", h.stats)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		slog.Error("admin login failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

type statsResponse struct {
	Members        *membership.Stats     `json:"members"`
	RecentPayments []recentPaymentsEntry `json:"recent_payments"`
}

type recentPaymentsEntry struct {
	CheckoutRequestID string    `json:"checkout_request_id"`
	Phone             string    `json:"phone"`
	Amount            int64     `json:"amount"`
	State             string    `json:"state"`
	ReceiptReference  string    `json:"receipt_reference,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	memberStats, err := h.members.Stats(r.Context())
	if err != nil {
		slog.Error("loading member stats", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	recent, err := h.payments.Recent(r.Context(), 10)
	if err != nil {
		slog.Error("loading recent payments", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	resp := statsResponse{
		Members:        memberStats,
		RecentPayments: make([]recentPaymentsEntry, len(recent)),
	}

	for i, tx := range recent {
		resp.RecentPayments[i] = recentPaymentsEntry{
			CheckoutRequestID: tx.CheckoutRequestID,
			Phone:             tx.Phone,
			Amount:            tx.Amount,
			State:             string(tx.State),
			ReceiptReference:  tx.ReceiptReference,
			CreatedAt:         tx.CreatedAt,
		}
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
