package member

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/msingigym/backend/internal/membership"
	"github.com/msingigym/backend/internal/payment"
)

type Handler struct {
	members   *membership.Service
	payments  *payment.Service
	amountFor func(membershipType string) int64
}

func NewHandler(members *membership.Service, payments *payment.Service, amountFor func(string) int64) *Handler {
	return &Handler{members: members, payments: payments, amountFor: amountFor}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/register", h.register)
	r.Post("/renew", h.renew)
	r.Get("/status", h.status)
}

type registerRequest struct {
	Name           string `json:"name"`
	Phone          string `json:"phone"`
	MembershipType string `json:"membership_type"`
	Amount         int64  `json:"amount"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "name and phone number are required")
		return
	}

	m, err := h.members.Register(r.Context(), membership.RegisterParams{
		Name:  req.Name,
		Phone: req.Phone,
		Type:  membership.Type(req.MembershipType),
	})
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrActiveMembership):
			writeError(w, http.StatusConflict, "you already have an active membership, use renewal instead")
		case errors.Is(err, membership.ErrInvalidName), errors.Is(err, membership.ErrInvalidPhone):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("member registration failed", "error", err)
			writeError(w, http.StatusInternalServerError, "registration failed, please try again")
		}

		return
	}

	amount := req.Amount
	if amount <= 0 {
		amount = h.amountFor(string(m.Type))
	}

	h.initiatePayment(w, r, m, amount, "Gym Membership - "+string(m.Type))
}

type renewRequest struct {
	MembershipID string `json:"membership_id"`
	Phone        string `json:"phone"`
	Amount       int64  `json:"amount"`
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.MembershipID == "" && req.Phone == "" {
		writeError(w, http.StatusBadRequest, "membership ID or phone number is required")
		return
	}

	m, err := h.members.Lookup(r.Context(), req.MembershipID, req.Phone)
	if err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			writeError(w, http.StatusNotFound, "membership not found, check your membership ID or phone number")
			return
		}

		if errors.Is(err, membership.ErrInvalidPhone) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		slog.Error("renewal lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "renewal failed, please try again")

		return
	}

	amount := req.Amount
	if amount <= 0 {
		amount = h.amountFor(string(m.Type))
	}

	h.initiatePayment(w, r, m, amount, "Gym Membership Renewal")
}

// initiatePayment pushes the STK prompt and reports the correlation ids the
// front-end polls with.
func (h *Handler) initiatePayment(w http.ResponseWriter, r *http.Request, m *membership.Member, amount int64, description string) {
	tx, err := h.payments.Initiate(r.Context(), payment.InitiateParams{
		SubjectID:   m.ID,
		Phone:       m.Phone,
		Amount:      amount,
		AccountRef:  m.MembershipID,
		Description: description,
	})
	if err != nil {
		slog.Error("payment initiation failed", "error", err, "membership_id", m.MembershipID)
		writeError(w, http.StatusBadGateway, "could not reach M-Pesa, please try again")

		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "Payment request sent to your phone. Please complete the transaction.",
		Data: initiatedResponse{
			MembershipID:      m.MembershipID,
			CheckoutRequestID: tx.CheckoutRequestID,
			MerchantRequestID: tx.MerchantRequestID,
			Amount:            amount,
		},
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	membershipID := r.URL.Query().Get("membership_id")
	phone := r.URL.Query().Get("phone")

	if membershipID == "" && phone == "" {
		writeError(w, http.StatusBadRequest, "membership_id or phone is required")
		return
	}

	m, err := h.members.Lookup(r.Context(), membershipID, phone)
	if err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			writeError(w, http.StatusNotFound, "membership not found")
			return
		}

		if errors.Is(err, membership.ErrInvalidPhone) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		slog.Error("member status lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")

		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Status: "success",
		Data:   toMemberResponse(m),
	})
}
