package member

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/msingigym/backend/internal/membership"
)

// envelope is the response shape the front-end pages expect.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type initiatedResponse struct {
	MembershipID      string `json:"membership_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	Amount            int64  `json:"amount"`
}

type memberResponse struct {
	MembershipID    string     `json:"membership_id"`
	Name            string     `json:"name"`
	Type            string     `json:"membership_type"`
	Status          string     `json:"status"`
	MembershipStart *time.Time `json:"membership_start,omitempty"`
	MembershipEnd   *time.Time `json:"membership_end,omitempty"`
	DaysRemaining   int        `json:"days_remaining"`
}

func toMemberResponse(m *membership.Member) memberResponse {
	resp := memberResponse{
		MembershipID:    m.MembershipID,
		Name:            m.Name,
		Type:            string(m.Type),
		Status:          string(m.Status),
		MembershipStart: m.MembershipStart,
		MembershipEnd:   m.MembershipEnd,
	}

	if m.ActiveAt(time.Now()) {
		resp.DaysRemaining = int(time.Until(*m.MembershipEnd).Hours() / 24)
	}

	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Status: "error", Message: message})
}
