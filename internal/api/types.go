package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/clinic-booking/internal/booking"
)

// timeNow is a test seam for token issuance.
var timeNow = time.Now

type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type BookAppointmentRequest struct {
	PatientID  string `json:"patient_id,omitempty"` // defaults to the caller
	ProviderID string `json:"provider_id"`
	SlotDate   string `json:"slot_date"` // 2006-01-02
	SlotTime   string `json:"slot_time"` // 15:04
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	ProviderID  uuid.UUID  `json:"provider_id"`
	SlotDate    string     `json:"slot_date"`
	SlotTime    string     `json:"slot_time"`
	AmountMinor int64      `json:"amount_minor"`
	State       string     `json:"state"`
	PaymentRef  *string    `json:"payment_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type PaymentIntentResponse struct {
	PaymentRef   string `json:"payment_ref"`
	ClientSecret string `json:"client_secret"`
}

type AvailabilityResponse struct {
	ProviderID  uuid.UUID `json:"provider_id"`
	Date        string    `json:"date"`
	BookedTimes []string  `json:"booked_times"`
	Free        *bool     `json:"free,omitempty"` // present when ?time= was asked
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		ProviderID:  a.ProviderID,
		SlotDate:    a.SlotDate,
		SlotTime:    a.SlotTime,
		AmountMinor: a.AmountMinor,
		State:       string(a.State),
		PaymentRef:  a.PaymentRef,
		CreatedAt:   a.CreatedAt,
	}
	if a.State == booking.StatePendingPayment {
		exp := a.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
