package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicdesk/clinic-booking/internal/booking"
	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/payment"
	"github.com/clinicdesk/clinic-booking/internal/principal"
)

func loginHandler(dir *principal.Service, signer *principal.TokenSigner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		p, err := dir.VerifyCredentials(r.Context(), req.Identifier, req.Password)
		if err != nil {
			if errors.Is(err, principal.ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "invalid_credentials", "identifier or password incorrect")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		token, err := signer.Issue(p, timeNow())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "could not issue token")
			return
		}

		writeJSON(w, http.StatusOK, LoginResponse{AccessToken: token, TokenType: "Bearer"})
	}
}

func createAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, actorRole, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no principal on request")
			return
		}

		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		patientID := actorID
		if req.PatientID != "" {
			patientID, err = uuid.Parse(req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
		}

		// Patients book for themselves; operators may book on a patient's
		// behalf. Providers do not create bookings.
		switch actorRole {
		case principal.RolePatient:
			if patientID != actorID {
				writeError(w, http.StatusForbidden, "forbidden", "patients may only book for themselves")
				return
			}
		case principal.RoleOperator:
		default:
			writeError(w, http.StatusForbidden, "forbidden", "role may not create bookings")
			return
		}

		appt, err := svc.BookAppointment(r.Context(), patientID, providerID, req.SlotDate, req.SlotTime)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, actorRole, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no principal on request")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.CancelAppointment(r.Context(), id, actorID, actorRole)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, actorRole, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no principal on request")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.CompleteAppointment(r.Context(), id, actorID, actorRole)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, actorRole, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no principal on request")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id, actorID, actorRole)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listPatientAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, actorRole, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no principal on request")
			return
		}

		patientID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "id must be a valid UUID")
			return
		}

		if actorRole != principal.RoleOperator && patientID != actorID {
			writeError(w, http.StatusForbidden, "forbidden", "may only list own appointments")
			return
		}

		limit, offset := pageParams(r)
		appts, err := svc.ListAppointmentsForPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeAppointmentList(w, appts)
	}
}

func listProviderAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, actorRole, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no principal on request")
			return
		}

		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
			return
		}

		if actorRole != principal.RoleOperator && providerID != actorID {
			writeError(w, http.StatusForbidden, "forbidden", "may only list own appointments")
			return
		}

		limit, offset := pageParams(r)
		appts, err := svc.ListAppointmentsForProvider(r.Context(), providerID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeAppointmentList(w, appts)
	}
}

func availabilityHandler(cal calendar.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
			return
		}

		date := r.URL.Query().Get("date")
		if _, err := calendar.ParseSlotMoment(date, "00:00"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		booked, err := cal.ListBookedTimes(r.Context(), providerID, date)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := AvailabilityResponse{
			ProviderID:  providerID,
			Date:        date,
			BookedTimes: booked,
		}

		if timeLabel := r.URL.Query().Get("time"); timeLabel != "" {
			free, err := cal.IsSlotFree(r.Context(), providerID, date, timeLabel)
			if err != nil {
				if errors.Is(err, calendar.ErrProviderNotFound) {
					writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
					return
				}
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
				return
			}
			resp.Free = &free
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func createPaymentIntentHandler(pay *payment.Service, svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, actorRole, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no principal on request")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id, actorID, actorRole)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		if actorRole != principal.RoleOperator && actorID != appt.PatientID {
			writeError(w, http.StatusForbidden, "forbidden", "only the booking patient may pay")
			return
		}

		intent, err := pay.CreatePaymentIntent(r.Context(), id)
		if err != nil {
			handlePaymentError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, PaymentIntentResponse{
			PaymentRef:   intent.Ref,
			ClientSecret: intent.ClientSecret,
		})
	}
}

// stripeWebhookHandler has no bearer auth; the signature is the auth.
func stripeWebhookHandler(pay *payment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
			return
		}

		if err := pay.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature")); err != nil {
			handlePaymentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrInvalidSlot):
		writeError(w, http.StatusUnprocessableEntity, "invalid_slot", err.Error())
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, calendar.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, calendar.ErrProviderUnavailable):
		writeError(w, http.StatusConflict, "provider_unavailable", err.Error())
	case errors.Is(err, booking.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", "slot just booked by someone else")
	case errors.Is(err, booking.ErrSlotBusy):
		writeError(w, http.StatusConflict, "slot_busy", "slot is currently being booked, please retry shortly")
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, booking.ErrTooLateToCancel):
		writeError(w, http.StatusConflict, "too_late_to_cancel", err.Error())
	case errors.Is(err, booking.ErrTooEarlyToComplete):
		writeError(w, http.StatusConflict, "too_early_to_complete", err.Error())
	case errors.Is(err, booking.ErrStateConflict):
		writeError(w, http.StatusConflict, "state_conflict", "appointment changed concurrently, reload and retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handlePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrSignatureInvalid):
		writeError(w, http.StatusBadRequest, "signature_invalid", "webhook signature verification failed")
	case errors.Is(err, payment.ErrAmountMismatch):
		writeError(w, http.StatusBadRequest, "amount_mismatch", "callback amount does not match appointment")
	case errors.Is(err, payment.ErrNotPayable):
		writeError(w, http.StatusConflict, "not_payable", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeAppointmentList(w http.ResponseWriter, appts []booking.Appointment) {
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}
