package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"space_broker/internal/app"
	"space_broker/internal/domain"
)

type Handlers struct {
	Booking      *app.BookingService
	Contracts    *app.ContractService
	Appointments *app.AppointmentService
	Q            *app.QueryService
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })

	s.mux.Route("/v1", func(r chi.Router) {
		r.Use(Auth)

		r.Post("/quotes", h.quote)

		r.Post("/reservations", h.createReservation)
		r.Get("/reservations", h.listReservations)
		r.Get("/reservations/{id}", h.getReservation)
		r.Post("/reservations/{id}/cancel", h.cancelReservation)
		r.Get("/reservations/{id}/payments", h.listPayments)
		r.Post("/reservations/{id}/appointments", h.requestAppointment)
		r.Post("/reservations/{id}/contract", h.initiateContract)
		r.Get("/reservations/{id}/contract", h.getReservationContract)

		r.Get("/appointments", h.listAppointments)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Post("/appointments/{id}/compliance", h.appointmentAction((*app.AppointmentService).AcceptCompliance))
		r.Post("/appointments/{id}/accept", h.appointmentAction((*app.AppointmentService).Accept))
		r.Post("/appointments/{id}/reject", h.appointmentAction((*app.AppointmentService).Reject))
		r.Post("/appointments/{id}/reschedule", h.proposeReschedule)
		r.Post("/appointments/{id}/accept-reschedule", h.appointmentAction((*app.AppointmentService).AcceptReschedule))
		r.Post("/appointments/{id}/complete", h.appointmentAction((*app.AppointmentService).MarkCompleted))
		r.Post("/appointments/{id}/no-show", h.appointmentAction((*app.AppointmentService).MarkNoShow))

		r.Get("/contracts", h.listContracts)
		r.Get("/contracts/{id}", h.getContract)
		r.Post("/contracts/{id}/otp", h.generateOtp)
		r.Post("/contracts/{id}/sign", h.signContract)
		r.Post("/contracts/{id}/extend", h.extendContract)

		r.Post("/accounts/compliance", h.acceptAccountCompliance)
	})
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

// writeError maps domain sentinels onto the problem+json taxonomy.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeProblem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, domain.ErrUnavailablePeriod):
		writeProblem(w, http.StatusUnprocessableEntity, "Unavailable Period", err.Error())
	case errors.Is(err, domain.ErrCapacityExceeded):
		writeProblem(w, http.StatusConflict, "Capacity Exceeded", err.Error())
	case errors.Is(err, domain.ErrPriceMismatch):
		writeProblem(w, http.StatusConflict, "Price Mismatch", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeProblem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, domain.ErrNotHeld):
		writeProblem(w, http.StatusConflict, "Not Held", err.Error())
	case errors.Is(err, domain.ErrComplianceGateClosed):
		writeProblem(w, http.StatusForbidden, "Compliance Gate Closed", err.Error())
	case errors.Is(err, domain.ErrInvalidOtp):
		writeProblem(w, http.StatusForbidden, "Invalid OTP", err.Error())
	case errors.Is(err, domain.ErrPaymentCapability):
		writeProblem(w, http.StatusBadGateway, "Payment Capability Error", err.Error())
	default:
		log.Error().Err(err).Msg("unhandled error")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "unexpected failure")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON body failed")
	}
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// ---- pricing & reservations ----

type quoteRequest struct {
	SpaceID int64             `json:"space_id"`
	AreaM2  int64             `json:"area_m2"`
	Unit    domain.PeriodUnit `json:"unit"`
	Periods int64             `json:"periods"`
}

func (h *Handlers) quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	bd, err := h.Booking.Quote(r.Context(), req.SpaceID, req.AreaM2, req.Unit, req.Periods)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bd)
}

type createReservationRequest struct {
	SpaceID int64            `json:"space_id"`
	Quote   domain.Breakdown `json:"quote"`
	Method  string           `json:"method"`
}

func (h *Handlers) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	res, err := h.Booking.CreateReservation(r.Context(), principal(r), app.CreateReservationInput{
		SpaceID:        req.SpaceID,
		Quote:          req.Quote,
		Method:         req.Method,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) getReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	res, err := h.Q.GetReservation(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) cancelReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	res, err := h.Booking.CancelReservation(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func listParams(r *http.Request) (*string, int) {
	var status *string
	if s := r.URL.Query().Get("status"); s != "" {
		status = &s
	}
	limit := 50
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if l, err := strconv.Atoi(ls); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}
	return status, limit
}

func (h *Handlers) listReservations(w http.ResponseWriter, r *http.Request) {
	status, limit := listParams(r)
	out, err := h.Q.ListReservations(r.Context(), principal(r), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) listPayments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	out, err := h.Q.ListPayments(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- appointments ----

type requestAppointmentRequest struct {
	At time.Time `json:"at"`
}

func (h *Handlers) requestAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	var req requestAppointmentRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	appt, err := h.Appointments.Request(r.Context(), principal(r), id, req.At)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

// apptAction matches the method-expression shape of the appointment
// service's single-transition operations.
type apptAction func(*app.AppointmentService, context.Context, domain.Principal, int64) (*domain.Appointment, error)

func (h *Handlers) appointmentAction(fn apptAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
			return
		}
		appt, err := fn(h.Appointments, r.Context(), principal(r), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func (h *Handlers) proposeReschedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	var req domain.RescheduleProposal
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	appt, err := h.Appointments.ProposeReschedule(r.Context(), principal(r), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	appt, err := h.Q.GetAppointment(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	status, limit := listParams(r)
	out, err := h.Q.ListAppointments(r.Context(), principal(r), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- contracts ----

func (h *Handlers) initiateContract(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	c, err := h.Contracts.Initiate(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handlers) generateOtp(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	code, err := h.Contracts.GenerateOtp(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	// In production the code goes out via the notification channel;
	// returning it here keeps the capability pluggable.
	writeJSON(w, http.StatusCreated, map[string]string{"code": code})
}

type signRequest struct {
	Code string `json:"code"`
}

func (h *Handlers) signContract(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	var req signRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	c, err := h.Contracts.Sign(r.Context(), principal(r), id, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type extendRequest struct {
	Unit    domain.PeriodUnit `json:"unit"`
	Periods int64             `json:"periods"`
	Method  string            `json:"method"`
}

func (h *Handlers) extendContract(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	var req extendRequest
	if err := decode(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	c, err := h.Contracts.Extend(r.Context(), principal(r), id, app.ExtendInput{
		Unit:           req.Unit,
		Periods:        req.Periods,
		Method:         req.Method,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) getContract(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	view, err := h.Q.GetContract(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) getReservationContract(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a number")
		return
	}
	view, err := h.Q.GetContractByReservation(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) listContracts(w http.ResponseWriter, r *http.Request) {
	status, limit := listParams(r)
	out, err := h.Q.ListContracts(r.Context(), principal(r), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- accounts ----

func (h *Handlers) acceptAccountCompliance(w http.ResponseWriter, r *http.Request) {
	if err := h.Contracts.AcceptAccountCompliance(r.Context(), principal(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
