package reserve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/http/response"
	"github.com/diagnosis/bus-reserve/internal/reservation"
	"github.com/diagnosis/bus-reserve/internal/validation"
	"github.com/diagnosis/bus-reserve/pkg/logger"
)

type ValidationService interface {
	CheckReservationValidation(ctx context.Context, opts domain.ValidationOptions) domain.ReserveValidationResponse
	CanProceedToReservation(phone string) domain.CanProceedResult
	UpdateSMSWorkflow(ctx context.Context, phone string, state domain.SMSState, validationID *int64) (*domain.SMSWorkflow, error)
}

type ReservationService interface {
	CreateReservation(ctx context.Context, orderID int64, opts domain.ReserveOptions) domain.ReserveTicketResponse
	RetryAfterSMSValidation(ctx context.Context, orderID int64, opts domain.ReserveOptions) domain.ReserveTicketResponse
	GetStatus(orderID int64) (*domain.ReservationStatus, error)
	GetAudit(orderID int64) []domain.ReservationAudit
}

type Handler struct {
	Validation   ValidationService
	Reservations ReservationService
}

func NewHandler(v ValidationService, r ReservationService) *Handler {
	return &Handler{Validation: v, Reservations: r}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/validation", func(vr chi.Router) {
		vr.Post("/", h.checkValidation)
		vr.Get("/{phone}", h.canProceed)
		vr.Patch("/{phone}/sms", h.updateSMS)
	})

	r.Route("/orders/{orderID}", func(or chi.Router) {
		or.Post("/", h.reserve)
		or.Post("/sms-retry", h.retryAfterSMS)
		or.Get("/", h.status)
		or.Get("/audit", h.audit)
	})

	return r
}

func (h *Handler) checkValidation(w http.ResponseWriter, r *http.Request) {
	var in domain.ValidationOptions
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	out := h.Validation.CheckReservationValidation(r.Context(), in)
	response.WriteJSON(w, response.StatusFor(out.Error), out)
}

func (h *Handler) canProceed(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.Validation.CanProceedToReservation(chi.URLParam(r, "phone")))
}

type smsUpdateReq struct {
	State        string `json:"state"`
	ValidationID *int64 `json:"validation_id,omitempty"`
}

func (h *Handler) updateSMS(w http.ResponseWriter, r *http.Request) {
	var in smsUpdateReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	state, ok := domain.ParseSMSState(in.State)
	if !ok {
		response.BadRequest(w, "invalid sms state")
		return
	}

	wf, err := h.Validation.UpdateSMSWorkflow(r.Context(), chi.URLParam(r, "phone"), state, in.ValidationID)
	var re *domain.ReserveError
	switch {
	case err == nil:
		response.WriteJSON(w, http.StatusOK, wf)
	case errors.Is(err, validation.ErrNoSMSWorkflow):
		response.NotFound(w, "no sms workflow for phone")
	case errors.Is(err, validation.ErrInvalidTransition):
		response.WriteErrorWithDetails(w, http.StatusConflict, "invalid sms transition", response.CodeConflict, err.Error())
	case errors.As(err, &re):
		response.WriteError(w, response.StatusFor(re.Info()), re.Message, string(re.Code))
	default:
		logger.ErrorContext(r.Context(), "SMS workflow update failed", "error", err)
		response.InternalError(w, "sms update failed")
	}
}

func orderID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	h.doReserve(w, r, h.Reservations.CreateReservation)
}

func (h *Handler) retryAfterSMS(w http.ResponseWriter, r *http.Request) {
	h.doReserve(w, r, h.Reservations.RetryAfterSMSValidation)
}

func (h *Handler) doReserve(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, domain.ReserveOptions) domain.ReserveTicketResponse) {
	id, ok := orderID(r)
	if !ok {
		response.BadRequest(w, "invalid order id")
		return
	}
	var in domain.ReserveOptions
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	out := fn(r.Context(), id, in)
	response.WriteJSON(w, response.StatusFor(out.Error), out)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(r)
	if !ok {
		response.BadRequest(w, "invalid order id")
		return
	}
	st, err := h.Reservations.GetStatus(id)
	if errors.Is(err, reservation.ErrNotFound) {
		response.NotFound(w, "reservation not found")
		return
	}
	if err != nil {
		response.InternalError(w, "status lookup failed")
		return
	}
	response.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(r)
	if !ok {
		response.BadRequest(w, "invalid order id")
		return
	}
	response.WriteJSON(w, http.StatusOK, h.Reservations.GetAudit(id))
}
