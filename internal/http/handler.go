package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/queue"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/reservation"
)

// Reservations is the caller-facing reservation API.
type Reservations interface {
	Validate(ctx context.Context, req reservation.ValidateRequest) (*reservation.ValidateResult, error)
	Create(ctx context.Context, req reservation.CreateRequest) (*reservation.Reservation, error)
	Get(ctx context.Context, id string) (*reservation.Reservation, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*reservation.Reservation, error)
	Renew(ctx context.Context, id string, extensionMinutes int) (*reservation.Reservation, error)
	Cancel(ctx context.Context, id, reason string) (*reservation.Reservation, error)
	Confirm(ctx context.Context, id string, opts reservation.ConfirmOptions) (*queue.Item, error)
	Availability(ctx context.Context, itemCode, warehouseCode string) ([]reservation.BatchAvailability, error)
}

// Queue is the operator API over the posting queues.
type Queue interface {
	Get(ctx context.Context, id string) (*queue.Item, error)
	ListRequiringReview(ctx context.Context, kind queue.Kind, limit int) ([]*queue.Item, error)
	Requeue(ctx context.Context, id string) (*queue.Item, error)
	Abandon(ctx context.Context, id, reason string) (*queue.Item, error)
}

type Handler struct {
	reservations Reservations
	queue        Queue
	logger       *logrus.Logger
}

func NewHandler(reservations Reservations, q Queue, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{reservations: reservations, queue: q, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) ValidateAllocation(w http.ResponseWriter, r *http.Request) {
	var req reservation.ValidateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.reservations.Validate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req reservation.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.reservations.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetReservationByRef(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.GetByExternalRef(r.Context(), chi.URLParam(r, "externalRef"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type renewRequest struct {
	ExtensionMinutes int `json:"extensionMinutes"`
}

func (h *Handler) RenewReservation(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := h.reservations.Renew(r.Context(), chi.URLParam(r, "id"), req.ExtensionMinutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := h.reservations.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type confirmResponse struct {
	ReservationID string       `json:"reservationId"`
	QueueItemID   string       `json:"queueItemId"`
	Queue         queue.Kind   `json:"queue"`
	Status        queue.Status `json:"status"`
}

func (h *Handler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	var opts reservation.ConfirmOptions
	if !decodeOptional(w, r, &opts) {
		return
	}
	id := chi.URLParam(r, "id")
	it, err := h.reservations.Confirm(r.Context(), id, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, confirmResponse{
		ReservationID: id,
		QueueItemID:   it.ID,
		Queue:         it.Kind,
		Status:        it.Status,
	})
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	itemCode := chi.URLParam(r, "itemCode")
	warehouseCode := chi.URLParam(r, "warehouseCode")
	rows, err := h.reservations.Availability(r.Context(), itemCode, warehouseCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"itemCode":      itemCode,
		"warehouseCode": warehouseCode,
		"batches":       rows,
	})
}

func (h *Handler) GetQueueItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) ListRequiringReview(w http.ResponseWriter, r *http.Request) {
	kind, err := queue.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, string(reservation.CodeValidation), err.Error(), nil)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeProblem(w, http.StatusBadRequest, string(reservation.CodeValidation), "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	items, err := h.queue.ListRequiringReview(r.Context(), kind, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) RequeueItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) AbandonItem(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	it, err := h.queue.Abandon(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, string(reservation.CodeValidation), "invalid JSON body", nil)
		return false
	}
	return true
}

// decodeOptional accepts an empty body for endpoints whose fields all have defaults.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
