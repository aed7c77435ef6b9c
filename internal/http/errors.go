package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/queue"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/reservation"
)

type problem struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Lines   []*allocation.LineError `json:"lines,omitempty"`
}

type errorResponse struct {
	Error problem `json:"error"`
}

func writeProblem(w http.ResponseWriter, status int, code, message string, lines []*allocation.LineError) {
	writeJSON(w, status, errorResponse{Error: problem{Code: code, Message: message, Lines: lines}})
}

// statusFor maps a coded failure to its HTTP status.
func statusFor(code reservation.Code) int {
	switch code {
	case reservation.CodeValidation:
		return http.StatusBadRequest
	case reservation.CodeNotFound:
		return http.StatusNotFound
	case reservation.CodeDuplicateReference, reservation.CodeAlreadyConfirmed, reservation.CodeAlreadyCancelled,
		reservation.CodeExpired, reservation.CodeFailed,
		reservation.CodeLockAcquisitionFailed, reservation.CodeConcurrencyConflict:
		return http.StatusConflict
	default:
		// allocation codes
		return http.StatusUnprocessableEntity
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rerr *reservation.Error
	switch {
	case errors.As(err, &rerr):
		status := statusFor(rerr.Code)
		if rerr.Code == reservation.CodeLockAcquisitionFailed || rerr.Code == reservation.CodeConcurrencyConflict {
			w.Header().Set("Retry-After", "1")
		}
		if rerr.Code == reservation.Code(allocation.CodeItemNotFound) && r.Method == http.MethodGet {
			status = http.StatusNotFound
		}
		writeProblem(w, status, string(rerr.Code), rerr.Message, rerr.Lines)
	case errors.Is(err, queue.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "QueueItemNotFound", err.Error(), nil)
	case errors.Is(err, queue.ErrIllegalTransition), errors.Is(err, queue.ErrStatusChanged):
		writeProblem(w, http.StatusConflict, "QueueItemStateConflict", err.Error(), nil)
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		writeProblem(w, http.StatusInternalServerError, "InternalError", "internal error", nil)
	}
}
