package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/reservation"
)

const (
	EventTypeReservationRequested  = "ReservationRequested"
	EventTypeReservationCreated    = "ReservationCreated"
	EventTypeReservationRejected   = "ReservationRejected"
	EventTypeReservationConfirmed  = "ReservationConfirmed"
	EventTypeReservationExpired    = "ReservationExpired"
	EventTypeReservationCancelled  = "ReservationCancelled"
	EventTypeReservationFailed     = "ReservationFailed"
	EventTypePostingReviewRequired = "PostingReviewRequired"

	schemaPrefix = "erp-reservation/"
)

func schemaFor(eventName string) string {
	return schemaPrefix + eventName + ".v1.json"
}

// ReservationRequestedPayload is the asynchronous form of a create call.
type ReservationRequestedPayload = reservation.CreateRequest

type ReservedBatch struct {
	BatchNumber string          `json:"batchNumber"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExpiryDate  *time.Time      `json:"expiryDate,omitempty"`
}

type ReservedLine struct {
	LineNumber    int             `json:"lineNumber"`
	ItemCode      string          `json:"itemCode"`
	WarehouseCode string          `json:"warehouseCode"`
	Quantity      decimal.Decimal `json:"quantity"`
	Batches       []ReservedBatch `json:"batches"`
}

type ReservationCreatedPayload struct {
	ReservationID string          `json:"reservationId"`
	ExternalRef   string          `json:"externalRef"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	Currency      string          `json:"currency,omitempty"`
	Lines         []ReservedLine  `json:"lines"`
}

type RejectedLine struct {
	LineNumber    int             `json:"lineNumber"`
	ItemCode      string          `json:"itemCode"`
	WarehouseCode string          `json:"warehouseCode"`
	BatchNumber   string          `json:"batchNumber,omitempty"`
	Code          allocation.Code `json:"code"`
	Message       string          `json:"message"`
	Requested     decimal.Decimal `json:"requested"`
	Available     decimal.Decimal `json:"available"`
}

type ReservationRejectedPayload struct {
	ExternalRef string           `json:"externalRef"`
	Code        reservation.Code `json:"code"`
	Message     string           `json:"message"`
	Lines       []RejectedLine   `json:"lines,omitempty"`
}

// ReservationStatusPayload is shared by the confirmed, expired, cancelled and failed events.
type ReservationStatusPayload struct {
	ReservationID string             `json:"reservationId"`
	ExternalRef   string             `json:"externalRef"`
	Status        reservation.Status `json:"status"`
	ERPDocEntry   *int64             `json:"erpDocEntry,omitempty"`
	ERPDocNum     *int64             `json:"erpDocNum,omitempty"`
	Reason        string             `json:"reason,omitempty"`
}

type PostingReviewRequiredPayload struct {
	QueueItemID   string `json:"queueItemId"`
	Queue         string `json:"queue"`
	ExternalRef   string `json:"externalRef"`
	ReservationID string `json:"reservationId,omitempty"`
	Status        string `json:"status"`
	RetryCount    int    `json:"retryCount"`
	LastError     string `json:"lastError,omitempty"`
}

func createdPayload(r *reservation.Reservation) ReservationCreatedPayload {
	p := ReservationCreatedPayload{
		ReservationID: r.ID,
		ExternalRef:   r.ExternalRef,
		ExpiresAt:     r.ExpiresAt,
		TotalValue:    r.TotalValue,
		Currency:      r.Currency,
	}
	for _, l := range r.Lines {
		line := ReservedLine{
			LineNumber:    l.LineNumber,
			ItemCode:      l.ItemCode,
			WarehouseCode: l.WarehouseCode,
			Quantity:      l.Quantity,
		}
		for _, c := range l.Claims {
			line.Batches = append(line.Batches, ReservedBatch{
				BatchNumber: c.BatchNumber,
				Quantity:    c.Quantity,
				ExpiryDate:  c.ExpiryDate,
			})
		}
		p.Lines = append(p.Lines, line)
	}
	return p
}

func rejectedPayload(externalRef string, rerr *reservation.Error) ReservationRejectedPayload {
	p := ReservationRejectedPayload{
		ExternalRef: externalRef,
		Code:        rerr.Code,
		Message:     rerr.Message,
	}
	for _, l := range rerr.Lines {
		p.Lines = append(p.Lines, RejectedLine{
			LineNumber:    l.LineNumber,
			ItemCode:      l.ItemCode,
			WarehouseCode: l.WarehouseCode,
			BatchNumber:   l.BatchNumber,
			Code:          l.Code,
			Message:       l.Message,
			Requested:     l.Requested,
			Available:     l.Available,
		})
	}
	return p
}

// statusEvent maps a terminal reservation status to its event name and routing key.
func statusEvent(s reservation.Status) (name, routingKey string, ok bool) {
	switch s {
	case reservation.StatusConfirmed:
		return EventTypeReservationConfirmed, ReservationConfirmedRoutingKey, true
	case reservation.StatusExpired:
		return EventTypeReservationExpired, ReservationExpiredRoutingKey, true
	case reservation.StatusCancelled:
		return EventTypeReservationCancelled, ReservationCancelledRoutingKey, true
	case reservation.StatusFailed:
		return EventTypeReservationFailed, ReservationFailedRoutingKey, true
	default:
		return "", "", false
	}
}
