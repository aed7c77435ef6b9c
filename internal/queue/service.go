package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/erp"
)

// ErrNotCancellable means the item is already being posted or has been posted.
var ErrNotCancellable = errors.New("queue item can no longer be cancelled")

// ReservationSink receives the outcome of a posting for the linked reservation.
type ReservationSink interface {
	MarkConfirmed(ctx context.Context, reservationID string, ref erp.DocumentRef) error
	MarkFailed(ctx context.Context, reservationID, reason string) error
}

type EnqueueRequest struct {
	Kind           Kind
	ExternalRef    string
	ReservationID  string
	Document       any
	FiscalRequired bool
	SourceSystem   string
	Priority       int
	TotalAmount    decimal.Decimal
	Currency       string
	MaxRetries     int
}

// Service is the producer and operator side of the queues: enqueue, inspect and
// resolve items that need a human.
type Service struct {
	store  Store
	sink   ReservationSink
	logger *logrus.Logger
	now    func() time.Time
}

func NewService(store Store, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// SetReservationSink links the service to the reservation side once both exist.
func (s *Service) SetReservationSink(sink ReservationSink) {
	s.sink = sink
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Item, error) {
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	if req.ExternalRef == "" {
		return nil, errors.New("external reference is required")
	}
	payload, err := EncodePayload(req.Document)
	if err != nil {
		return nil, err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	it := &Item{
		ID:             uuid.NewString(),
		Kind:           req.Kind,
		ExternalRef:    req.ExternalRef,
		ReservationID:  req.ReservationID,
		Payload:        payload,
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		FiscalRequired: req.FiscalRequired && req.Kind == KindInvoice,
		CreatedAt:      s.now().UTC(),
		SourceSystem:   req.SourceSystem,
		Priority:       req.Priority,
		TotalAmount:    req.TotalAmount,
		Currency:       req.Currency,
	}
	if err := s.store.Enqueue(ctx, it); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"queue":          it.Kind,
		"queue_item_id":  it.ID,
		"external_ref":   it.ExternalRef,
		"reservation_id": it.ReservationID,
	}).Info("document enqueued")
	return it, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListRequiringReview(ctx context.Context, kind Kind, limit int) ([]*Item, error) {
	return s.store.ListByStatus(ctx, kind, StatusRequiresReview, limit)
}

// CancelForReservation withdraws the reservation's queued document if no worker
// has picked it up. ErrNotFound means nothing was ever queued.
func (s *Service) CancelForReservation(ctx context.Context, reservationID, reason string) error {
	it, err := s.store.FindByReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	switch it.Status {
	case StatusCancelled:
		return nil
	case StatusPending, StatusRequiresReview, StatusFailed:
	default:
		return ErrNotCancellable
	}
	if err := s.store.Cancel(ctx, it.ID, it.Status, reason, s.now().UTC()); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return ErrNotCancellable
		}
		return err
	}
	return nil
}

// Requeue gives an escalated item a fresh set of attempts. Processors never
// claim a RequiresReview item on their own; an operator requeue starts a new
// attempt generation, so the item becomes claimable again with its retry
// count reset.
func (s *Service) Requeue(ctx context.Context, id string) (*Item, error) {
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status != StatusRequiresReview && it.Status != StatusFailed {
		return nil, fmt.Errorf("%w: cannot requeue a %s item", ErrIllegalTransition, it.Status)
	}
	if err := s.store.Requeue(ctx, id, it.Status); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"queue_item_id":    id,
		"external_ref":     it.ExternalRef,
		"from_status":      it.Status,
		"previous_retries": it.RetryCount,
	}).Info("queue item requeued")
	return s.store.Get(ctx, id)
}

// Abandon gives up on an escalated item and fails the linked reservation.
func (s *Service) Abandon(ctx context.Context, id, reason string) (*Item, error) {
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status != StatusRequiresReview && it.Status != StatusFailed {
		return nil, fmt.Errorf("%w: cannot abandon a %s item", ErrIllegalTransition, it.Status)
	}
	if reason == "" {
		reason = "abandoned after review"
	}
	if err := s.store.Cancel(ctx, id, it.Status, reason, s.now().UTC()); err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"queue_item_id":  id,
		"external_ref":   it.ExternalRef,
		"reservation_id": it.ReservationID,
	})
	log.Warn("queue item abandoned")

	if it.ReservationID != "" && s.sink != nil {
		if err := s.sink.MarkFailed(ctx, it.ReservationID, reason); err != nil {
			log.WithError(err).Error("failed to mark reservation failed")
			return nil, fmt.Errorf("mark reservation failed: %w", err)
		}
	}
	return s.store.Get(ctx, id)
}
