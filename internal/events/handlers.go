package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/dedup"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/reservation"
)

const ReservationRequestedConsumerName = "erp-reservation-requested"

type ReservationCreator interface {
	Create(ctx context.Context, req reservation.CreateRequest) (*reservation.Reservation, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*reservation.Reservation, error)
}

type ReplyPublisher interface {
	PublishCreated(ctx context.Context, meta EventMeta, r *reservation.Reservation) error
	PublishRejected(ctx context.Context, meta EventMeta, externalRef string, rerr *reservation.Error) error
}

// ReservationRequestedHandler creates a reservation from a request event and
// replies with ReservationCreated or ReservationRejected. Redelivered sequences
// are skipped using the consumer's checkpoint.
func ReservationRequestedHandler(creator ReservationCreator, checkpoints dedup.Checkpoints, pub ReplyPublisher, logger *logrus.Logger, consumerName string) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		env, err := parseEnvelope(body)
		if err != nil {
			return err
		}
		if err := env.Validate(EventTypeReservationRequested, 1); err != nil {
			return err
		}

		var req ReservationRequestedPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.EventName, err)
		}

		log := logger.WithFields(logrus.Fields{
			"event_id":      env.EventID,
			"partition_key": env.PartitionKey,
			"sequence":      env.Sequence,
			"external_ref":  req.ExternalRef,
		})

		last, ok, err := checkpoints.GetLastSequence(ctx, consumerName, env.PartitionKey)
		if err != nil {
			return Retryable(err)
		}
		switch dedup.Decide(last, ok, env.Sequence) {
		case dedup.Duplicate:
			log.WithField("last_sequence", last).Info("skip duplicate reservation request")
			return nil
		case dedup.Gap:
			log.WithField("last_sequence", last).Warn("sequence gap on reservation requests")
		}

		correlationID := env.CorrelationID
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		meta := EventMeta{
			CorrelationID: correlationID,
			CausationID:   env.EventID,
			PartitionKey:  req.ExternalRef,
		}
		if meta.PartitionKey == "" {
			meta.PartitionKey = env.PartitionKey
		}

		r, err := creator.Create(ctx, req)
		if errors.Is(err, reservation.ErrDuplicateReference) {
			// A redelivery after a lost reply: answer with the reservation we already hold.
			if existing, gerr := creator.GetByExternalRef(ctx, req.ExternalRef); gerr == nil {
				log.WithField("reservation_id", existing.ID).Info("replaying reply for existing reservation")
				r, err = existing, nil
			}
		}
		switch {
		case err == nil:
			log.WithField("reservation_id", r.ID).Info("reservation created from request")
			if err := pub.PublishCreated(ctx, meta, r); err != nil {
				return Retryable(fmt.Errorf("publish created: %w", err))
			}
		case errors.Is(err, reservation.ErrLockAcquisitionFailed), errors.Is(err, reservation.ErrConcurrencyConflict):
			return Retryable(err)
		default:
			var rerr *reservation.Error
			if !errors.As(err, &rerr) {
				return fmt.Errorf("create reservation %s: %w", req.ExternalRef, err)
			}
			log.WithField("code", rerr.Code).Info("reservation request rejected")
			if err := pub.PublishRejected(ctx, meta, req.ExternalRef, rerr); err != nil {
				return Retryable(fmt.Errorf("publish rejected: %w", err))
			}
		}

		if env.Sequence != 0 {
			if err := checkpoints.UpsertLastSequence(ctx, consumerName, env.PartitionKey, env.Sequence); err != nil {
				return err
			}
		}
		return nil
	}
}
