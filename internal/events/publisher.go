package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/queue"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/reservation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/sequence"
)

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	ch                 Channel
	seq                sequence.Sequencer
	producerIdentifier string
	now                func() time.Time
}

type PublisherOptions struct {
	Producer string
}

func NewPublisher(conn *amqp.Connection, seq sequence.Sequencer, opts PublisherOptions) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareEventsExchange(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}

	return newPublisher(ch, seq, opts), nil
}

func newPublisher(ch Channel, seq sequence.Sequencer, opts PublisherOptions) *Publisher {
	producer := opts.Producer
	if producer == "" {
		producer = "erp-reservation-service"
	}
	return &Publisher{
		ch:                 ch,
		seq:                seq,
		producerIdentifier: producer,
		now:                time.Now,
	}
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

type EventMeta struct {
	CorrelationID string
	CausationID   string
	PartitionKey  string
}

// ReservationChanged publishes the lifecycle event for a reservation's terminal status.
func (p *Publisher) ReservationChanged(ctx context.Context, r *reservation.Reservation) error {
	name, key, ok := statusEvent(r.Status)
	if !ok {
		return nil
	}
	payload := ReservationStatusPayload{
		ReservationID: r.ID,
		ExternalRef:   r.ExternalRef,
		Status:        r.Status,
		ERPDocEntry:   r.ERPDocEntry,
		ERPDocNum:     r.ERPDocNum,
	}
	switch r.Status {
	case reservation.StatusCancelled:
		payload.Reason = r.CancellationReason
	case reservation.StatusFailed:
		payload.Reason = r.FailureReason
	}
	meta := EventMeta{CorrelationID: r.ID, PartitionKey: r.ExternalRef}
	return p.publish(ctx, name, key, meta, payload)
}

func (p *Publisher) PublishCreated(ctx context.Context, meta EventMeta, r *reservation.Reservation) error {
	return p.publish(ctx, EventTypeReservationCreated, ReservationCreatedRoutingKey, meta, createdPayload(r))
}

func (p *Publisher) PublishRejected(ctx context.Context, meta EventMeta, externalRef string, rerr *reservation.Error) error {
	return p.publish(ctx, EventTypeReservationRejected, ReservationRejectedRoutingKey, meta, rejectedPayload(externalRef, rerr))
}

// PostingReviewRequired tells operators that a queued document needs a human.
func (p *Publisher) PostingReviewRequired(ctx context.Context, it *queue.Item) error {
	payload := PostingReviewRequiredPayload{
		QueueItemID:   it.ID,
		Queue:         string(it.Kind),
		ExternalRef:   it.ExternalRef,
		ReservationID: it.ReservationID,
		Status:        string(it.Status),
		RetryCount:    it.RetryCount,
		LastError:     it.LastError,
	}
	meta := EventMeta{CorrelationID: it.ReservationID, PartitionKey: it.ExternalRef}
	return p.publish(ctx, EventTypePostingReviewRequired, PostingReviewRequiredRoutingKey, meta, payload)
}

func (p *Publisher) publish(ctx context.Context, name, routingKey string, meta EventMeta, payload any) error {
	seq, err := p.seq.NextSequence(ctx, meta.PartitionKey)
	if err != nil {
		return fmt.Errorf("reserve sequence: %w", err)
	}

	env, err := newEnvelope(name, meta, seq, p.producerIdentifier, payload, p.now().UTC())
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", name, err)
	}

	return p.publishJSON(ctx, routingKey, env.EventID, body)
}

func (p *Publisher) publishJSON(ctx context.Context, routingKey, messageID string, body []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(
		pubCtx,
		EventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Body:         body,
		},
	)
}

func newEnvelope(name string, meta EventMeta, seq int64, producer string, payload any, occurredAt time.Time) (EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return EventEnvelope{
		EventName:     name,
		EventVersion:  1,
		EventID:       uuid.NewString(),
		CorrelationID: correlationID,
		CausationID:   meta.CausationID,
		Producer:      producer,
		PartitionKey:  meta.PartitionKey,
		Sequence:      seq,
		OccurredAt:    occurredAt,
		Schema:        schemaFor(name),
		Payload:       raw,
	}, nil
}
