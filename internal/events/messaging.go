package events

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EventsExchange     = "erp.events"
	DeadLetterExchange = "erp.events.dlx"

	ReservationRequestedRoutingKey  = "reservation.requested.v1"
	ReservationCreatedRoutingKey    = "reservation.created.v1"
	ReservationRejectedRoutingKey   = "reservation.rejected.v1"
	ReservationConfirmedRoutingKey  = "reservation.confirmed.v1"
	ReservationExpiredRoutingKey    = "reservation.expired.v1"
	ReservationCancelledRoutingKey  = "reservation.cancelled.v1"
	ReservationFailedRoutingKey     = "reservation.failed.v1"
	PostingReviewRequiredRoutingKey = "posting.review_required.v1"

	reservationServiceName = "erp-reservation-service-go"
)

func serviceQueue(serviceName, routingKey string) string {
	return serviceName + "." + routingKey
}

func reservationQueueName(routingKey string) string {
	return serviceQueue(reservationServiceName, routingKey)
}

// Dial connects to the broker.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func declareEventsExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

func declareDeadLetterExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		DeadLetterExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}
