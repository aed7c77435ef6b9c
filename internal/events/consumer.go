package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// HandlerFunc processes one message body. A nil return ACKs the message. A
// Retryable error requeues it; any other error dead-letters it.
type HandlerFunc func(ctx context.Context, body []byte) error

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so the message goes back on the queue.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err}
}

func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

type Consumer struct {
	ch      *amqp.Channel
	queue   string
	handler HandlerFunc
	logger  *logrus.Logger
	done    chan struct{}
}

type ConsumerOptions struct {
	RoutingKey string
	Prefetch   int
}

// StartConsumer declares a durable queue bound to the events exchange, with its
// own dead-letter queue, and starts delivering messages to handler until ctx ends.
func StartConsumer(ctx context.Context, conn *amqp.Connection, opts ConsumerOptions, handler HandlerFunc, logger *logrus.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(step string, err error) (*Consumer, error) {
		_ = ch.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := declareEventsExchange(ch); err != nil {
		return fail("declare events exchange", err)
	}
	if err := declareDeadLetterExchange(ch); err != nil {
		return fail("declare dead-letter exchange", err)
	}

	queueName := reservationQueueName(opts.RoutingKey)
	dlqName := queueName + ".dlq"
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fail("declare dead-letter queue", err)
	}
	if err := ch.QueueBind(dlqName, opts.RoutingKey, DeadLetterExchange, false, nil); err != nil {
		return fail("bind dead-letter queue", err)
	}

	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		amqp.Table{"x-dead-letter-exchange": DeadLetterExchange},
	); err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(queueName, opts.RoutingKey, EventsExchange, false, nil); err != nil {
		return fail("bind queue", err)
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fail("set qos", err)
	}

	msgs, err := ch.Consume(queueName, reservationServiceName, false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	c := &Consumer{ch: ch, queue: queueName, handler: handler, logger: logger, done: make(chan struct{})}
	go c.loop(ctx, msgs)
	return c, nil
}

func (c *Consumer) loop(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer close(c.done)
	log := c.logger.WithField("queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			log.Info("stopping consumer")
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				return
			}
			handleDelivery(ctx, msg, c.handler, log)
		}
	}
}

func handleDelivery(ctx context.Context, msg amqp.Delivery, handler HandlerFunc, log *logrus.Entry) {
	err := handler(ctx, msg.Body)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			log.WithError(ackErr).Warn("ack failed")
		}
		return
	}

	requeue := IsRetryable(err) && !msg.Redelivered
	log.WithError(err).WithFields(logrus.Fields{
		"message_id": msg.MessageId,
		"requeue":    requeue,
	}).Error("handle message")
	if nackErr := msg.Nack(false, requeue); nackErr != nil {
		log.WithError(nackErr).Warn("nack failed")
	}
}

// Wait blocks until the delivery loop has exited.
func (c *Consumer) Wait() {
	<-c.done
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
