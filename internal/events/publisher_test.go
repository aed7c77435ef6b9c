package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/queue"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/reservation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/sequence"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	sent []published
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func testPublisher(ch *fakeChannel) *Publisher {
	p := newPublisher(ch, sequence.NewMemory(), PublisherOptions{})
	p.now = func() time.Time { return time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC) }
	return p
}

func decodeSent(t *testing.T, p published, payload any) EventEnvelope {
	t.Helper()
	env, err := parseEnvelope(p.msg.Body)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if env.EventID != p.msg.MessageId {
		t.Fatalf("message id %q does not match event id %q", p.msg.MessageId, env.EventID)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return env
}

func TestPublisher_ReservationChanged(t *testing.T) {
	docEntry, docNum := int64(101), int64(5001)
	tests := map[string]struct {
		r         *reservation.Reservation
		wantKey   string
		wantName  string
		wantWrite bool
		check     func(t *testing.T, p ReservationStatusPayload)
	}{
		"confirmed": {
			r:         &reservation.Reservation{ID: "r1", ExternalRef: "POS-1", Status: reservation.StatusConfirmed, ERPDocEntry: &docEntry, ERPDocNum: &docNum},
			wantKey:   ReservationConfirmedRoutingKey,
			wantName:  EventTypeReservationConfirmed,
			wantWrite: true,
			check: func(t *testing.T, p ReservationStatusPayload) {
				if p.ERPDocEntry == nil || *p.ERPDocEntry != 101 || *p.ERPDocNum != 5001 {
					t.Fatalf("doc refs missing: %+v", p)
				}
			},
		},
		"cancelled carries reason": {
			r:         &reservation.Reservation{ID: "r1", ExternalRef: "POS-1", Status: reservation.StatusCancelled, CancellationReason: "customer left"},
			wantKey:   ReservationCancelledRoutingKey,
			wantName:  EventTypeReservationCancelled,
			wantWrite: true,
			check: func(t *testing.T, p ReservationStatusPayload) {
				if p.Reason != "customer left" {
					t.Fatalf("reason=%q", p.Reason)
				}
			},
		},
		"failed carries reason": {
			r:         &reservation.Reservation{ID: "r1", ExternalRef: "POS-1", Status: reservation.StatusFailed, FailureReason: "abandoned"},
			wantKey:   ReservationFailedRoutingKey,
			wantName:  EventTypeReservationFailed,
			wantWrite: true,
			check: func(t *testing.T, p ReservationStatusPayload) {
				if p.Reason != "abandoned" {
					t.Fatalf("reason=%q", p.Reason)
				}
			},
		},
		"expired": {
			r:         &reservation.Reservation{ID: "r1", ExternalRef: "POS-1", Status: reservation.StatusExpired},
			wantKey:   ReservationExpiredRoutingKey,
			wantName:  EventTypeReservationExpired,
			wantWrite: true,
		},
		"pending publishes nothing": {
			r: &reservation.Reservation{ID: "r1", ExternalRef: "POS-1", Status: reservation.StatusPending},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ch := &fakeChannel{}
			if err := testPublisher(ch).ReservationChanged(context.Background(), tc.r); err != nil {
				t.Fatalf("ReservationChanged: %v", err)
			}
			if !tc.wantWrite {
				if len(ch.sent) != 0 {
					t.Fatalf("unexpected publish: %+v", ch.sent)
				}
				return
			}
			if len(ch.sent) != 1 {
				t.Fatalf("published %d messages", len(ch.sent))
			}
			sent := ch.sent[0]
			if sent.exchange != EventsExchange || sent.key != tc.wantKey {
				t.Fatalf("published to %s/%s", sent.exchange, sent.key)
			}
			if sent.msg.DeliveryMode != amqp.Persistent {
				t.Fatalf("message not persistent")
			}
			var p ReservationStatusPayload
			env := decodeSent(t, sent, &p)
			if err := env.Validate(tc.wantName, 1); err != nil {
				t.Fatalf("envelope invalid: %v", err)
			}
			if env.PartitionKey != "POS-1" || env.Sequence != 1 || env.Schema != schemaFor(tc.wantName) {
				t.Fatalf("envelope=%+v", env)
			}
			if p.ReservationID != "r1" || p.Status != tc.r.Status {
				t.Fatalf("payload=%+v", p)
			}
			if tc.check != nil {
				tc.check(t, p)
			}
		})
	}
}

func TestPublisher_SequencePerPartition(t *testing.T) {
	ch := &fakeChannel{}
	p := testPublisher(ch)
	ctx := context.Background()

	for _, ref := range []string{"POS-1", "POS-1", "POS-2"} {
		r := &reservation.Reservation{ID: "r-" + ref, ExternalRef: ref, Status: reservation.StatusExpired}
		if err := p.ReservationChanged(ctx, r); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var got []int64
	for _, s := range ch.sent {
		var payload ReservationStatusPayload
		got = append(got, decodeSent(t, s, &payload).Sequence)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 1 {
		t.Fatalf("sequences=%v", got)
	}
}

func TestPublisher_CreatedAndRejected(t *testing.T) {
	ch := &fakeChannel{}
	p := testPublisher(ch)
	ctx := context.Background()
	meta := EventMeta{CorrelationID: "corr", CausationID: "evt", PartitionKey: "POS-1"}

	expiry := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	r := &reservation.Reservation{
		ID: "r1", ExternalRef: "POS-1", ExpiresAt: expiry, TotalValue: decimal.NewFromInt(24),
		Lines: []reservation.Line{{
			LineNumber: 1, ItemCode: "ITM1", WarehouseCode: "WH1", Quantity: decimal.NewFromInt(8),
			Claims: []reservation.BatchClaim{
				{BatchNumber: "B1", Quantity: decimal.NewFromInt(5), ExpiryDate: &expiry},
				{BatchNumber: "B2", Quantity: decimal.NewFromInt(3)},
			},
		}},
	}
	if err := p.PublishCreated(ctx, meta, r); err != nil {
		t.Fatalf("PublishCreated: %v", err)
	}
	if err := p.PublishRejected(ctx, meta, "POS-1", &reservation.Error{Code: reservation.CodeValidation, Message: "lines required"}); err != nil {
		t.Fatalf("PublishRejected: %v", err)
	}

	var created ReservationCreatedPayload
	env := decodeSent(t, ch.sent[0], &created)
	if ch.sent[0].key != ReservationCreatedRoutingKey || env.CausationID != "evt" || env.CorrelationID != "corr" {
		t.Fatalf("created envelope=%+v key=%s", env, ch.sent[0].key)
	}
	if len(created.Lines) != 1 || len(created.Lines[0].Batches) != 2 || created.Lines[0].Batches[0].BatchNumber != "B1" {
		t.Fatalf("created payload=%+v", created)
	}

	var rejected ReservationRejectedPayload
	decodeSent(t, ch.sent[1], &rejected)
	if ch.sent[1].key != ReservationRejectedRoutingKey || rejected.Code != reservation.CodeValidation {
		t.Fatalf("rejected payload=%+v", rejected)
	}
}

func TestPublisher_PostingReviewRequired(t *testing.T) {
	ch := &fakeChannel{}
	it := &queue.Item{ID: "q1", Kind: queue.KindInvoice, ExternalRef: "POS-1", ReservationID: "r1",
		Status: queue.StatusRequiresReview, RetryCount: 3, LastError: "502"}
	if err := testPublisher(ch).PostingReviewRequired(context.Background(), it); err != nil {
		t.Fatalf("PostingReviewRequired: %v", err)
	}
	var p PostingReviewRequiredPayload
	decodeSent(t, ch.sent[0], &p)
	if ch.sent[0].key != PostingReviewRequiredRoutingKey || p.QueueItemID != "q1" || p.RetryCount != 3 || p.Queue != "invoice" {
		t.Fatalf("payload=%+v", p)
	}
}

func TestPublisher_ChannelError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	err := testPublisher(ch).ReservationChanged(context.Background(), &reservation.Reservation{ID: "r1", ExternalRef: "POS-1", Status: reservation.StatusExpired})
	if err == nil {
		t.Fatalf("expected publish error")
	}
}

type fakeAck struct {
	acked, nacked, requeued bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked = true; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked, f.requeued = true, requeue
	return nil
}
func (f *fakeAck) Reject(_ uint64, requeue bool) error {
	f.nacked, f.requeued = true, requeue
	return nil
}

func TestHandleDelivery(t *testing.T) {
	tests := map[string]struct {
		err         error
		redelivered bool
		wantAck     bool
		wantRequeue bool
	}{
		"success acks":                         {wantAck: true},
		"permanent error dead-letters":         {err: errors.New("bad payload")},
		"transient error requeues once":        {err: Retryable(errors.New("lock busy")), wantRequeue: true},
		"transient on redelivery dead-letters": {err: Retryable(errors.New("lock busy")), redelivered: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ack := &fakeAck{}
			msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Redelivered: tc.redelivered, Body: []byte(`{}`)}
			handler := func(context.Context, []byte) error { return tc.err }

			handleDelivery(context.Background(), msg, handler, logrus.NewEntry(quietLogger()))

			if ack.acked != tc.wantAck || ack.nacked == tc.wantAck {
				t.Fatalf("acked=%v nacked=%v", ack.acked, ack.nacked)
			}
			if ack.requeued != tc.wantRequeue {
				t.Fatalf("requeued=%v want %v", ack.requeued, tc.wantRequeue)
			}
		})
	}
}
