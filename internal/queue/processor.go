package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/erp"
)

// ReviewNotifier is told when an item runs out of automatic attempts.
type ReviewNotifier interface {
	PostingReviewRequired(ctx context.Context, it *Item) error
}

type Config struct {
	Workers      int
	PollInterval time.Duration
	PostTimeout  time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// Lease is how long an item may stay Processing before another worker
	// takes it back. Defaults to twice PostTimeout plus a minute.
	Lease time.Duration
}

// bookkeepingTimeout bounds the store writes that follow a claim.
const bookkeepingTimeout = 10 * time.Second

func DefaultConfig() Config {
	return Config{
		Workers:      1,
		PollInterval: 2 * time.Second,
		PostTimeout:  30 * time.Second,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   15 * time.Minute,
	}
}

// Backoff returns base * 2^(attempt-1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > ceiling || delay <= 0 {
		return ceiling
	}
	return delay
}

// permanentError marks failures that no retry can fix, such as an undecodable payload.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type Processor struct {
	kind    Kind
	store   Store
	gateway erp.Gateway
	sink    ReservationSink
	review  ReviewNotifier
	logger  *logrus.Logger
	cfg     Config
	now     func() time.Time
	tracer  trace.Tracer
}

type ProcessorOption func(*Processor)

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func WithReviewNotifier(n ReviewNotifier) ProcessorOption {
	return func(p *Processor) { p.review = n }
}

func NewProcessor(kind Kind, store Store, gateway erp.Gateway, sink ReservationSink, logger *logrus.Logger, cfg Config, opts ...ProcessorOption) *Processor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = def.PostTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2*cfg.PostTimeout + time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Processor{
		kind:    kind,
		store:   store,
		gateway: gateway,
		sink:    sink,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		tracer:  otel.Tracer("erp-reservation/queue"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the configured number of workers and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) work(ctx context.Context, worker int) {
	log := p.logger.WithFields(logrus.Fields{"queue": p.kind, "worker": worker})
	log.Info("queue worker started")
	for {
		if ctx.Err() != nil {
			log.Info("queue worker stopped")
			return
		}
		processed, err := p.ProcessOnce(ctx)
		if err != nil {
			log.WithError(err).Error("queue processing error")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("queue worker stopped")
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// ProcessOnce claims and posts at most one item. It reports whether an item was claimed.
func (p *Processor) ProcessOnce(ctx context.Context) (bool, error) {
	now := p.now().UTC()
	released, err := p.store.ReleaseStale(ctx, p.kind, now.Add(-p.cfg.Lease))
	if err != nil {
		return false, fmt.Errorf("release stale items: %w", err)
	}
	if released > 0 {
		p.logger.WithFields(logrus.Fields{"queue": p.kind, "released": released}).Warn("processing lease expired, items returned to queue")
	}

	it, err := p.store.Claim(ctx, p.kind, now)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ctx, span := p.tracer.Start(ctx, "queue.post", trace.WithAttributes(
		attribute.String("queue.kind", string(it.Kind)),
		attribute.String("queue.item_id", it.ID),
		attribute.String("queue.external_ref", it.ExternalRef),
		attribute.Int("queue.retry_count", it.RetryCount),
	))
	defer span.End()

	log := p.logger.WithFields(logrus.Fields{
		"queue":          it.Kind,
		"queue_item_id":  it.ID,
		"external_ref":   it.ExternalRef,
		"reservation_id": it.ReservationID,
		"attempt":        it.RetryCount + 1,
	})

	ref, err := p.post(ctx, it)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		wctx, cancel := detached(ctx, bookkeepingTimeout)
		defer cancel()
		if ctx.Err() != nil {
			return true, p.release(wctx, it, err, log)
		}
		return true, p.fail(wctx, it, err, log)
	}

	done := Completion{
		Status:   StatusCompleted,
		DocEntry: ref.DocEntry,
		DocNum:   ref.DocNum,
	}
	if it.Kind == KindInvoice && it.FiscalRequired {
		fctx, cancel := detached(ctx, p.cfg.PostTimeout)
		rec, ferr := p.gateway.Fiscalize(fctx, it.ExternalRef)
		cancel()
		if ferr != nil {
			// The invoice is posted and stays posted.
			done.Status = StatusPartiallyCompleted
			done.FiscalError = ferr.Error()
			log.WithError(ferr).Warn("invoice posted but fiscalization failed")
		} else {
			done.FiscalDeviceNo = rec.DeviceNo
			done.FiscalReceiptNo = rec.ReceiptNo
		}
	}
	done.ProcessedAt = p.now().UTC()

	// The document exists in the ERP now; recording that must survive shutdown.
	wctx, cancel := detached(ctx, bookkeepingTimeout)
	defer cancel()
	if err := p.store.Complete(wctx, it.ID, done); err != nil {
		return true, fmt.Errorf("record completion of %s (doc %d): %w", it.ID, ref.DocEntry, err)
	}
	log.WithFields(logrus.Fields{
		"doc_entry": ref.DocEntry,
		"doc_num":   ref.DocNum,
		"status":    done.Status,
	}).Info("document posted")

	if it.ReservationID != "" && p.sink != nil {
		if err := p.sink.MarkConfirmed(wctx, it.ReservationID, ref); err != nil {
			return true, fmt.Errorf("confirm reservation %s: %w", it.ReservationID, err)
		}
	}
	return true, nil
}

// detached returns a context that ignores the caller's cancellation but keeps
// its values, bounded by timeout.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// release hands an item interrupted by shutdown back to the queue. The
// attempt is not counted and the item is due immediately.
func (p *Processor) release(ctx context.Context, it *Item, cause error, log *logrus.Entry) error {
	if err := p.store.Retry(ctx, it.ID, it.RetryCount, p.now().UTC(), "interrupted: "+cause.Error()); err != nil {
		return fmt.Errorf("release interrupted %s: %w", it.ID, err)
	}
	log.WithError(cause).Warn("posting interrupted, item returned to queue")
	return nil
}

func (p *Processor) post(ctx context.Context, it *Item) (erp.DocumentRef, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PostTimeout)
	defer cancel()

	switch it.Kind {
	case KindInvoice:
		var doc erp.InvoiceDocument
		if err := DecodePayload(it.Payload, &doc); err != nil {
			return erp.DocumentRef{}, permanentError{err}
		}
		return p.gateway.PostInvoice(ctx, doc)
	case KindTransfer:
		var doc erp.TransferDocument
		if err := DecodePayload(it.Payload, &doc); err != nil {
			return erp.DocumentRef{}, permanentError{err}
		}
		return p.gateway.PostTransfer(ctx, doc)
	default:
		return erp.DocumentRef{}, permanentError{fmt.Errorf("unknown queue kind %q", it.Kind)}
	}
}

func (p *Processor) fail(ctx context.Context, it *Item, cause error, log *logrus.Entry) error {
	now := p.now().UTC()
	retries := it.RetryCount + 1
	msg := cause.Error()

	var perm permanentError
	if errors.As(cause, &perm) {
		if err := p.store.Escalate(ctx, it.ID, StatusFailed, it.RetryCount, msg, now); err != nil {
			return fmt.Errorf("mark %s failed: %w", it.ID, err)
		}
		log.WithError(cause).Error("queue item cannot be processed")
		p.notifyReview(ctx, it.ID, log)
		return nil
	}

	if retries < it.MaxRetries {
		next := now.Add(Backoff(retries, p.cfg.BaseBackoff, p.cfg.MaxBackoff))
		if err := p.store.Retry(ctx, it.ID, retries, next, msg); err != nil {
			return fmt.Errorf("schedule retry of %s: %w", it.ID, err)
		}
		log.WithError(cause).WithFields(logrus.Fields{
			"retry_count":   retries,
			"next_retry_at": next,
		}).Warn("posting failed, retry scheduled")
		return nil
	}

	if err := p.store.Escalate(ctx, it.ID, StatusRequiresReview, retries, msg, now); err != nil {
		return fmt.Errorf("escalate %s: %w", it.ID, err)
	}
	log.WithError(cause).WithField("retry_count", retries).Error("posting failed permanently, review required")
	p.notifyReview(ctx, it.ID, log)
	return nil
}

func (p *Processor) notifyReview(ctx context.Context, id string, log *logrus.Entry) {
	if p.review == nil {
		return
	}
	it, err := p.store.Get(ctx, id)
	if err != nil {
		log.WithError(err).Warn("reload escalated item")
		return
	}
	if err := p.review.PostingReviewRequired(ctx, it); err != nil {
		log.WithError(err).Warn("review notification failed")
	}
}
