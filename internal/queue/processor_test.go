package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/erp"
)

type stubGateway struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	fiscalErr error
}

func (g *stubGateway) next() (erp.DocumentRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.failFirst {
		return erp.DocumentRef{}, errors.New("502 bad gateway")
	}
	return erp.DocumentRef{DocEntry: 900, DocNum: 42}, nil
}

func (g *stubGateway) PostInvoice(context.Context, erp.InvoiceDocument) (erp.DocumentRef, error) {
	return g.next()
}

func (g *stubGateway) PostTransfer(context.Context, erp.TransferDocument) (erp.DocumentRef, error) {
	return g.next()
}

func (g *stubGateway) Fiscalize(context.Context, string) (erp.FiscalReceipt, error) {
	if g.fiscalErr != nil {
		return erp.FiscalReceipt{}, g.fiscalErr
	}
	return erp.FiscalReceipt{DeviceNo: "FD-7", ReceiptNo: "000123"}, nil
}

type sinkCall struct {
	id     string
	ref    erp.DocumentRef
	failed string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) MarkConfirmed(_ context.Context, id string, ref erp.DocumentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{id: id, ref: ref})
	return nil
}

func (s *recordingSink) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{id: id, failed: reason})
	return nil
}

type recordingReview struct{ items []*Item }

func (r *recordingReview) PostingReviewRequired(_ context.Context, it *Item) error {
	r.items = append(r.items, it)
	return nil
}

type fixture struct {
	store  *MemoryStore
	svc    *Service
	sink   *recordingSink
	review *recordingReview
	now    time.Time
	logger *logrus.Logger
}

func newFixture() *fixture {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	f := &fixture{
		store:  NewMemoryStore(),
		sink:   &recordingSink{},
		review: &recordingReview{},
		now:    time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC),
		logger: logger,
	}
	f.svc = NewService(f.store, logger).WithClock(f.clock)
	f.svc.SetReservationSink(f.sink)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) processor(kind Kind, gw erp.Gateway) *Processor {
	return NewProcessor(kind, f.store, gw, f.sink, f.logger, Config{}, WithProcessorClock(f.clock), WithReviewNotifier(f.review))
}

func (f *fixture) enqueue(t *testing.T, kind Kind, ref string, fiscal bool) *Item {
	t.Helper()
	var doc any = erp.InvoiceDocument{ExternalRef: ref, CardCode: "C001"}
	if kind == KindTransfer {
		doc = erp.TransferDocument{ExternalRef: ref, FromWarehouse: "WH1", ToWarehouse: "WH2"}
	}
	it, err := f.svc.Enqueue(context.Background(), EnqueueRequest{
		Kind:           kind,
		ExternalRef:    ref,
		ReservationID:  "res-" + ref,
		Document:       doc,
		FiscalRequired: fiscal,
	})
	require.NoError(t, err)
	return it
}

// drain runs attempts until the queue is empty, stepping the clock past any backoff.
func (f *fixture) drain(t *testing.T, p *Processor) int {
	t.Helper()
	attempts := 0
	for i := 0; i < 10; i++ {
		processed, err := p.ProcessOnce(context.Background())
		require.NoError(t, err)
		if !processed {
			return attempts
		}
		attempts++
		f.now = f.now.Add(time.Hour)
	}
	t.Fatal("queue never drained")
	return attempts
}

func TestProcessor_RetryBound(t *testing.T) {
	tests := map[string]struct {
		failFirst   int
		wantStatus  Status
		wantRetries int
		wantCalls   int
	}{
		"succeeds first time":          {failFirst: 0, wantStatus: StatusCompleted, wantRetries: 0, wantCalls: 1},
		"fails twice then succeeds":    {failFirst: 2, wantStatus: StatusCompleted, wantRetries: 2, wantCalls: 3},
		"fails max retries":            {failFirst: 3, wantStatus: StatusRequiresReview, wantRetries: 3, wantCalls: 3},
		"keeps failing is not retried": {failFirst: 100, wantStatus: StatusRequiresReview, wantRetries: 3, wantCalls: 3},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			gw := &stubGateway{failFirst: tc.failFirst}
			it := f.enqueue(t, KindTransfer, "TR-1", false)

			f.drain(t, f.processor(KindTransfer, gw))

			got, err := f.store.Get(context.Background(), it.ID)
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, got.Status)
			require.Equal(t, tc.wantRetries, got.RetryCount)
			require.LessOrEqual(t, got.RetryCount, got.MaxRetries)
			require.Equal(t, tc.wantCalls, gw.calls)

			if tc.wantStatus == StatusRequiresReview {
				require.Len(t, f.review.items, 1)
				require.Equal(t, "502 bad gateway", got.LastError)
				require.Empty(t, f.sink.calls)
			} else {
				require.Len(t, f.sink.calls, 1)
				require.Equal(t, "res-TR-1", f.sink.calls[0].id)
				require.Equal(t, int64(900), *got.ERPDocEntry)
			}
		})
	}
}

func TestProcessor_RetryWaitsForBackoff(t *testing.T) {
	f := newFixture()
	gw := &stubGateway{failFirst: 1}
	it := f.enqueue(t, KindInvoice, "INV-1", false)
	p := f.processor(KindInvoice, gw)

	processed, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.True(t, got.NextRetryAt.Equal(f.now.Add(30*time.Second)), "next retry at %s", got.NextRetryAt)

	f.now = f.now.Add(10 * time.Second)
	processed, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed, "item claimed before its retry time")

	f.now = f.now.Add(20 * time.Second)
	processed, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
}

func TestProcessor_FiscalizationFailureIsPartial(t *testing.T) {
	f := newFixture()
	gw := &stubGateway{fiscalErr: errors.New("printer offline")}
	it := f.enqueue(t, KindInvoice, "INV-2", true)

	f.drain(t, f.processor(KindInvoice, gw))

	got, err := f.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyCompleted, got.Status)
	require.Equal(t, "printer offline", got.FiscalError)
	require.Equal(t, int64(42), *got.ERPDocNum)
	require.Len(t, f.sink.calls, 1, "posted invoice still confirms the reservation")
}

func TestProcessor_FiscalizationSuccess(t *testing.T) {
	f := newFixture()
	it := f.enqueue(t, KindInvoice, "INV-3", true)

	f.drain(t, f.processor(KindInvoice, &stubGateway{}))

	got, err := f.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "FD-7", got.FiscalDeviceNo)
	require.Equal(t, "000123", got.FiscalReceiptNo)
}

func TestProcessor_UndecodablePayloadFails(t *testing.T) {
	f := newFixture()
	bad := &Item{
		ID:          "bad",
		Kind:        KindInvoice,
		ExternalRef: "INV-BAD",
		Payload:     json.RawMessage(`{"version":9,"document":{}}`),
		Status:      StatusPending,
		MaxRetries:  3,
		CreatedAt:   f.now,
	}
	require.NoError(t, f.store.Enqueue(context.Background(), bad))

	gw := &stubGateway{}
	f.drain(t, f.processor(KindInvoice, gw))

	got, err := f.store.Get(context.Background(), "bad")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Zero(t, gw.calls)
	require.Len(t, f.review.items, 1)
}

func TestProcessor_OnlyClaimsItsOwnKind(t *testing.T) {
	f := newFixture()
	f.enqueue(t, KindInvoice, "INV-4", false)

	processed, err := f.processor(KindTransfer, &stubGateway{}).ProcessOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestProcessor_RunStopsOnCancel(t *testing.T) {
	f := newFixture()
	it := f.enqueue(t, KindInvoice, "INV-5", false)
	p := NewProcessor(KindInvoice, f.store, &stubGateway{}, f.sink, f.logger, Config{Workers: 2, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), it.ID)
		return err == nil && got.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestBackoff(t *testing.T) {
	base, ceiling := 30*time.Second, 15*time.Minute
	cases := map[int]time.Duration{
		0:  30 * time.Second,
		1:  30 * time.Second,
		2:  time.Minute,
		3:  2 * time.Minute,
		5:  8 * time.Minute,
		6:  15 * time.Minute,
		40: 15 * time.Minute,
	}
	for attempt, want := range cases {
		if got := Backoff(attempt, base, ceiling); got != want {
			t.Fatalf("Backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

// ctxStore fails writes on a cancelled context the way a database driver does.
type ctxStore struct {
	*MemoryStore
}

func (s ctxStore) Complete(ctx context.Context, id string, c Completion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Complete(ctx, id, c)
}

func (s ctxStore) Retry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Retry(ctx, id, retryCount, nextRetryAt, lastErr)
}

func (s ctxStore) Escalate(ctx context.Context, id string, to Status, retryCount int, lastErr string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Escalate(ctx, id, to, retryCount, lastErr, at)
}

// shutdownGateway cancels the worker context while a post is in flight.
type shutdownGateway struct {
	stubGateway
	cancel  context.CancelFunc
	succeed bool
}

func (g *shutdownGateway) PostInvoice(ctx context.Context, doc erp.InvoiceDocument) (erp.DocumentRef, error) {
	g.cancel()
	if g.succeed {
		return g.stubGateway.PostInvoice(ctx, doc)
	}
	<-ctx.Done()
	return erp.DocumentRef{}, ctx.Err()
}

func TestProcessor_ShutdownMidPost(t *testing.T) {
	f := newFixture()
	it := f.enqueue(t, KindInvoice, "INV-6", false)

	ctx, cancel := context.WithCancel(context.Background())
	gw := &shutdownGateway{cancel: cancel}
	p := NewProcessor(KindInvoice, ctxStore{f.store}, gw, f.sink, f.logger, Config{}, WithProcessorClock(f.clock))

	processed, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status, "interrupted item must go back to the queue")
	require.Zero(t, got.RetryCount, "shutdown is not a failed attempt")
	require.Empty(t, f.sink.calls)

	f.drain(t, f.processor(KindInvoice, &stubGateway{}))
	got, err = f.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestProcessor_ShutdownAfterPostStillCompletes(t *testing.T) {
	f := newFixture()
	it := f.enqueue(t, KindInvoice, "INV-7", false)

	ctx, cancel := context.WithCancel(context.Background())
	gw := &shutdownGateway{cancel: cancel, succeed: true}
	p := NewProcessor(KindInvoice, ctxStore{f.store}, gw, f.sink, f.logger, Config{}, WithProcessorClock(f.clock))

	processed, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, int64(900), *got.ERPDocEntry)
	require.Len(t, f.sink.calls, 1)
}

func TestProcessor_ReclaimsExpiredLease(t *testing.T) {
	f := newFixture()
	it := f.enqueue(t, KindInvoice, "INV-8", false)

	// a worker that claimed the item and died
	_, err := f.store.Claim(context.Background(), KindInvoice, f.now)
	require.NoError(t, err)

	gw := &stubGateway{}
	p := NewProcessor(KindInvoice, f.store, gw, f.sink, f.logger, Config{PostTimeout: time.Minute}, WithProcessorClock(f.clock))

	f.now = f.now.Add(2 * time.Minute)
	processed, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.False(t, processed, "lease still held")

	f.now = f.now.Add(2 * time.Minute)
	processed, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Zero(t, got.RetryCount)
	require.Equal(t, 1, gw.calls)
}
