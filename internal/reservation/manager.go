package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/erp"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/lock"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/queue"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/stock"
)

const DefaultLockTimeout = 5 * time.Second

// Enqueuer is the posting pipeline as seen from a reservation.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Item, error)
	CancelForReservation(ctx context.Context, reservationID, reason string) error
}

// Notifier is told about every terminal transition.
type Notifier interface {
	ReservationChanged(ctx context.Context, r *Reservation) error
}

type Deps struct {
	Store    Store
	Stock    stock.Source
	Locks    lock.Service
	Previews *lock.PreviewStore
	Engine   *allocation.Engine
	Queue    Enqueuer
	Notifier Notifier
	Logger   *logrus.Logger
}

// Manager owns the reservation state machine. Creation is serialized per stock key
// by the lock service; every other transition is a conditional store write.
type Manager struct {
	store       Store
	stock       stock.Source
	locks       lock.Service
	previews    *lock.PreviewStore
	engine      *allocation.Engine
	queue       Enqueuer
	notifier    Notifier
	logger      *logrus.Logger
	validate    *validator.Validate
	tracer      trace.Tracer
	now         func() time.Time
	lockTimeout time.Duration
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

func NewManager(d Deps, opts ...Option) *Manager {
	m := &Manager{
		store:       d.Store,
		stock:       d.Stock,
		locks:       d.Locks,
		previews:    d.Previews,
		engine:      d.Engine,
		queue:       d.Queue,
		notifier:    d.Notifier,
		logger:      d.Logger,
		validate:    validator.New(),
		tracer:      otel.Tracer("erp-reservation/reservation"),
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
	}
	if m.engine == nil {
		m.engine = allocation.NewEngine()
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type ValidateResult struct {
	allocation.Result
	Preview *lock.Preview `json:"preview,omitempty"`
}

// Validate is a dry run against live availability. Nothing is locked or written;
// a valid result can carry a preview token for a follow-up Create.
func (m *Manager) Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	reqs, err := lineRequests(req.Strategy, req.Lines)
	if err != nil {
		return nil, validationError(err)
	}
	snap, err := m.snapshot(ctx, reqs)
	if err != nil {
		return nil, err
	}

	out := &ValidateResult{Result: m.engine.AllocateAll(reqs, snap)}
	if out.Valid && req.IssuePreview && m.previews != nil {
		pv := m.previews.Issue(out.Allocations())
		out.Preview = &pv
	}
	return out, nil
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Reservation, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.create", trace.WithAttributes(
		attribute.String("reservation.external_ref", req.ExternalRef),
		attribute.Int("reservation.lines", len(req.Lines)),
	))
	defer span.End()

	r, err := m.create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("reservation.id", r.ID))
	return r, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (*Reservation, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	docType, err := ParseDocumentType(string(req.DocumentType))
	if err != nil {
		return nil, validationError(err)
	}
	reqs, err := lineRequests(req.Strategy, req.Lines)
	if err != nil {
		return nil, validationError(err)
	}

	if _, err := m.store.GetByExternalRef(ctx, req.ExternalRef); err == nil {
		return nil, newError(CodeDuplicateReference, "reservation for %s already exists", req.ExternalRef)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	release, err := m.lockKeys(ctx, stockKeys(reqs))
	if err != nil {
		return nil, err
	}
	defer release()

	plan, err := m.plan(ctx, req.PreviewToken, reqs)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	r := &Reservation{
		ID:           uuid.NewString(),
		ExternalRef:  req.ExternalRef,
		SourceSystem: req.SourceSystem,
		DocumentType: docType,
		CustomerCode: req.CustomerCode,
		CustomerName: req.CustomerName,
		Currency:     req.Currency,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(ClampMinutes(req.DurationMinutes)) * time.Minute),
		CreatedBy:    req.CreatedBy,
		Metadata:     req.Metadata,
		TotalValue:   decimal.Zero,
	}
	r.Lines = buildLines(req.Lines, reqs, plan)
	for _, l := range r.Lines {
		r.TotalValue = r.TotalValue.Add(l.LineTotal)
	}

	if err := m.store.Create(ctx, r); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"reservation_id": r.ID,
		"external_ref":   r.ExternalRef,
		"lines":          len(r.Lines),
		"expires_at":     r.ExpiresAt,
	}).Info("reservation created")
	return r, nil
}

// plan returns the allocation to persist. A usable preview is re-verified against
// live availability instead of being recomputed; a stale one is a conflict.
func (m *Manager) plan(ctx context.Context, token string, reqs []allocation.LineRequest) ([]allocation.LineAllocation, error) {
	snap, err := m.snapshot(ctx, reqs)
	if err != nil {
		return nil, err
	}

	if token != "" && m.previews != nil {
		pv, ok := m.previews.Take(token)
		if ok && planMatches(pv.Plan, reqs) {
			if lerr := m.engine.Verify(pv.Plan, snap); lerr != nil {
				return nil, &Error{
					Code:    CodeConcurrencyConflict,
					Message: "stock changed since validation: " + lerr.Error(),
					Lines:   []*allocation.LineError{lerr},
				}
			}
			return pv.Plan, nil
		}
		m.logger.WithField("preview_token", token).Debug("preview token not usable, allocating afresh")
	}

	res := m.engine.AllocateAll(reqs, snap)
	if !res.Valid {
		return nil, allocationError(res.Errors())
	}
	return res.Allocations(), nil
}

func planMatches(plan []allocation.LineAllocation, reqs []allocation.LineRequest) bool {
	if len(plan) != len(reqs) {
		return false
	}
	for i, a := range plan {
		r := reqs[i]
		if a.LineNumber != r.LineNumber || a.ItemCode != r.ItemCode || a.WarehouseCode != r.WarehouseCode ||
			!a.RequestedQuantity.Equal(r.Quantity) || !strings.EqualFold(a.RequestedUoM, r.UoMCode) {
			return false
		}
	}
	return true
}

func buildLines(in []LineInput, reqs []allocation.LineRequest, plan []allocation.LineAllocation) []Line {
	byLine := make(map[int]allocation.LineAllocation, len(plan))
	for _, a := range plan {
		byLine[a.LineNumber] = a
	}

	lines := make([]Line, 0, len(in))
	for i, li := range in {
		a := byLine[reqs[i].LineNumber]
		l := Line{
			LineNumber:        reqs[i].LineNumber,
			ItemCode:          li.ItemCode,
			Description:       li.Description,
			WarehouseCode:     li.WarehouseCode,
			Quantity:          a.Quantity,
			RequestedQuantity: li.Quantity,
			UoMCode:           li.UoMCode,
			UnitPrice:         li.UnitPrice,
			DiscountPercent:   li.DiscountPercent,
			LineTotal:         lineTotal(li),
			TaxCode:           li.TaxCode,
			Claims:            make([]BatchClaim, 0, len(a.Claims)),
		}
		for _, c := range a.Claims {
			l.Claims = append(l.Claims, BatchClaim{
				ItemCode:        a.ItemCode,
				BatchNumber:     c.BatchNumber,
				WarehouseCode:   a.WarehouseCode,
				Quantity:        c.Quantity,
				ExpiryDate:      c.ExpiryDate,
				AllocationOrder: c.Order,
			})
		}
		lines = append(lines, l)
	}
	return lines
}

// stockKeys returns the distinct keys of a request in lock order.
func stockKeys(reqs []allocation.LineRequest) []allocation.StockKey {
	seen := make(map[allocation.StockKey]bool)
	var keys []allocation.StockKey
	for _, r := range reqs {
		k := r.Key()
		if k.WarehouseCode == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// lockKeys takes every key or none. The returned func releases in reverse order.
func (m *Manager) lockKeys(ctx context.Context, keys []allocation.StockKey) (func(), error) {
	tokens := make([]lock.Token, 0, len(keys))
	release := func() {
		rctx := context.WithoutCancel(ctx)
		for i := len(tokens) - 1; i >= 0; i-- {
			if err := m.locks.Release(rctx, tokens[i]); err != nil {
				m.logger.WithError(err).WithField("lock_key", tokens[i].Key).Warn("lock release failed")
			}
		}
	}

	for _, k := range keys {
		tok, err := m.locks.Acquire(ctx, lock.Key(k.ItemCode, k.WarehouseCode), m.lockTimeout)
		if err != nil {
			release()
			if errors.Is(err, lock.ErrNotAcquired) {
				return nil, newError(CodeLockAcquisitionFailed, "stock %s is busy, retry later", k)
			}
			return nil, fmt.Errorf("acquire lock for %s: %w", k, err)
		}
		tokens = append(tokens, tok)
	}
	return release, nil
}

// snapshot reads items and net availability for every key a request touches.
func (m *Manager) snapshot(ctx context.Context, reqs []allocation.LineRequest) (allocation.Snapshot, error) {
	snap := allocation.Snapshot{
		Items:   make(map[string]*allocation.Item),
		Batches: make(map[allocation.StockKey][]allocation.Batch),
	}
	for _, r := range reqs {
		if _, seen := snap.Items[r.ItemCode]; !seen {
			it, err := m.stock.Item(ctx, r.ItemCode)
			switch {
			case errors.Is(err, stock.ErrItemNotFound):
				snap.Items[r.ItemCode] = nil
			case err != nil:
				return snap, fmt.Errorf("load item %s: %w", r.ItemCode, err)
			default:
				snap.Items[r.ItemCode] = &it
			}
		}

		key := r.Key()
		if key.WarehouseCode == "" {
			continue
		}
		if _, seen := snap.Batches[key]; seen {
			continue
		}
		rows, err := m.availability(ctx, key.ItemCode, key.WarehouseCode)
		if err != nil {
			return snap, err
		}
		batches := make([]allocation.Batch, len(rows))
		for i, row := range rows {
			batches[i] = row.batch
			batches[i].Available = row.Available
		}
		snap.Batches[key] = batches
	}
	return snap, nil
}

type availabilityRow struct {
	BatchAvailability
	batch allocation.Batch
}

// availability nets pending claims out of the physical quantities. Nothing here
// is stored; it is recomputed on every call.
func (m *Manager) availability(ctx context.Context, itemCode, warehouseCode string) ([]availabilityRow, error) {
	physical, err := m.stock.Batches(ctx, itemCode, warehouseCode)
	if err != nil {
		return nil, fmt.Errorf("load batches for %s/%s: %w", itemCode, warehouseCode, err)
	}
	claimed, err := m.store.ClaimedByBatch(ctx, itemCode, warehouseCode)
	if err != nil {
		return nil, fmt.Errorf("load claims for %s/%s: %w", itemCode, warehouseCode, err)
	}

	rows := make([]availabilityRow, 0, len(physical))
	for _, b := range physical {
		held := claimed[b.BatchNumber]
		avail := b.Available.Sub(held)
		if avail.IsNegative() {
			avail = decimal.Zero
		}
		rows = append(rows, availabilityRow{
			BatchAvailability: BatchAvailability{
				BatchNumber: b.BatchNumber,
				Physical:    b.Available,
				Claimed:     held,
				Available:   avail,
				ExpiryDate:  b.ExpiryDate,
				Active:      b.Active,
			},
			batch: b,
		})
	}
	return rows, nil
}

func (m *Manager) Availability(ctx context.Context, itemCode, warehouseCode string) ([]BatchAvailability, error) {
	if _, err := m.stock.Item(ctx, itemCode); err != nil {
		if errors.Is(err, stock.ErrItemNotFound) {
			return nil, &Error{Code: Code(allocation.CodeItemNotFound), Message: fmt.Sprintf("item %s not found", itemCode)}
		}
		return nil, err
	}
	rows, err := m.availability(ctx, itemCode, warehouseCode)
	if err != nil {
		return nil, err
	}
	out := make([]BatchAvailability, len(rows))
	for i, r := range rows {
		out[i] = r.BatchAvailability
	}
	return out, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Reservation, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) GetByExternalRef(ctx context.Context, externalRef string) (*Reservation, error) {
	return m.store.GetByExternalRef(ctx, externalRef)
}

func (m *Manager) Renew(ctx context.Context, id string, extensionMinutes int) (*Reservation, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, stateError(r)
	}
	now := m.now().UTC()
	if r.ExpiredAt(now) {
		return nil, m.expireLapsed(ctx, r)
	}

	d := time.Duration(ClampMinutes(extensionMinutes)) * time.Minute
	if err := m.store.Extend(ctx, id, d, now); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, m.lostRace(ctx, id)
		}
		return nil, err
	}

	updated, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"reservation_id": id,
		"expires_at":     updated.ExpiresAt,
		"renewal_count":  updated.RenewalCount,
	}).Info("reservation renewed")
	return updated, nil
}

func (m *Manager) Cancel(ctx context.Context, id, reason string) (*Reservation, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, stateError(r)
	}
	if reason == "" {
		reason = "cancelled by caller"
	}

	if r.ConfirmRequestedAt != nil && m.queue != nil {
		err := m.queue.CancelForReservation(ctx, id, "reservation cancelled: "+reason)
		switch {
		case err == nil, errors.Is(err, queue.ErrNotFound):
		case errors.Is(err, queue.ErrNotCancellable):
			return nil, newError(CodeAlreadyConfirmed, "reservation %s is being posted and can no longer be cancelled", id)
		default:
			return nil, fmt.Errorf("withdraw queued document: %w", err)
		}
	}

	if err := m.store.Transition(ctx, id, StatusPending, StatusCancelled, Change{At: m.now().UTC(), Reason: reason}); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, m.lostRace(ctx, id)
		}
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{"reservation_id": id, "reason": reason}).Info("reservation cancelled")
	return m.reloadAndNotify(ctx, id)
}

// Confirm hands the reservation to the posting queue and returns without waiting
// for the ERP. The reservation stays Pending until the queue reports back.
func (m *Manager) Confirm(ctx context.Context, id string, opts ConfirmOptions) (*queue.Item, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.confirm", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()

	it, err := m.confirm(ctx, id, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("queue.item_id", it.ID), attribute.String("queue.kind", string(it.Kind)))
	return it, nil
}

func (m *Manager) confirm(ctx context.Context, id string, opts ConfirmOptions) (*queue.Item, error) {
	if err := m.validate.Struct(opts); err != nil {
		return nil, validationError(err)
	}
	if m.queue == nil {
		return nil, errors.New("posting queue not configured")
	}

	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, stateError(r)
	}
	if r.ConfirmRequestedAt != nil {
		return nil, newError(CodeAlreadyConfirmed, "confirmation of reservation %s already requested", id)
	}
	now := m.now().UTC()
	if r.ExpiredAt(now) {
		return nil, m.expireLapsed(ctx, r)
	}

	kind, doc, err := buildDocument(r, opts, now)
	if err != nil {
		return nil, validationError(err)
	}

	if err := m.store.MarkConfirmRequested(ctx, id, now); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, m.lostRace(ctx, id)
		}
		return nil, err
	}

	it, err := m.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:           kind,
		ExternalRef:    r.ExternalRef,
		ReservationID:  r.ID,
		Document:       doc,
		FiscalRequired: kind == queue.KindInvoice && !opts.SkipFiscalization,
		SourceSystem:   r.SourceSystem,
		Priority:       opts.Priority,
		TotalAmount:    r.TotalValue,
		Currency:       r.Currency,
		MaxRetries:     opts.MaxRetries,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateReference) {
			return nil, newError(CodeAlreadyConfirmed, "a document for %s is already queued", r.ExternalRef)
		}
		if cerr := m.store.ClearConfirmRequested(ctx, id); cerr != nil {
			m.logger.WithError(cerr).WithField("reservation_id", id).Error("failed to clear confirm mark after enqueue failure")
		}
		return nil, fmt.Errorf("enqueue document for %s: %w", r.ExternalRef, err)
	}

	m.logger.WithFields(logrus.Fields{
		"reservation_id": id,
		"queue_item_id":  it.ID,
		"queue":          it.Kind,
	}).Info("reservation confirmation queued")
	return it, nil
}

func buildDocument(r *Reservation, opts ConfirmOptions, now time.Time) (queue.Kind, any, error) {
	docDate := now
	if opts.DocDate != nil {
		docDate = *opts.DocDate
	}

	if opts.ToWarehouseCode != "" {
		from := r.Lines[0].WarehouseCode
		lines := make([]erp.DocumentLine, 0, len(r.Lines))
		for _, l := range r.Lines {
			if l.WarehouseCode != from {
				return "", nil, fmt.Errorf("transfer lines must share one source warehouse, got %s and %s", from, l.WarehouseCode)
			}
			if l.WarehouseCode == opts.ToWarehouseCode {
				return "", nil, fmt.Errorf("transfer destination %s equals the source warehouse", opts.ToWarehouseCode)
			}
			dl := documentLine(l)
			dl.Quantity = l.Quantity
			dl.UoMCode = ""
			lines = append(lines, dl)
		}
		return queue.KindTransfer, erp.TransferDocument{
			ExternalRef:   r.ExternalRef,
			FromWarehouse: from,
			ToWarehouse:   opts.ToWarehouseCode,
			DocDate:       docDate,
			Comments:      opts.Comments,
			Lines:         lines,
		}, nil
	}

	lines := make([]erp.DocumentLine, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, documentLine(l))
	}
	return queue.KindInvoice, erp.InvoiceDocument{
		ExternalRef:  r.ExternalRef,
		DocumentType: string(r.DocumentType),
		CardCode:     r.CustomerCode,
		CardName:     r.CustomerName,
		DocDate:      docDate,
		Currency:     r.Currency,
		Comments:     opts.Comments,
		Lines:        lines,
	}, nil
}

func documentLine(l Line) erp.DocumentLine {
	dl := erp.DocumentLine{
		LineNum:         l.LineNumber,
		ItemCode:        l.ItemCode,
		Description:     l.Description,
		Quantity:        l.RequestedQuantity,
		UoMCode:         l.UoMCode,
		WarehouseCode:   l.WarehouseCode,
		UnitPrice:       l.UnitPrice,
		DiscountPercent: l.DiscountPercent,
		TaxCode:         l.TaxCode,
	}
	for _, c := range l.Claims {
		if c.BatchNumber == "" {
			continue
		}
		dl.Batches = append(dl.Batches, erp.BatchLine{BatchNumber: c.BatchNumber, Quantity: c.Quantity})
	}
	return dl
}

// MarkConfirmed records a successful posting. Repeating it is a no-op.
func (m *Manager) MarkConfirmed(ctx context.Context, id string, ref erp.DocumentRef) error {
	entry, num := ref.DocEntry, ref.DocNum
	err := m.store.Transition(ctx, id, StatusPending, StatusConfirmed, Change{At: m.now().UTC(), DocEntry: &entry, DocNum: &num})
	if errors.Is(err, ErrStatusChanged) {
		r, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if r.Status == StatusConfirmed {
			return nil
		}
		m.logger.WithFields(logrus.Fields{
			"reservation_id": id,
			"status":         r.Status,
			"doc_entry":      ref.DocEntry,
		}).Warn("document posted for a reservation that is no longer pending")
		return stateError(r)
	}
	if err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{"reservation_id": id, "doc_entry": ref.DocEntry, "doc_num": ref.DocNum}).Info("reservation confirmed")
	_, err = m.reloadAndNotify(ctx, id)
	return err
}

func (m *Manager) MarkFailed(ctx context.Context, id, reason string) error {
	err := m.store.Transition(ctx, id, StatusPending, StatusFailed, Change{At: m.now().UTC(), Reason: reason})
	if errors.Is(err, ErrStatusChanged) {
		r, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if r.Status == StatusFailed {
			return nil
		}
		return stateError(r)
	}
	if err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{"reservation_id": id, "reason": reason}).Warn("reservation failed")
	_, err = m.reloadAndNotify(ctx, id)
	return err
}

// Expire moves a lapsed Pending reservation to Expired. It reports false when
// another transition got there first, or when the confirmed document is
// already with the ERP and the queue will settle the reservation instead.
func (m *Manager) Expire(ctx context.Context, id string) (bool, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != StatusPending {
		return false, nil
	}

	// A queued document must not reach the ERP once its claims are released.
	if r.ConfirmRequestedAt != nil && m.queue != nil {
		err := m.queue.CancelForReservation(ctx, id, "reservation expired")
		switch {
		case err == nil, errors.Is(err, queue.ErrNotFound):
		case errors.Is(err, queue.ErrNotCancellable):
			m.logger.WithField("reservation_id", id).Info("expiry deferred, document is being posted")
			return false, nil
		default:
			return false, fmt.Errorf("withdraw queued document: %w", err)
		}
	}

	err = m.store.Transition(ctx, id, StatusPending, StatusExpired, Change{At: m.now().UTC()})
	if errors.Is(err, ErrStatusChanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.logger.WithField("reservation_id", id).Info("reservation expired")
	if _, err := m.reloadAndNotify(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

// expireLapsed expires a reservation the reaper has not reached yet and reports it.
func (m *Manager) expireLapsed(ctx context.Context, r *Reservation) error {
	if _, err := m.Expire(ctx, r.ID); err != nil {
		m.logger.WithError(err).WithField("reservation_id", r.ID).Warn("eager expiry failed")
	}
	return newError(CodeExpired, "reservation %s expired at %s", r.ID, r.ExpiresAt.Format(time.RFC3339))
}

// lostRace explains a conditional write that found the row changed underneath it.
func (m *Manager) lostRace(ctx context.Context, id string) error {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != StatusPending {
		return stateError(r)
	}
	if r.ExpiredAt(m.now().UTC()) {
		return m.expireLapsed(ctx, r)
	}
	if r.ConfirmRequestedAt != nil {
		return newError(CodeAlreadyConfirmed, "confirmation of reservation %s already requested", id)
	}
	return newError(CodeConcurrencyConflict, "reservation %s changed concurrently, retry", id)
}

func (m *Manager) reloadAndNotify(ctx context.Context, id string) (*Reservation, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.notifier != nil {
		if err := m.notifier.ReservationChanged(ctx, r); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"reservation_id": id,
				"status":         r.Status,
			}).Warn("lifecycle notification failed")
		}
	}
	return r, nil
}
