package allocation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultMaxAlternatives = 5

// manualTolerance is how far a manual batch split may drift from the requested quantity.
var manualTolerance = decimal.New(1, -6)

// Engine picks concrete batches for requested quantities. It never mutates stock;
// committing an allocation is the caller's job.
type Engine struct {
	now             func() time.Time
	maxAlternatives int
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithMaxAlternatives(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxAlternatives = n
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:             time.Now,
		maxAlternatives: DefaultMaxAlternatives,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AllocateAll allocates every line against snap. Lines that share a stock key draw
// down the same running availability, so one request can never be offered the same
// units twice. The result is valid only if every line allocated.
func (e *Engine) AllocateAll(reqs []LineRequest, snap Snapshot) Result {
	working := make(map[StockKey][]Batch, len(snap.Batches))
	for k, bs := range snap.Batches {
		working[k] = append([]Batch(nil), bs...)
	}

	res := Result{Valid: true, Lines: make([]LineResult, 0, len(reqs))}
	for _, req := range reqs {
		var item *Item
		if snap.Items != nil {
			item = snap.Items[req.ItemCode]
		}
		lr := e.Allocate(req, item, working[req.Key()])
		if lr.Err != nil {
			res.Valid = false
		} else {
			working[req.Key()] = drawDown(working[req.Key()], lr.Allocation.Claims)
		}
		res.Lines = append(res.Lines, lr)
	}
	return res
}

// Allocate computes the allocation of a single line. item is nil when the item is unknown.
func (e *Engine) Allocate(req LineRequest, item *Item, batches []Batch) LineResult {
	if !req.Quantity.IsPositive() {
		return LineResult{Err: lineError(req, CodeInvalidQuantity, "requested quantity must be positive, got %s", req.Quantity)}
	}
	if req.WarehouseCode == "" {
		return LineResult{Err: lineError(req, CodeWarehouseRequired, "warehouse code is required")}
	}
	if item == nil {
		return LineResult{Err: lineError(req, CodeItemNotFound, "item %s not found", req.ItemCode)}
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyFEFO
		if len(req.Batches) > 0 {
			strategy = StrategyManual
		}
	}
	if (strategy == StrategyManual || len(req.Batches) > 0) && !item.BatchManaged {
		return LineResult{Err: lineError(req, CodeItemNotBatchManaged, "item %s is not batch managed", req.ItemCode)}
	}

	factor, ok := item.ConversionFactor(req.UoMCode)
	if !ok {
		return LineResult{Err: lineError(req, CodeUoMConversion, "no conversion from %s to %s for item %s", req.UoMCode, item.InventoryUoM, req.ItemCode)}
	}
	qty := req.Quantity.Mul(factor)

	alloc := &LineAllocation{
		LineNumber:        req.LineNumber,
		ItemCode:          req.ItemCode,
		WarehouseCode:     req.WarehouseCode,
		RequestedQuantity: req.Quantity,
		RequestedUoM:      req.UoMCode,
		ConversionFactor:  factor,
		Quantity:          qty,
		Strategy:          strategy,
	}

	var lerr *LineError
	if strategy == StrategyManual {
		alloc.Claims, lerr = e.allocateManual(req, qty, batches)
	} else {
		alloc.Claims, lerr = e.allocateAuto(req, strategy, qty, batches)
	}
	if lerr != nil {
		return LineResult{Err: lerr}
	}
	return LineResult{Allocation: alloc}
}

func (e *Engine) allocateManual(req LineRequest, qty decimal.Decimal, batches []Batch) ([]Claim, *LineError) {
	sum := decimal.Zero
	for _, bq := range req.Batches {
		sum = sum.Add(bq.Quantity)
	}
	if sum.Sub(qty).Abs().GreaterThan(manualTolerance) {
		lerr := lineError(req, CodeBatchQuantityMismatch, "batch quantities sum to %s, requested %s", sum, qty)
		lerr.Requested = qty
		return nil, lerr
	}

	byNumber := make(map[string]Batch, len(batches))
	for _, b := range batches {
		byNumber[b.BatchNumber] = b
	}
	taken := make(map[string]decimal.Decimal)
	today := truncateDay(e.now())

	claims := make([]Claim, 0, len(req.Batches))
	for i, bq := range req.Batches {
		b, ok := byNumber[bq.BatchNumber]
		if !ok {
			return nil, batchError(req, bq, CodeBatchNotFound, "batch %s not found", bq.BatchNumber)
		}
		if !b.Active {
			return nil, batchError(req, bq, CodeBatchInactive, "batch %s is not active", bq.BatchNumber)
		}
		if isExpired(b, today) {
			return nil, batchError(req, bq, CodeBatchExpired, "batch %s expired on %s", bq.BatchNumber, b.ExpiryDate.Format(time.DateOnly))
		}
		if !bq.Quantity.IsPositive() {
			return nil, batchError(req, bq, CodeBatchQuantityMismatch, "batch %s quantity must be positive", bq.BatchNumber)
		}
		before := b.Available.Sub(taken[b.BatchNumber])
		if before.LessThan(bq.Quantity) {
			lerr := batchError(req, bq, CodeInsufficientBatchQuantity, "batch %s has %s available, requested %s", bq.BatchNumber, before, bq.Quantity)
			lerr.Available = before
			lerr.Shortage = bq.Quantity.Sub(before)
			return nil, lerr
		}
		taken[b.BatchNumber] = taken[b.BatchNumber].Add(bq.Quantity)
		claims = append(claims, Claim{
			BatchNumber:     b.BatchNumber,
			Quantity:        bq.Quantity,
			AvailableBefore: before,
			AvailableAfter:  before.Sub(bq.Quantity),
			ExpiryDate:      b.ExpiryDate,
			AdmissionDate:   b.AdmissionDate,
			Order:           i + 1,
		})
	}
	return claims, nil
}

func (e *Engine) allocateAuto(req LineRequest, strategy Strategy, qty decimal.Decimal, batches []Batch) ([]Claim, *LineError) {
	eligible := e.eligible(batches)
	sortBatches(eligible, strategy)

	total := decimal.Zero
	for _, b := range eligible {
		total = total.Add(b.Available)
	}

	if total.LessThan(qty) {
		lerr := lineError(req, CodeInsufficientTotalStock, "requested %s, only %s available", qty, total)
		lerr.Requested = qty
		lerr.Available = total
		lerr.Shortage = qty.Sub(total)
		lerr.Alternatives = e.alternatives(eligible, len(eligible))
		return nil, lerr
	}

	remaining := qty
	claims := make([]Claim, 0, 2)
	for _, b := range eligible {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, b.Available)
		claims = append(claims, Claim{
			BatchNumber:     b.BatchNumber,
			Quantity:        take,
			AvailableBefore: b.Available,
			AvailableAfter:  b.Available.Sub(take),
			ExpiryDate:      b.ExpiryDate,
			AdmissionDate:   b.AdmissionDate,
			Order:           len(claims) + 1,
		})
		remaining = remaining.Sub(take)
	}
	return claims, nil
}

func (e *Engine) eligible(batches []Batch) []Batch {
	today := truncateDay(e.now())
	out := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if !b.Active || isExpired(b, today) || !b.Available.IsPositive() {
			continue
		}
		out = append(out, b)
	}
	return out
}

// alternatives lists up to maxAlternatives sorted batches; the first recommended of
// them are the ones a greedy pass would take.
func (e *Engine) alternatives(sorted []Batch, recommended int) []Alternative {
	n := len(sorted)
	if n > e.maxAlternatives {
		n = e.maxAlternatives
	}
	out := make([]Alternative, 0, n)
	for i := 0; i < n; i++ {
		b := sorted[i]
		out = append(out, Alternative{
			BatchNumber:   b.BatchNumber,
			Available:     b.Available,
			ExpiryDate:    b.ExpiryDate,
			AdmissionDate: b.AdmissionDate,
			Recommended:   i < recommended,
		})
	}
	return out
}

func sortBatches(bs []Batch, strategy Strategy) {
	sort.SliceStable(bs, func(i, j int) bool {
		a, b := bs[i], bs[j]
		var primary, secondary int
		if strategy == StrategyFIFO {
			primary = compareDates(a.AdmissionDate, b.AdmissionDate)
			secondary = compareDates(a.ExpiryDate, b.ExpiryDate)
		} else {
			primary = compareDates(a.ExpiryDate, b.ExpiryDate)
			secondary = compareDates(a.AdmissionDate, b.AdmissionDate)
		}
		if primary != 0 {
			return primary < 0
		}
		if secondary != 0 {
			return secondary < 0
		}
		return a.BatchNumber < b.BatchNumber
	})
}

// compareDates orders ascending with nil last.
func compareDates(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case a.After(*b):
		return 1
	default:
		return 0
	}
}

func isExpired(b Batch, today time.Time) bool {
	return b.ExpiryDate != nil && truncateDay(*b.ExpiryDate).Before(today)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func drawDown(batches []Batch, claims []Claim) []Batch {
	if len(claims) == 0 {
		return batches
	}
	taken := make(map[string]decimal.Decimal, len(claims))
	for _, c := range claims {
		taken[c.BatchNumber] = taken[c.BatchNumber].Add(c.Quantity)
	}
	out := make([]Batch, len(batches))
	for i, b := range batches {
		if q, ok := taken[b.BatchNumber]; ok {
			b.Available = b.Available.Sub(q)
		}
		out[i] = b
	}
	return out
}

func batchError(req LineRequest, bq BatchQuantity, code Code, format string, args ...any) *LineError {
	lerr := lineError(req, code, format, args...)
	lerr.BatchNumber = bq.BatchNumber
	lerr.Requested = bq.Quantity
	return lerr
}
