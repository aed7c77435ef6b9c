package stock

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
)

var ErrItemNotFound = errors.New("item not found")

// Source is the read-only view of ERP stock maintained by the sync job.
// Quantities returned here are physical: no reservation has been netted out.
type Source interface {
	Item(ctx context.Context, itemCode string) (allocation.Item, error)
	Batches(ctx context.Context, itemCode, warehouseCode string) ([]allocation.Batch, error)
	BatchQuantity(ctx context.Context, itemCode, warehouseCode, batchNumber string) (decimal.Decimal, error)
}

// MemorySource is an in-process Source, used by tests and local runs.
type MemorySource struct {
	mu      sync.RWMutex
	items   map[string]allocation.Item
	batches map[allocation.StockKey][]allocation.Batch
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		items:   make(map[string]allocation.Item),
		batches: make(map[allocation.StockKey][]allocation.Batch),
	}
}

func (s *MemorySource) PutItem(it allocation.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ItemCode] = it
}

// PutBatch inserts or replaces a batch row.
func (s *MemorySource) PutBatch(itemCode, warehouseCode string, b allocation.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := allocation.StockKey{ItemCode: itemCode, WarehouseCode: warehouseCode}
	rows := s.batches[key]
	for i := range rows {
		if rows[i].BatchNumber == b.BatchNumber {
			rows[i] = b
			return
		}
	}
	s.batches[key] = append(rows, b)
}

func (s *MemorySource) Item(_ context.Context, itemCode string) (allocation.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[itemCode]
	if !ok {
		return allocation.Item{}, ErrItemNotFound
	}
	return it, nil
}

func (s *MemorySource) Batches(_ context.Context, itemCode, warehouseCode string) ([]allocation.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.batches[allocation.StockKey{ItemCode: itemCode, WarehouseCode: warehouseCode}]
	return append([]allocation.Batch(nil), rows...), nil
}

func (s *MemorySource) BatchQuantity(_ context.Context, itemCode, warehouseCode, batchNumber string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches[allocation.StockKey{ItemCode: itemCode, WarehouseCode: warehouseCode}] {
		if b.BatchNumber == batchNumber {
			return b.Available, nil
		}
	}
	return decimal.Zero, nil
}
