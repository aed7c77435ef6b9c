package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
)

// Querier matches the read methods of *pgxpool.Pool we use.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource reads the erp_* tables filled by the ERP sync job.
type PostgresSource struct {
	db Querier
}

func NewPostgresSource(db Querier) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Item(ctx context.Context, itemCode string) (allocation.Item, error) {
	it := allocation.Item{ItemCode: itemCode, UoMFactors: map[string]decimal.Decimal{}}
	err := s.db.QueryRow(ctx, `
		SELECT description, inventory_uom, batch_managed
		FROM erp_items
		WHERE item_code=$1
	`, itemCode).Scan(&it.Description, &it.InventoryUoM, &it.BatchManaged)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return allocation.Item{}, ErrItemNotFound
		}
		return allocation.Item{}, fmt.Errorf("select item: %w", err)
	}

	rows, err := s.db.Query(ctx, `SELECT uom_code, factor FROM erp_item_uoms WHERE item_code=$1`, itemCode)
	if err != nil {
		return allocation.Item{}, fmt.Errorf("select item uoms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		var factor decimal.Decimal
		if err := rows.Scan(&code, &factor); err != nil {
			return allocation.Item{}, fmt.Errorf("scan item uom: %w", err)
		}
		it.UoMFactors[code] = factor
	}
	return it, rows.Err()
}

func (s *PostgresSource) Batches(ctx context.Context, itemCode, warehouseCode string) ([]allocation.Batch, error) {
	rows, err := s.db.Query(ctx, `
		SELECT batch_number, quantity, expiry_date, admission_date, manufacturing_date, active
		FROM erp_batch_stock
		WHERE item_code=$1 AND warehouse_code=$2
	`, itemCode, warehouseCode)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	defer rows.Close()

	var out []allocation.Batch
	for rows.Next() {
		var b allocation.Batch
		var expiry, admission, manufactured *time.Time
		if err := rows.Scan(&b.BatchNumber, &b.Available, &expiry, &admission, &manufactured, &b.Active); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.ExpiryDate, b.AdmissionDate, b.ManufacturingDate = expiry, admission, manufactured
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresSource) BatchQuantity(ctx context.Context, itemCode, warehouseCode, batchNumber string) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := s.db.QueryRow(ctx, `
		SELECT quantity
		FROM erp_batch_stock
		WHERE item_code=$1 AND warehouse_code=$2 AND batch_number=$3
	`, itemCode, warehouseCode, batchNumber).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("select batch quantity: %w", err)
	}
	return qty, nil
}
