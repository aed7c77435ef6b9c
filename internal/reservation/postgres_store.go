package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DBPool matches the methods from *pgxpool.Pool that the store uses, so tests can
// substitute pgxmock.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type PostgresStore struct {
	pool DBPool
}

func NewPostgresStore(pool DBPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const reservationColumns = `id, external_ref, source_system, document_type, customer_code, customer_name,
	total_value, currency, status, created_at, expires_at, confirm_requested_at, confirmed_at,
	erp_doc_entry, erp_doc_num, cancelled_at, cancellation_reason, failure_reason,
	renewal_count, last_renewed_at, created_by, metadata`

func (s *PostgresStore) Create(ctx context.Context, r *Reservation) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, external_ref, source_system, document_type, customer_code, customer_name,
			total_value, currency, status, created_at, expires_at, created_by, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (external_ref) DO NOTHING
	`, r.ID, r.ExternalRef, r.SourceSystem, string(r.DocumentType), r.CustomerCode, r.CustomerName,
		r.TotalValue, r.Currency, string(r.Status), r.CreatedAt, r.ExpiresAt, r.CreatedBy, meta)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return newError(CodeDuplicateReference, "reservation for %s already exists", r.ExternalRef)
	}

	for _, l := range r.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservation_lines (reservation_id, line_number, item_code, description, warehouse_code,
				quantity, requested_quantity, uom_code, unit_price, discount_percent, line_total, tax_code)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, r.ID, l.LineNumber, l.ItemCode, l.Description, l.WarehouseCode,
			l.Quantity, l.RequestedQuantity, l.UoMCode, l.UnitPrice, l.DiscountPercent, l.LineTotal, l.TaxCode); err != nil {
			return fmt.Errorf("insert line %d: %w", l.LineNumber, err)
		}
		for _, c := range l.Claims {
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservation_batch_claims (reservation_id, line_number, item_code, batch_number,
					warehouse_code, quantity, expiry_date, allocation_order)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, r.ID, l.LineNumber, c.ItemCode, c.BatchNumber, c.WarehouseCode, c.Quantity, c.ExpiryDate, c.AllocationOrder); err != nil {
				return fmt.Errorf("insert claim %s: %w", c.BatchNumber, err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Reservation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(CodeNotFound, "reservation %s not found", id)
		}
		return nil, err
	}
	if err := s.loadLines(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) GetByExternalRef(ctx context.Context, externalRef string) (*Reservation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE external_ref=$1`, externalRef)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(CodeNotFound, "no reservation for %s", externalRef)
		}
		return nil, err
	}
	if err := s.loadLines(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		r       Reservation
		docType string
		status  string
		meta    []byte
	)
	if err := row.Scan(&r.ID, &r.ExternalRef, &r.SourceSystem, &docType, &r.CustomerCode, &r.CustomerName,
		&r.TotalValue, &r.Currency, &status, &r.CreatedAt, &r.ExpiresAt, &r.ConfirmRequestedAt, &r.ConfirmedAt,
		&r.ERPDocEntry, &r.ERPDocNum, &r.CancelledAt, &r.CancellationReason, &r.FailureReason,
		&r.RenewalCount, &r.LastRenewedAt, &r.CreatedBy, &meta); err != nil {
		return nil, err
	}
	r.DocumentType = DocumentType(docType)
	r.Status = Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) loadLines(ctx context.Context, r *Reservation) error {
	rows, err := s.pool.Query(ctx, `
		SELECT line_number, item_code, description, warehouse_code, quantity, requested_quantity,
			uom_code, unit_price, discount_percent, line_total, tax_code
		FROM reservation_lines
		WHERE reservation_id=$1
		ORDER BY line_number
	`, r.ID)
	if err != nil {
		return fmt.Errorf("select lines: %w", err)
	}
	index := make(map[int]int)
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.LineNumber, &l.ItemCode, &l.Description, &l.WarehouseCode, &l.Quantity,
			&l.RequestedQuantity, &l.UoMCode, &l.UnitPrice, &l.DiscountPercent, &l.LineTotal, &l.TaxCode); err != nil {
			rows.Close()
			return fmt.Errorf("scan line: %w", err)
		}
		index[l.LineNumber] = len(r.Lines)
		r.Lines = append(r.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT line_number, item_code, batch_number, warehouse_code, quantity, expiry_date, allocation_order
		FROM reservation_batch_claims
		WHERE reservation_id=$1
		ORDER BY line_number, allocation_order
	`, r.ID)
	if err != nil {
		return fmt.Errorf("select claims: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			lineNo int
			c      BatchClaim
		)
		if err := rows.Scan(&lineNo, &c.ItemCode, &c.BatchNumber, &c.WarehouseCode, &c.Quantity, &c.ExpiryDate, &c.AllocationOrder); err != nil {
			return fmt.Errorf("scan claim: %w", err)
		}
		i, ok := index[lineNo]
		if !ok {
			continue
		}
		r.Lines[i].Claims = append(r.Lines[i].Claims, c)
	}
	return rows.Err()
}

func (s *PostgresStore) ClaimedByBatch(ctx context.Context, itemCode, warehouseCode string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.batch_number, SUM(c.quantity)
		FROM reservation_batch_claims c
		JOIN reservations r ON r.id = c.reservation_id
		WHERE r.status = 'Pending' AND c.item_code=$1 AND c.warehouse_code=$2
		GROUP BY c.batch_number
	`, itemCode, warehouseCode)
	if err != nil {
		return nil, fmt.Errorf("sum claims: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			batch string
			qty   decimal.Decimal
		)
		if err := rows.Scan(&batch, &qty); err != nil {
			return nil, fmt.Errorf("scan claim sum: %w", err)
		}
		out[batch] = qty
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, ch Change) error {
	if !CanTransition(from, to) {
		return ErrIllegalTransition
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	switch to {
	case StatusConfirmed:
		tag, err = s.pool.Exec(ctx, `
			UPDATE reservations
			SET status=$3, confirmed_at=$4, erp_doc_entry=$5, erp_doc_num=$6, updated_at=now()
			WHERE id=$1 AND status=$2
		`, id, string(from), string(to), ch.At, ch.DocEntry, ch.DocNum)
	case StatusCancelled:
		tag, err = s.pool.Exec(ctx, `
			UPDATE reservations
			SET status=$3, cancelled_at=$4, cancellation_reason=$5, updated_at=now()
			WHERE id=$1 AND status=$2
		`, id, string(from), string(to), ch.At, ch.Reason)
	case StatusFailed:
		tag, err = s.pool.Exec(ctx, `
			UPDATE reservations
			SET status=$3, failure_reason=$4, updated_at=now()
			WHERE id=$1 AND status=$2
		`, id, string(from), string(to), ch.Reason)
	default:
		tag, err = s.pool.Exec(ctx, `
			UPDATE reservations
			SET status=$3, updated_at=now()
			WHERE id=$1 AND status=$2
		`, id, string(from), string(to))
	}
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdated(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Extend(ctx context.Context, id string, d time.Duration, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reservations
		SET expires_at = expires_at + make_interval(secs => $2),
			renewal_count = renewal_count + 1,
			last_renewed_at = $3,
			updated_at = now()
		WHERE id=$1 AND status='Pending' AND expires_at > $3
	`, id, d.Seconds(), now)
	if err != nil {
		return fmt.Errorf("extend reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdated(ctx, id)
	}
	return nil
}

func (s *PostgresStore) MarkConfirmRequested(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reservations
		SET confirm_requested_at=$2, updated_at=now()
		WHERE id=$1 AND status='Pending' AND confirm_requested_at IS NULL AND expires_at > $2
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark confirm requested: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdated(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ClearConfirmRequested(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reservations SET confirm_requested_at=NULL, updated_at=now() WHERE id=$1
	`, id)
	if err != nil {
		return fmt.Errorf("clear confirm requested: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM reservations
		WHERE status='Pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// notUpdated tells a missing row apart from a lost conditional write.
func (s *PostgresStore) notUpdated(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservations WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check reservation: %w", err)
	}
	if !exists {
		return newError(CodeNotFound, "reservation %s not found", id)
	}
	return ErrStatusChanged
}
