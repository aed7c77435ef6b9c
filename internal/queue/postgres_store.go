package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBPool matches the methods from *pgxpool.Pool that we use.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	pool DBPool
}

func NewPostgresStore(pool DBPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const itemColumns = `id, kind, external_ref, reservation_id, payload, status, retry_count, max_retries,
	last_error, erp_doc_entry, erp_doc_num, fiscal_required, fiscal_device_no, fiscal_receipt_no,
	fiscal_error, created_at, processing_started_at, processed_at, next_retry_at, source_system,
	priority, total_amount, currency`

func scanItem(row pgx.Row) (*Item, error) {
	var (
		it      Item
		kind    string
		status  string
		payload []byte
	)
	if err := row.Scan(&it.ID, &kind, &it.ExternalRef, &it.ReservationID, &payload, &status, &it.RetryCount,
		&it.MaxRetries, &it.LastError, &it.ERPDocEntry, &it.ERPDocNum, &it.FiscalRequired, &it.FiscalDeviceNo,
		&it.FiscalReceiptNo, &it.FiscalError, &it.CreatedAt, &it.ProcessingStartedAt, &it.ProcessedAt,
		&it.NextRetryAt, &it.SourceSystem, &it.Priority, &it.TotalAmount, &it.Currency); err != nil {
		return nil, err
	}
	it.Kind = Kind(kind)
	it.Status = Status(status)
	it.Payload = payload
	return &it, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, it *Item) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO posting_queue (id, kind, external_ref, reservation_id, payload, status, retry_count,
			max_retries, fiscal_required, created_at, source_system, priority, total_amount, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (kind, external_ref) DO NOTHING
	`, it.ID, string(it.Kind), it.ExternalRef, it.ReservationID, []byte(it.Payload), string(it.Status), it.RetryCount,
		it.MaxRetries, it.FiscalRequired, it.CreatedAt, it.SourceSystem, it.Priority, it.TotalAmount, it.Currency)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateReference
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM posting_queue WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *PostgresStore) FindByReservation(ctx context.Context, reservationID string) (*Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM posting_queue
		WHERE reservation_id=$1
		ORDER BY created_at DESC
		LIMIT 1
	`, reservationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *PostgresStore) ListByStatus(ctx context.Context, kind Kind, status Status, limit int) ([]*Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM posting_queue
		WHERE kind=$1 AND status=$2
		ORDER BY created_at
		LIMIT $3
	`, string(kind), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Claim relies on SKIP LOCKED so concurrent workers never pick the same row.
func (s *PostgresStore) Claim(ctx context.Context, kind Kind, now time.Time) (*Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `
		UPDATE posting_queue
		SET status='Processing', processing_started_at=$2, updated_at=now()
		WHERE id = (
			SELECT id FROM posting_queue
			WHERE kind=$1 AND status='Pending' AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns, string(kind), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) ReleaseStale(ctx context.Context, kind Kind, startedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posting_queue
		SET status='Pending', next_retry_at=NULL, last_error=$3, updated_at=now()
		WHERE kind=$1 AND status='Processing' AND processing_started_at < $2
	`, string(kind), startedBefore, staleLeaseError)
	if err != nil {
		return 0, fmt.Errorf("release stale queue items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, c Completion) error {
	if !CanTransition(KindInvoice, StatusProcessing, c.Status) {
		return ErrIllegalTransition
	}
	kindGuard := ""
	if c.Status == StatusPartiallyCompleted {
		kindGuard = " AND kind='invoice'"
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE posting_queue
		SET status=$2, erp_doc_entry=$3, erp_doc_num=$4, fiscal_device_no=$5, fiscal_receipt_no=$6,
			fiscal_error=$7, processed_at=$8, next_retry_at=NULL, updated_at=now()
		WHERE id=$1 AND status='Processing'`+kindGuard,
		id, string(c.Status), c.DocEntry, c.DocNum, c.FiscalDeviceNo, c.FiscalReceiptNo, c.FiscalError, c.ProcessedAt)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	return s.checkUpdated(ctx, tag, id)
}

func (s *PostgresStore) Retry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posting_queue
		SET status='Pending', retry_count=$2, next_retry_at=$3, last_error=$4, updated_at=now()
		WHERE id=$1 AND status='Processing'
	`, id, retryCount, nextRetryAt, lastErr)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return s.checkUpdated(ctx, tag, id)
}

func (s *PostgresStore) Escalate(ctx context.Context, id string, to Status, retryCount int, lastErr string, at time.Time) error {
	if to != StatusRequiresReview && to != StatusFailed {
		return ErrIllegalTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE posting_queue
		SET status=$2, retry_count=$3, last_error=$4, processed_at=$5, next_retry_at=NULL, updated_at=now()
		WHERE id=$1 AND status='Processing'
	`, id, string(to), retryCount, lastErr, at)
	if err != nil {
		return fmt.Errorf("escalate queue item: %w", err)
	}
	return s.checkUpdated(ctx, tag, id)
}

func (s *PostgresStore) Requeue(ctx context.Context, id string, from Status) error {
	if !CanTransition(KindInvoice, from, StatusPending) || from == StatusProcessing {
		return ErrIllegalTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE posting_queue
		SET status='Pending', retry_count=0, next_retry_at=NULL, processed_at=NULL, updated_at=now()
		WHERE id=$1 AND status=$2
	`, id, string(from))
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return s.checkUpdated(ctx, tag, id)
}

func (s *PostgresStore) Cancel(ctx context.Context, id string, from Status, reason string, at time.Time) error {
	if !CanTransition(KindInvoice, from, StatusCancelled) {
		return ErrIllegalTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE posting_queue
		SET status='Cancelled', last_error=$3, processed_at=$4, next_retry_at=NULL, updated_at=now()
		WHERE id=$1 AND status=$2
	`, id, string(from), reason, at)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	return s.checkUpdated(ctx, tag, id)
}

func (s *PostgresStore) checkUpdated(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM posting_queue WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check queue item: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusChanged
}
