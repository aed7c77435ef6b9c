package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Checkpoints remembers the last processed sequence per consumer and partition.
type Checkpoints interface {
	GetLastSequence(ctx context.Context, consumerName, partitionKey string) (int64, bool, error)
	UpsertLastSequence(ctx context.Context, consumerName, partitionKey string, newSeq int64) error
}

// Decision is what a consumer should do with an incoming sequenced message.
type Decision int

const (
	Process Decision = iota
	Duplicate
	Gap
)

// Decide compares an incoming sequence against the checkpoint. Sequence 0 means the
// producer does not sequence the partition, so it is always processed.
func Decide(last int64, ok bool, incoming int64) Decision {
	if !ok || incoming == 0 {
		return Process
	}
	if incoming <= last {
		return Duplicate
	}
	if incoming > last+1 {
		return Gap
	}
	return Process
}

// Executor represents the subset of pgx methods required for dedup operations.
type Executor interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type Repository struct {
	executor Executor
}

func NewRepository(exec Executor) *Repository {
	return &Repository{executor: exec}
}

// WithExecutor returns a shallow copy using the provided executor (e.g., a transaction).
func (r *Repository) WithExecutor(exec Executor) *Repository {
	return &Repository{executor: exec}
}

// GetLastSequence returns the last processed sequence for a consumer/partition.
// The boolean indicates whether a checkpoint existed.
func (r *Repository) GetLastSequence(ctx context.Context, consumerName, partitionKey string) (int64, bool, error) {
	var last int64
	if err := r.executor.QueryRow(ctx, `
		SELECT last_sequence
		FROM event_dedup_checkpoint
		WHERE consumer_name=$1 AND partition_key=$2
	`, consumerName, partitionKey).Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("select checkpoint: %w", err)
	}
	return last, true, nil
}

// UpsertLastSequence advances the checkpoint ensuring monotonic progress even under races.
func (r *Repository) UpsertLastSequence(ctx context.Context, consumerName, partitionKey string, newSeq int64) error {
	_, err := r.executor.Exec(ctx, `
		INSERT INTO event_dedup_checkpoint (consumer_name, partition_key, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_name, partition_key)
		DO UPDATE SET
			last_sequence = GREATEST(event_dedup_checkpoint.last_sequence, EXCLUDED.last_sequence),
			updated_at = now()
	`, consumerName, partitionKey, newSeq)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

type memoryKey struct{ consumer, partition string }

// Memory keeps checkpoints in process; it never moves a checkpoint backwards.
type Memory struct {
	mu   sync.Mutex
	last map[memoryKey]int64
}

func NewMemory() *Memory {
	return &Memory{last: make(map[memoryKey]int64)}
}

func (m *Memory) GetLastSequence(_ context.Context, consumerName, partitionKey string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.last[memoryKey{consumerName, partitionKey}]
	return last, ok, nil
}

func (m *Memory) UpsertLastSequence(_ context.Context, consumerName, partitionKey string, newSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey{consumerName, partitionKey}
	if cur, ok := m.last[k]; !ok || newSeq > cur {
		m.last[k] = newSeq
	}
	return nil
}
