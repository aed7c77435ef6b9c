package dedup

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	tests := map[string]struct {
		last     int64
		ok       bool
		incoming int64
		want     Decision
	}{
		"first message":    {0, false, 7, Process},
		"unsequenced":      {5, true, 0, Process},
		"next in order":    {5, true, 6, Process},
		"redelivery":       {5, true, 5, Duplicate},
		"older redelivery": {5, true, 2, Duplicate},
		"skipped ahead":    {5, true, 9, Gap},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := Decide(tc.last, tc.ok, tc.incoming); got != tc.want {
				t.Fatalf("Decide(%d, %v, %d) = %d, want %d", tc.last, tc.ok, tc.incoming, got, tc.want)
			}
		})
	}
}

func TestRepository_GetLastSequence(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM event_dedup_checkpoint`).
		WithArgs("reservation-requested", "POS-1").
		WillReturnRows(mock.NewRows([]string{"last_sequence"}).AddRow(int64(3)))
	mock.ExpectQuery(`FROM event_dedup_checkpoint`).
		WithArgs("reservation-requested", "POS-2").
		WillReturnError(pgx.ErrNoRows)

	repo := NewRepository(mock)
	last, ok, err := repo.GetLastSequence(context.Background(), "reservation-requested", "POS-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), last)

	_, ok, err = repo.GetLastSequence(context.Background(), "reservation-requested", "POS-2")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpsertLastSequence(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO event_dedup_checkpoint`).
		WithArgs("reservation-requested", "POS-1", int64(4)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewRepository(mock).UpsertLastSequence(context.Background(), "reservation-requested", "POS-1", 4))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemory_NeverMovesBackwards(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.UpsertLastSequence(ctx, "c", "p", 5))
	require.NoError(t, m.UpsertLastSequence(ctx, "c", "p", 3))

	last, ok, err := m.GetLastSequence(ctx, "c", "p")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), last)

	_, ok, err = m.GetLastSequence(ctx, "c", "other")
	require.NoError(t, err)
	require.False(t, ok)
}
