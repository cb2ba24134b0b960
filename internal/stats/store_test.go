package stats

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcrelay/rpcgate/internal/cache"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	s := &Store{
		db:       db,
		window:   cache.NewMemoryWindow(20),
		pending:  make(chan pendingLog, 64),
		flushNow: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()

	t.Cleanup(func() {
		s.Close()
	})

	return s, mock
}

func TestStore_EnsureEndpoint_InsertsNewRow(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM endpoints WHERE url = \?`).
		WithArgs("https://rpc.example.com").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO endpoints`).
		WithArgs("https://rpc.example.com", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO endpoint_statistics`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := s.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_EnsureEndpoint_ReactivatesExisting(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id"}).AddRow(int64(7))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM endpoints WHERE url = \?`).
		WithArgs("https://rpc.example.com").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE endpoints SET active = 1`).
		WithArgs(sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := s.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordRateLimitEvent(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rate_limit_events`).
		WithArgs(int64(3), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1500), 429, "rate limited").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE endpoint_statistics SET rate_limited`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RecordRateLimitEvent(ctx, 3, 1500, 429, "rate limited")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AverageCooldown_NoEvents(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"avg"}).AddRow(nil)
	mock.ExpectQuery(`SELECT AVG\(cooldown_duration_ms\)`).
		WithArgs(int64(4), sqlmock.AnyArg()).
		WillReturnRows(rows)

	_, ok, err := s.AverageCooldown(ctx, 4, 7*24*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AverageCooldown_ReturnsMean(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"avg"}).AddRow(2500.0)
	mock.ExpectQuery(`SELECT AVG\(cooldown_duration_ms\)`).
		WithArgs(int64(4), sqlmock.AnyArg()).
		WillReturnRows(rows)

	avg, ok, err := s.AverageCooldown(ctx, 4, 7*24*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, avg)
}

func TestStore_RecordRequest_FlushesOnDemand(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO request_log`)
	mock.ExpectExec(`INSERT INTO request_log`).
		WithArgs(int64(1), "eth_call", true, sqlmock.AnyArg(), 200, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE endpoint_statistics`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.RecordRequest(ctx, 1, "eth_call", true, 42*time.Millisecond, 200, ""))
	require.NoError(t, s.FlushNow(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
