package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/edusync/harvester/internal/core"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "snapshots")
	require.NoError(t, err)
	return store, mock
}

func TestSaveUpserts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs("queue/tasks", []byte(`{"pending":3}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Save(context.Background(), "queue/tasks", map[string]int{"pending": 3})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRequiresKey(t *testing.T) {
	store, _ := newMockStore(t)
	require.Error(t, store.Save(context.Background(), "", "x"))
}

func TestLoadScansValue(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM snapshots").
		WithArgs("cache/entries").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`["https://campus.test/c/1"]`)))

	var out []string
	require.NoError(t, store.Load(context.Background(), "cache/entries", &out))
	require.Equal(t, []string{"https://campus.test/c/1"}, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissingKey(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM snapshots").
		WithArgs("sessions/history").
		WillReturnError(pgx.ErrNoRows)

	var out []string
	require.ErrorIs(t, store.Load(context.Background(), "sessions/history", &out), core.ErrSnapshotNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "snapshots; DROP TABLE users")
	require.Error(t, err)
	_, err = NewWithPool(nil, "snapshots")
	require.Error(t, err)
}
