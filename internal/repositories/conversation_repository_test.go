package repositories

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var convColumns = []string{"id", "listing_id", "listing_title", "user1_id", "user2_id", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*ConversationRepo, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewConversationRepo(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func TestFindOrCreateReturnsExisting(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, listing_id").
		WillReturnRows(sqlmock.NewRows(convColumns).AddRow(7, nil, nil, 1, 2, now, now))

	conv, err := repo.FindOrCreate(context.Background(), 2, 1, "", nil)
	require.NoError(t, err)
	require.Equal(t, 7, conv.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateLosesInsertRace(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	// Both the initial lookup and the guarded insert come up empty when a
	// concurrent request wins the unique index; the final lookup must return
	// the winner's row instead of an error.
	mock.ExpectQuery("SELECT id, listing_id").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO conversations").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id, listing_id").
		WillReturnRows(sqlmock.NewRows(convColumns).AddRow(7, nil, nil, 1, 2, now, now))

	conv, err := repo.FindOrCreate(context.Background(), 2, 1, "", nil)
	require.NoError(t, err)
	require.Equal(t, 7, conv.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateInsertsWhenMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, listing_id").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO conversations").
		WillReturnRows(sqlmock.NewRows(convColumns).AddRow(8, nil, nil, 1, 2, now, now))

	conv, err := repo.FindOrCreate(context.Background(), 1, 2, "", nil)
	require.NoError(t, err)
	require.Equal(t, 8, conv.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
