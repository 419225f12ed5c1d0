package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin()
		mock.ExpectCommit()
		require.NoError(t, WithTx(ctx, db, nil, func(context.Context, DBTX) error { return nil }))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin()
		mock.ExpectRollback()
		boom := errors.New("boom")
		err = WithTx(ctx, db, nil, func(context.Context, DBTX) error { return boom })
		assert.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on panic", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin()
		mock.ExpectRollback()
		assert.PanicsWithValue(t, "kaboom", func() {
			_ = WithTx(ctx, db, nil, func(context.Context, DBTX) error { panic("kaboom") })
		})
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin().WillReturnError(errors.New("no conn"))
		err = WithTx(ctx, db, nil, func(context.Context, DBTX) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "begin tx")
	})

	t.Run("commit fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(errors.New("lost"))
		err = WithTx(ctx, db, nil, func(context.Context, DBTX) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "commit tx")
	})
}

func TestPurgeCutoff(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)
	assert.Equal(t, base.Unix(), purgeCutoff(base))
	assert.Equal(t, base.Unix()+1, purgeCutoff(base.Add(500*time.Millisecond)))
	assert.Equal(t, base.Unix()+1, purgeCutoff(base.Add(time.Nanosecond)))
}
