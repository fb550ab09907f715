package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSQLite(t *testing.T) *Client {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	client, err := Open(context.Background(), Option{
		URL:          "sqlite://file:" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Migrate(context.Background()))
	return client
}

func mockPostgres(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return Wrap(db), mock
}

func TestDialectorFor(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"postgres://u:p@localhost:5432/db", DialectPostgres, false},
		{"postgresql://u:p@localhost:5432/db?sslmode=disable", DialectPostgres, false},
		{"sqlite://etl.db", DialectSQLite, false},
		{"file:etl.db?cache=shared", DialectSQLite, false},
		{"", "", true},
		{"mysql://root@localhost/db", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			d, err := dialectorFor(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}

func TestOpen_SQLiteMigrateAndRaw(t *testing.T) {
	client := openSQLite(t)
	ctx := context.Background()

	assert.Equal(t, DialectSQLite, client.Dialect())
	require.NoError(t, client.Ping(ctx))

	now := time.Now()
	require.NoError(t, client.SaveRaw(ctx, "coingecko", json.RawMessage(`{"symbol":"btc"}`), now))
	require.NoError(t, client.SaveRaw(ctx, "coingecko", json.RawMessage(`{"symbol":"eth"}`), now))
	require.NoError(t, client.SaveRaw(ctx, "csv_local", json.RawMessage(`{"Symbol":"ETH"}`), now))

	total, err := client.CountRaw(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	gecko, err := client.CountRaw(ctx, "coingecko")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gecko)
}

func TestOpen_RejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), Option{URL: "redis://localhost"})
	assert.Error(t, err)
}

func TestPing_ProbesTheStore(t *testing.T) {
	client, mock := mockPostgres(t)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

	assert.NoError(t, client.Ping(context.Background()))
	assert.ErrorContains(t, client.Ping(context.Background()), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	tryLock := regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")
	unlock := regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")

	mock.ExpectQuery(tryLock).WithArgs(RunLockKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(unlock).WithArgs(RunLockKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(tryLock).WithArgs(RunLockKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	locker := NewAdvisoryLocker(sqlDB, RunLockKey)

	release, err := locker.TryLock(context.Background())
	require.NoError(t, err)
	release()

	_, err = locker.TryLock(context.Background())
	assert.ErrorIs(t, err, ErrLocked)

	assert.NoError(t, mock.ExpectationsWereMet())
}
