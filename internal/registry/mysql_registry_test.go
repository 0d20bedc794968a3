package registry

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRegistry(t *testing.T) (*MySQLRegistry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := NewMySQLRegistry(db)
	registry.now = func() time.Time { return time.Unix(1700000000, 0) }
	return registry, mock
}

func TestMySQLRegistry_Register(t *testing.T) {
	registry, mock := newMockRegistry(t)
	device := Device{Token: "tok-A", NotificationKeyName: "user-42", Category: "news"}

	mock.ExpectExec(regexp.QuoteMeta(insertDeviceSQL)).
		WithArgs("tok-A", "user-42", "news", int64(1700000000), int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertDeviceSQL)).
		WithArgs("tok-A", "user-42", "news", int64(1700000000), int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := registry.Register(context.Background(), device)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = registry.Register(context.Background(), device)
	require.NoError(t, err)
	assert.False(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRegistry_RegisterRejectsIncompleteDevice(t *testing.T) {
	registry, _ := newMockRegistry(t)

	_, err := registry.Register(context.Background(), Device{Token: "tok-A"})
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestMySQLRegistry_ResolveDevice(t *testing.T) {
	registry, mock := newMockRegistry(t)

	rows := sqlmock.NewRows([]string{"token", "notification_key_name", "category", "created_at", "updated_at"}).
		AddRow("tok-A", "user-42", "news", int64(1700000000), int64(1700000100))
	mock.ExpectQuery(regexp.QuoteMeta(selectDeviceSQL)).WithArgs("tok-A").WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta(selectDeviceSQL)).WithArgs("tok-missing").
		WillReturnRows(sqlmock.NewRows([]string{"token", "notification_key_name", "category", "created_at", "updated_at"}))

	device, found, err := registry.ResolveDevice(context.Background(), "tok-A")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "user-42", device.NotificationKeyName)
	assert.Equal(t, "news", device.Category)
	assert.Equal(t, int64(1700000100), device.UpdatedAt.Unix())

	_, found, err = registry.ResolveDevice(context.Background(), "tok-missing")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRegistry_UpdateToken(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta(updateTokenSQL)).
		WithArgs("tok-new", int64(1700000000), "tok-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(selectDeviceSQL)).WithArgs("tok-new").
		WillReturnRows(sqlmock.NewRows([]string{"token", "notification_key_name", "category", "created_at", "updated_at"}).
			AddRow("tok-new", "user-42", "news", int64(1), int64(1700000000)))
	mock.ExpectExec(regexp.QuoteMeta(updateTokenSQL)).
		WithArgs("tok-x", int64(1700000000), "tok-unknown").
		WillReturnResult(sqlmock.NewResult(0, 0))

	device, found, err := registry.UpdateToken(context.Background(), "tok-old", "tok-new")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok-new", device.Token)

	_, found, err = registry.UpdateToken(context.Background(), "tok-unknown", "tok-x")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRegistry_Remove(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta(deleteDeviceSQL)).WithArgs("tok-A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, registry.Remove(context.Background(), "tok-A"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRegistry_ImportKeepsTimestamps(t *testing.T) {
	registry, mock := newMockRegistry(t)
	device := Device{
		Token:               "tok-A",
		NotificationKeyName: "user-42",
		Category:            "news",
		CreatedAt:           time.Unix(1600000000, 0),
	}

	mock.ExpectExec(regexp.QuoteMeta(insertDeviceSQL)).
		WithArgs("tok-A", "user-42", "news", int64(1600000000), int64(1600000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(countDevicesSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	created, err := registry.Import(context.Background(), device)
	require.NoError(t, err)
	assert.True(t, created)

	count, err := registry.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.NoError(t, mock.ExpectationsWereMet())
}
