package main

import (
	"context"
	"errors"
	"testing"

	"ccs-gateway/internal/registry"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryTarget struct {
	devices map[string]registry.Device
	failOn  string
}

func (target *memoryTarget) Import(ctx context.Context, device registry.Device) (bool, error) {
	if device.Token == target.failOn {
		return false, errors.New("insert failed")
	}
	if _, exists := target.devices[device.Token]; exists {
		return false, nil
	}
	target.devices[device.Token] = device
	return true, nil
}

func (target *memoryTarget) ResolveDevice(ctx context.Context, token string) (registry.Device, bool, error) {
	device, exists := target.devices[token]
	return device, exists, nil
}

func (target *memoryTarget) Count(ctx context.Context) (int64, error) {
	return int64(len(target.devices)), nil
}

func newSource(t *testing.T, tokens ...string) *registry.RedisRegistry {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := registry.NewRedisRegistry(client, "ccs")
	for _, token := range tokens {
		_, err := source.Register(context.Background(), registry.Device{Token: token, NotificationKeyName: "user-42", Category: "news"})
		require.NoError(t, err)
	}
	return source
}

func TestMigrate_ImportsAndSkipsExisting(t *testing.T) {
	source := newSource(t, "tok-A", "tok-B", "tok-C")
	target := &memoryTarget{
		devices: map[string]registry.Device{"tok-A": {Token: "tok-A"}},
		failOn:  "tok-C",
	}

	report, err := NewDeviceMigrator(source, target, false).Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MigrationReport{Scanned: 3, Migrated: 1, Skipped: 1, Failed: 1}, report)
	assert.Contains(t, target.devices, "tok-B")
	assert.False(t, target.devices["tok-B"].CreatedAt.IsZero())
}

func TestMigrate_DryRunWritesNothing(t *testing.T) {
	source := newSource(t, "tok-A", "tok-B")
	target := &memoryTarget{devices: map[string]registry.Device{"tok-A": {Token: "tok-A"}}}

	report, err := NewDeviceMigrator(source, target, true).Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, target.devices, 1)
}

func TestVerifyAndCleanup(t *testing.T) {
	ctx := context.Background()
	source := newSource(t, "tok-A", "tok-B")
	target := &memoryTarget{devices: map[string]registry.Device{}}
	migrator := NewDeviceMigrator(source, target, false)

	consistent, err := migrator.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, consistent)

	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	consistent, err = migrator.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, consistent)

	deleted, err := migrator.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := source.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}
