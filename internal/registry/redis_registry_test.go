package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRegistry(client, "ccs"), server
}

func TestRedisRegistry_RegisterOnce(t *testing.T) {
	registry, server := newTestRedisRegistry(t)
	ctx := context.Background()
	device := Device{Token: "tok-A", NotificationKeyName: "user-42", Category: "news"}

	created, err := registry.Register(ctx, device)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, server.Exists("ccs:device:tok-A"))

	created, err = registry.Register(ctx, device)
	require.NoError(t, err)
	assert.False(t, created)

	resolved, found, err := registry.ResolveDevice(ctx, "tok-A")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "user-42", resolved.NotificationKeyName)
	assert.False(t, resolved.CreatedAt.IsZero())
}

func TestRedisRegistry_UpdateTokenMovesKey(t *testing.T) {
	registry, server := newTestRedisRegistry(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, Device{Token: "tok-old", NotificationKeyName: "user-42", Category: "news"})
	require.NoError(t, err)

	device, found, err := registry.UpdateToken(ctx, "tok-old", "tok-new")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok-new", device.Token)
	assert.Equal(t, "user-42", device.NotificationKeyName)
	assert.False(t, server.Exists("ccs:device:tok-old"))
	assert.True(t, server.Exists("ccs:device:tok-new"))

	_, found, err = registry.UpdateToken(ctx, "tok-missing", "tok-x")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisRegistry_Remove(t *testing.T) {
	registry, _ := newTestRedisRegistry(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, Device{Token: "tok-A", NotificationKeyName: "user-42"})
	require.NoError(t, err)
	require.NoError(t, registry.Remove(ctx, "tok-A"))
	require.NoError(t, registry.Remove(ctx, "tok-A"))

	_, found, err := registry.ResolveDevice(ctx, "tok-A")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisRegistry_ScanSkipsCorruptEntries(t *testing.T) {
	registry, server := newTestRedisRegistry(t)
	ctx := context.Background()

	for _, token := range []string{"tok-A", "tok-B", "tok-C"} {
		_, err := registry.Register(ctx, Device{Token: token, NotificationKeyName: "user-42", Category: "news"})
		require.NoError(t, err)
	}
	require.NoError(t, server.Set("ccs:device:broken", "{oops"))
	require.NoError(t, server.Set("other:device:tok-Z", "{}"))

	var tokens []string
	require.NoError(t, registry.Scan(ctx, func(device Device) error {
		tokens = append(tokens, device.Token)
		return nil
	}))
	assert.ElementsMatch(t, []string{"tok-A", "tok-B", "tok-C"}, tokens)

	count, err := registry.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
