package devicegroup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ccs-gateway/internal/push"
	"ccs-gateway/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectory 记录调用次数,可对每种操作注入错误
type fakeDirectory struct {
	mu        sync.Mutex
	key       string
	createErr error
	fetchErr  error
	addErr    error
	removeErr error
	calls     map[string]int
	lastToken string
}

func newFakeDirectory(key string) *fakeDirectory {
	return &fakeDirectory{key: key, calls: make(map[string]int)}
}

func (directory *fakeDirectory) record(operation, token string) {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	directory.calls[operation]++
	if token != "" {
		directory.lastToken = token
	}
}

func (directory *fakeDirectory) count(operation string) int {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	return directory.calls[operation]
}

func (directory *fakeDirectory) Create(_ context.Context, _, token string) (string, error) {
	directory.record(OperationCreate, token)
	if directory.createErr != nil {
		return "", directory.createErr
	}
	return directory.key, nil
}

func (directory *fakeDirectory) Fetch(context.Context, string) (string, error) {
	directory.record(OperationFetch, "")
	if directory.fetchErr != nil {
		return "", directory.fetchErr
	}
	return directory.key, nil
}

func (directory *fakeDirectory) Add(_ context.Context, _, _, token string) error {
	directory.record(OperationAdd, token)
	return directory.addErr
}

func (directory *fakeDirectory) Remove(_ context.Context, _, _, token string) error {
	directory.record(OperationRemove, token)
	return directory.removeErr
}

func newGroupStore(t *testing.T) *store.RedisStore {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedisStore(client)
}

var member = Member{Token: "tok-A", NotificationKeyName: "user-42"}

func TestAddDevice_CreateOrFetchConverge(t *testing.T) {
	ctx := context.Background()

	created := newFakeDirectory("key-42")
	createdStore := newGroupStore(t)
	key, err := NewOrchestrator(createdStore, created).AddDevice(ctx, "news", member)
	require.NoError(t, err)

	fetched := newFakeDirectory("key-42")
	fetched.createErr = push.WrapError(push.ErrDirectory, "create", errors.New("already exists"))
	fetchedStore := newGroupStore(t)
	fallbackKey, err := NewOrchestrator(fetchedStore, fetched).AddDevice(ctx, "news", member)
	require.NoError(t, err)

	assert.Equal(t, key, fallbackKey)
	for _, groupStore := range []*store.RedisStore{createdStore, fetchedStore} {
		groups, err := groupStore.GroupMap(ctx, "news")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"user-42": "key-42"}, groups)
	}

	assert.Zero(t, created.count(OperationFetch))
	assert.Equal(t, 1, fetched.count(OperationFetch))
	assert.Equal(t, 1, created.count(OperationAdd))
	assert.Equal(t, 1, fetched.count(OperationAdd))
}

func TestAddDevice_UsesCachedKey(t *testing.T) {
	ctx := context.Background()
	groupStore := newGroupStore(t)
	require.NoError(t, groupStore.SaveGroupMap(ctx, "news", map[string]string{"user-42": "cached", "user-7": "key-7"}))
	directory := newFakeDirectory("unused")

	key, err := NewOrchestrator(groupStore, directory).AddDevice(ctx, "news", member)
	require.NoError(t, err)

	assert.Equal(t, "cached", key)
	assert.Zero(t, directory.count(OperationCreate))
	assert.Equal(t, 1, directory.count(OperationAdd))
}

func TestAddDevice_KeepsUnrelatedEntries(t *testing.T) {
	ctx := context.Background()
	groupStore := newGroupStore(t)
	require.NoError(t, groupStore.SaveGroupMap(ctx, "news", map[string]string{"user-7": "key-7"}))

	_, err := NewOrchestrator(groupStore, newFakeDirectory("key-42")).AddDevice(ctx, "news", member)
	require.NoError(t, err)

	groups, err := groupStore.GroupMap(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user-7": "key-7", "user-42": "key-42"}, groups)
}

func TestAddDevice_FetchFailureIsTerminal(t *testing.T) {
	directory := newFakeDirectory("")
	directory.createErr = push.WrapError(push.ErrDirectory, "create", nil)
	directory.fetchErr = push.WrapError(push.ErrDirectory, "fetch", nil)

	_, err := NewOrchestrator(newGroupStore(t), directory).AddDevice(context.Background(), "news", member)
	assert.ErrorIs(t, err, push.ErrDirectory)
	assert.Zero(t, directory.count(OperationAdd))
}

func TestAddDevice_BreakerOpenSkipsFetch(t *testing.T) {
	directory := newFakeDirectory("")
	directory.createErr = push.WrapError(push.ErrDirectoryUnavailable, "create", nil)

	_, err := NewOrchestrator(newGroupStore(t), directory).AddDevice(context.Background(), "news", member)
	assert.ErrorIs(t, err, push.ErrDirectoryUnavailable)
	assert.Zero(t, directory.count(OperationFetch))
}

func TestAddDevice_RequiresMember(t *testing.T) {
	_, err := NewOrchestrator(newGroupStore(t), newFakeDirectory("k")).AddDevice(context.Background(), "news", Member{Token: "tok-A"})
	assert.ErrorIs(t, err, push.ErrDirectory)
}

func TestRemoveDevice(t *testing.T) {
	ctx := context.Background()
	groupStore := newGroupStore(t)
	require.NoError(t, groupStore.SaveGroupMap(ctx, "news", map[string]string{"user-42": "key-42"}))
	directory := newFakeDirectory("unused")

	require.NoError(t, NewOrchestrator(groupStore, directory).RemoveDevice(ctx, "news", member))
	assert.Equal(t, 1, directory.count(OperationRemove))
	assert.Zero(t, directory.count(OperationFetch))
	assert.Equal(t, "tok-A", directory.lastToken)
}

func TestRemoveDevice_FetchesUnknownKey(t *testing.T) {
	directory := newFakeDirectory("key-42")

	require.NoError(t, NewOrchestrator(newGroupStore(t), directory).RemoveDevice(context.Background(), "news", member))
	assert.Equal(t, 1, directory.count(OperationFetch))
	assert.Equal(t, 1, directory.count(OperationRemove))
}

func TestRemoveDevice_PropagatesFailure(t *testing.T) {
	directory := newFakeDirectory("key-42")
	directory.removeErr = push.WrapError(push.ErrDirectory, "remove", nil)

	err := NewOrchestrator(newGroupStore(t), directory).RemoveDevice(context.Background(), "news", member)
	assert.ErrorIs(t, err, push.ErrDirectory)
}
