package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ccs-gateway/internal/push"
	"ccs-gateway/internal/status"
	"ccs-gateway/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender 记录发出的帧,可注入发送错误
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (sender *fakeSender) Send(_ context.Context, frame []byte) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.err != nil {
		return sender.err
	}
	sender.frames = append(sender.frames, append([]byte(nil), frame...))
	return nil
}

func (sender *fakeSender) count() int {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return len(sender.frames)
}

func (sender *fakeSender) last() push.Downstream {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	var message push.Downstream
	if len(sender.frames) > 0 {
		_ = json.Unmarshal(sender.frames[len(sender.frames)-1], &message)
	}
	return message
}

func (sender *fakeSender) setErr(err error) {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.err = err
}

type fixture struct {
	queue  *Queue
	sender *fakeSender
	clock  *clock.Mock
	redis  *miniredis.Miniredis
	store  *store.RedisStore
	status *status.RedisStatusStore
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	messageStore := store.NewRedisStore(client)
	sender := &fakeSender{}
	statuses := status.NewRedisStatusStore(client, "ccs", time.Hour)
	mock := clock.NewMock()
	queue := NewQueue(messageStore, sender, Options{
		BackoffUnit: 2 * time.Second,
		MaxRetries:  maxRetries,
		Clock:       mock,
		Statuses:    statuses,
	})
	t.Cleanup(queue.Close)

	return &fixture{queue: queue, sender: sender, clock: mock, redis: server, store: messageStore, status: statuses}
}

func newOutbound(t *testing.T, to string) push.OutboundMessage {
	t.Helper()
	message, err := push.NewNotificationMessage("com.app", to, push.Notification{})
	require.NoError(t, err)
	outbound, err := push.NewOutboundMessage(message)
	require.NoError(t, err)
	return outbound
}

func TestBackoffDelay_Linear(t *testing.T) {
	unit := 2 * time.Second
	var previous time.Duration = -1
	for retryCount := 0; retryCount <= 3; retryCount++ {
		delay := BackoffDelay(retryCount, unit)
		assert.Equal(t, time.Duration(retryCount)*unit, delay)
		assert.Greater(t, delay, previous)
		previous = delay
	}
}

func TestEnqueueAndSend_FirstAttemptIsImmediate(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	message := newOutbound(t, "tok-A")

	require.NoError(t, f.queue.EnqueueAndSend(ctx, message))

	assert.Equal(t, 1, f.sender.count())
	assert.Equal(t, "tok-A", f.sender.last().To)
	assert.NotEmpty(t, f.redis.HGet(store.MessageQueueKey, message.ID))

	retryCount, err := f.store.RetryCount(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retryCount)
}

func TestResend_WaitsForBackoff(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	message := newOutbound(t, "tok-A")
	require.NoError(t, f.queue.EnqueueAndSend(ctx, message))

	require.NoError(t, f.queue.Resend(ctx, message.ID))
	assert.Equal(t, 1, f.sender.count(), "retry must not go out before its delay")

	f.clock.Add(time.Second)
	assert.Equal(t, 1, f.sender.count())

	f.clock.Add(time.Second)
	assert.Eventually(t, func() bool { return f.sender.count() == 2 }, time.Second, 5*time.Millisecond)

	retryCount, err := f.store.RetryCount(ctx, message.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retryCount)
}

func TestScheduledResend_SkipsAcknowledgedMessage(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	message := newOutbound(t, "tok-A")
	require.NoError(t, f.queue.EnqueueAndSend(ctx, message))
	require.NoError(t, f.queue.Resend(ctx, message.ID))

	// 绕过队列直接删除,模拟另一实例处理了 ack
	require.NoError(t, f.store.DeleteMessage(ctx, message.ID))

	f.clock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.sender.count())
}

func TestAcknowledge_Idempotent(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	message := newOutbound(t, "tok-A")
	require.NoError(t, f.queue.EnqueueAndSend(ctx, message))

	require.NoError(t, f.queue.Acknowledge(ctx, message.ID))
	require.NoError(t, f.queue.Acknowledge(ctx, message.ID))

	assert.False(t, f.redis.Exists(store.RetryCountKey(message.ID)))
	_, found, err := f.queue.FetchForRetry(ctx, message.ID)
	require.NoError(t, err)
	assert.False(t, found)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestAcknowledge_CancelsPendingTimer(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	message := newOutbound(t, "tok-A")
	require.NoError(t, f.queue.EnqueueAndSend(ctx, message))
	require.NoError(t, f.queue.Resend(ctx, message.ID))

	require.NoError(t, f.queue.Acknowledge(ctx, message.ID))
	f.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, f.sender.count())
}

func TestResend_UnknownMessageIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.queue.Resend(context.Background(), "missing"))
	assert.Zero(t, f.sender.count())
}

func TestAttempt_PurgesAfterMaxRetries(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	message := newOutbound(t, "tok-A")
	require.NoError(t, f.queue.EnqueueAndSend(ctx, message))

	f.redis.Set(store.RetryCountKey(message.ID), "3")

	err := f.queue.Resend(ctx, message.ID)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	_, found, err := f.queue.FetchForRetry(ctx, message.ID)
	require.NoError(t, err)
	assert.False(t, found)

	current, found, err := f.status.Get(ctx, message.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, status.StateFailed, current.Status)
	assert.Equal(t, PurgeReasonMaxRetries, current.Detail)
}

func TestSendFailure_SchedulesRetry(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.sender.setErr(push.ErrNoActiveChannel)
	message := newOutbound(t, "tok-A")

	err := f.queue.EnqueueAndSend(ctx, message)
	assert.True(t, errors.Is(err, push.ErrNoActiveChannel))
	assert.NotEmpty(t, f.redis.HGet(store.MessageQueueKey, message.ID), "message stays queued")

	f.sender.setErr(nil)
	f.clock.Add(2 * time.Second)
	assert.Eventually(t, func() bool { return f.sender.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResendToRecipient_NewIdentity(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	original := newOutbound(t, "group-key")
	require.NoError(t, f.queue.EnqueueAndSend(ctx, original))

	newID, err := f.queue.ResendToRecipient(ctx, "tok-B", original.Payload)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, newID)

	assert.Equal(t, 2, f.sender.count(), "re-targeted message starts at retry count 0")
	sent := f.sender.last()
	assert.Equal(t, "tok-B", sent.To)
	assert.Equal(t, newID, sent.MessageID)
}

func TestSendNotification(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	id, err := f.queue.SendNotification(ctx, "com.app.news", "tok-A", push.Notification{
		Notification: map[string]string{"title": "hi"},
	})
	require.NoError(t, err)

	sent := f.sender.last()
	assert.Equal(t, id, sent.MessageID)
	assert.Equal(t, "com.app.news", sent.RestrictedPackageName)
	assert.Equal(t, "default", sent.Notification["sound"])

	_, err = f.queue.SendNotification(ctx, "com.app", "", push.Notification{})
	assert.ErrorIs(t, err, push.ErrNoRecipient)
}

func TestReplies(t *testing.T) {
	tests := []struct {
		name       string
		send       func(*Queue) error
		wantAction string
		wantStatus float64
		wantResult string
	}{
		{"registered", func(q *Queue) error { return q.ReplyRegistered(context.Background(), "com.app", "tok-A") }, ActionRegisterDevice, StatusCreated, "Success"},
		{"already exists", func(q *Queue) error { return q.ReplyAlreadyExists(context.Background(), "com.app", "tok-A") }, ActionRegisterDevice, StatusAlreadyExists, "Failure"},
		{"id updated", func(q *Queue) error { return q.ReplyIDUpdated(context.Background(), "com.app", "tok-A") }, ActionUpdateID, StatusUpdated, "Success"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			require.NoError(t, tt.send(f.queue))

			sent := f.sender.last()
			assert.Equal(t, tt.wantAction, sent.CollapseKey)

			var body map[string]any
			require.NoError(t, json.Unmarshal(sent.Data, &body))
			assert.Equal(t, tt.wantAction, body["action"])
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, tt.wantResult, body["message"])
		})
	}
}
