package redisqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client, err := NewClient(rdb, "")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, rdb
}

func TestClient_EventFlow(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	ev := &ChangeEvent{
		ListingID:  7,
		Listing:    "idealista:A1",
		Kind:       "price_change",
		Prior:      []byte(`250000`),
		Next:       []byte(`230000`),
		DetectedAt: time.Now().UTC(),
	}
	require.NoError(t, client.Publish(ctx, ev))
	require.NotEmpty(t, ev.ID)

	// 同一 ID 未 Ack 前不会重复入队
	assert.ErrorIs(t, client.Publish(ctx, ev), ErrEventExists)

	queued, inflight, err := client.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)
	assert.Equal(t, int64(0), inflight)

	got, err := client.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "price_change", got.Kind)
	assert.JSONEq(t, `230000`, string(got.Next))

	queued, inflight, _ = client.Depth(ctx)
	assert.Equal(t, int64(0), queued)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, client.Ack(ctx, got))
	queued, inflight, _ = client.Depth(ctx)
	assert.Equal(t, int64(0), queued)
	assert.Equal(t, int64(0), inflight)

	// Ack 之后相同 ID 可再次发布
	require.NoError(t, client.Publish(ctx, ev))
}

func TestClient_PopEmpty(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Pop(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoEvent)
}

func TestClient_RescueStuck(t *testing.T) {
	client, rdb := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Publish(ctx, &ChangeEvent{ID: "e1", Kind: "new", DetectedAt: time.Now()}))
	require.NoError(t, client.Publish(ctx, &ChangeEvent{ID: "e2", Kind: "new", DetectedAt: time.Now()}))
	first, err := client.Pop(ctx, time.Second)
	require.NoError(t, err)
	_, err = client.Pop(ctx, time.Second)
	require.NoError(t, err)

	// 第一个事件假装一小时前开始处理
	require.NoError(t, rdb.HSet(ctx, client.started, first.ID, time.Now().Add(-time.Hour).Unix()).Err())

	rescued, err := client.RescueStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, rescued)

	queued, inflight, _ := client.Depth(ctx)
	assert.Equal(t, int64(1), queued)
	assert.Equal(t, int64(1), inflight)

	again, err := client.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestClient_DepthError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	client, err := NewClient(db, "sipi:test:events")
	require.NoError(t, err)

	mock.ExpectLLen("sipi:test:events").SetVal(3)
	mock.ExpectLLen("sipi:test:events:processing").SetErr(errors.New("redis down"))

	_, _, err = client.Depth(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "llen processing")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestClient_PopTimeoutFromMock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	client, err := NewClient(db, "")
	require.NoError(t, err)

	mock.ExpectBRPopLPush(DefaultKey, DefaultKey+":processing", time.Second).RedisNil()
	_, err = client.Pop(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNoEvent)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestNewClient_NilRedis(t *testing.T) {
	_, err := NewClient(nil, "")
	assert.Error(t, err)
}
