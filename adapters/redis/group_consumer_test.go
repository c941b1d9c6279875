package redis

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestNewGroupConsumer(t *testing.T) {
	tests := []struct {
		name     string
		client   *redis.Client
		stream   string
		group    string
		consumer string
		opts     []GroupConsumerOption[TestMessage]
		wantErr  string
	}{
		{name: "valid configuration", client: redis.NewClient(&redis.Options{}), stream: "s", group: "g", consumer: "c"},
		{name: "nil client", stream: "s", group: "g", consumer: "c", wantErr: "redis client cannot be nil"},
		{name: "empty group", client: redis.NewClient(&redis.Options{}), stream: "s", consumer: "c", wantErr: "stream, group and consumer cannot be empty"},
		{
			name:     "with strict ordering",
			client:   redis.NewClient(&redis.Options{}),
			stream:   "s",
			group:    "g",
			consumer: "c",
			opts: []GroupConsumerOption[TestMessage]{
				WithGroupConsumerLogger[TestMessage](slog.Default()),
				WithGroupConsumerParseFunc[TestMessage](DefaultParseFromMessage[TestMessage]),
				WithGroupConsumerBufferSize[TestMessage](1),
				WithGroupConsumerBlockTimeout[TestMessage](time.Second),
				WithGroupConsumerRetryDelay[TestMessage](time.Millisecond),
				WithGroupConsumerStrictOrdering[TestMessage](true),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)
			if tt.client != nil {
				defer tt.client.Close()
			}

			consumer, err := NewGroupConsumer(tt.client, tt.stream, tt.group, tt.consumer, tt.opts...)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				assert.Nil(t, consumer)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, consumer)
		})
	}
}

func addTestMessage(t *testing.T, client *redis.Client, stream string, msg TestMessage) string {
	values, err := DefaultParseToMessage(msg)
	require.NoError(t, err)
	id, err := client.XAdd(context.Background(), &redis.XAddArgs{Stream: stream, Values: values}).Result()
	require.NoError(t, err)
	return id
}

func receive(t *testing.T, ch <-chan *Message[TestMessage]) *Message[TestMessage] {
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "downstream closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive message in time")
		return nil
	}
}

func TestGroupConsumer_DoneAndFail(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, client, cleanup := setupMiniredis(t)
	defer cleanup()
	ctx := context.Background()

	consumer, err := NewGroupConsumer[TestMessage](client, "notifications", "settlement", "node-1",
		WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond))
	require.NoError(t, err)
	// 群組在啟動時建立，因此之後寫入的訊息都會被讀取
	require.NoError(t, consumer.Start())
	require.NoError(t, consumer.Start())

	addTestMessage(t, client, "notifications", TestMessage{ID: "1", Data: "ok"})
	failedID := addTestMessage(t, client, "notifications", TestMessage{ID: "2", Data: "broken"})

	first := receive(t, consumer.Subscribe())
	assert.Equal(t, "1", first.Data.ID)
	require.NoError(t, first.Done(ctx))
	require.NoError(t, first.Done(ctx))

	second := receive(t, consumer.Subscribe())
	assert.Equal(t, failedID, second.ID)
	require.NoError(t, second.Fail(ctx, errors.New("upload failed")))

	pending, err := client.XPending(ctx, "notifications", "settlement").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	dead, err := client.XRange(ctx, DeadLetterStream("notifications"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "upload failed", dead[0].Values["error"])
	assert.Equal(t, failedID, dead[0].Values["origin"])

	require.NoError(t, consumer.Close())
	require.NoError(t, consumer.Close())
}

func TestGroupConsumer_ParseFailureGoesToDeadLetter(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, client, cleanup := setupMiniredis(t)
	defer cleanup()
	ctx := context.Background()

	consumer, err := NewGroupConsumer[TestMessage](client, "notifications", "settlement", "node-1",
		WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, consumer.Start())
	defer consumer.Close()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "notifications", Values: map[string]any{"bogus": "x"}}).Err())
	addTestMessage(t, client, "notifications", TestMessage{ID: "after"})

	msg := receive(t, consumer.Subscribe())
	assert.Equal(t, "after", msg.Data.ID)
	require.NoError(t, msg.Done(ctx))

	dead, err := client.XRange(ctx, DeadLetterStream("notifications"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "x", dead[0].Values["bogus"])
}

func TestGroupConsumer_StrictOrderingResumesPending(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, client, cleanup := setupMiniredis(t)
	defer cleanup()
	ctx := context.Background()

	// 模擬上一個持有鎖的實例讀取後尚未確認就離開
	require.NoError(t, client.XGroupCreateMkStream(ctx, "notifications", "settlement", "0").Err())
	pendingID := addTestMessage(t, client, "notifications", TestMessage{ID: "pending"})
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "settlement", Consumer: "node-0", Streams: []string{"notifications", ">"}, Count: 1,
	}).Result()
	require.NoError(t, err)
	addTestMessage(t, client, "notifications", TestMessage{ID: "fresh"})

	ctrl := gomock.NewController(t)
	mutex := NewMockIAutoRenewMutex(ctrl)
	mutex.EXPECT().Lock(gomock.Any()).DoAndReturn(func(ctx context.Context) (context.Context, error) {
		return ctx, nil
	}).MinTimes(1)
	mutex.EXPECT().Unlock().Return(true, nil).MinTimes(1)

	consumer, err := NewGroupConsumer[TestMessage](client, "notifications", "settlement", "node-1",
		WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond),
		WithGroupConsumerStrictOrdering[TestMessage](true),
		WithGroupConsumerMutex[TestMessage](mutex))
	require.NoError(t, err)
	require.NoError(t, consumer.Start())

	first := receive(t, consumer.Subscribe())
	assert.Equal(t, pendingID, first.ID)
	assert.Equal(t, "pending", first.Data.ID)
	require.NoError(t, first.Done(ctx))

	second := receive(t, consumer.Subscribe())
	assert.Equal(t, "fresh", second.Data.ID)
	require.NoError(t, second.Done(ctx))

	require.NoError(t, consumer.Close())
}

func TestGroupConsumer_LockFailureRetries(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, client, cleanup := setupMiniredis(t)
	defer cleanup()

	ctrl := gomock.NewController(t)
	mutex := NewMockIAutoRenewMutex(ctrl)
	gomock.InOrder(
		mutex.EXPECT().Lock(gomock.Any()).Return(nil, errors.New("redis unavailable")),
		mutex.EXPECT().Lock(gomock.Any()).DoAndReturn(func(ctx context.Context) (context.Context, error) {
			return ctx, nil
		}).MinTimes(1),
	)
	mutex.EXPECT().Unlock().Return(true, nil).AnyTimes()

	consumer, err := NewGroupConsumer[TestMessage](client, "notifications", "settlement", "node-1",
		WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond),
		WithGroupConsumerRetryDelay[TestMessage](10*time.Millisecond),
		WithGroupConsumerStrictOrdering[TestMessage](true),
		WithGroupConsumerMutex[TestMessage](mutex))
	require.NoError(t, err)
	require.NoError(t, consumer.Start())

	addTestMessage(t, client, "notifications", TestMessage{ID: "after-retry"})
	msg := receive(t, consumer.Subscribe())
	assert.Equal(t, "after-retry", msg.Data.ID)
	require.NoError(t, msg.Done(context.Background()))

	require.NoError(t, consumer.Close())
}
