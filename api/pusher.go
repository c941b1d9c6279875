package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	redisAdapter "bidhub/adapters/redis"
	"bidhub/notify"
)

// StreamPusher 將通知推送到 Redis Stream，供所有實例的即時連線與結算流程讀取
type StreamPusher struct {
	client   *redis.Client
	keyspace redisAdapter.Keyspace
	stream   string
	dedupTTL time.Duration
}

var _ notify.Pusher = (*StreamPusher)(nil)

func NewStreamPusher(client *redis.Client, keyspace redisAdapter.Keyspace, stream string, dedupTTL time.Duration) (*StreamPusher, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}
	if dedupTTL < time.Second {
		return nil, errors.New("dedup ttl must be at least one second")
	}
	return &StreamPusher{
		client:   client,
		keyspace: keyspace,
		stream:   stream,
		dedupTTL: dedupTTL,
	}, nil
}

// Push 推送通知，已推送過的通知回傳 false
func (p *StreamPusher) Push(ctx context.Context, message notify.Message) (bool, error) {
	const op = "StreamPusher.Push"
	encoded, err := redisAdapter.EncodePayload(message)
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to encode notification, err=%w", op, err)
	}
	status, err := PublishOnceScript.Run(ctx, p.client,
		[]string{p.keyspace.Key("notification", "pushed", message.ID.String()), p.stream},
		int64(p.dedupTTL/time.Second), message.ID.String(), encoded,
	).Int()
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to run publish script, err=%w", op, err)
	}
	return status == 1, nil
}
