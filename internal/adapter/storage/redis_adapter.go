package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/canteen-ledger/internal/port"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	loginFailurePrefix   = "login_failures:"
	sessionKeyPrefix     = "session:"
	idempotencyKeyTTL    = 24 * time.Hour
	OrderEventsChannel   = "canteen:orders"
)

// registerFailureScript counts a failed login and starts the window on the first failure only.
var registerFailureScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])

local current = redis.call('INCR', key)
if current == 1 then
	redis.call('PEXPIRE', key, window)
end

return current
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *RedisAdapter) RegisterLoginFailure(ctx context.Context, subject string, window time.Duration) (int64, error) {
	key := loginFailurePrefix + subject

	count, err := registerFailureScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (r *RedisAdapter) LoginFailures(ctx context.Context, subject string) (int64, error) {
	n, err := r.client.Get(ctx, loginFailurePrefix+subject).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisAdapter) ClearLoginFailures(ctx context.Context, subject string) error {
	return r.client.Del(ctx, loginFailurePrefix+subject).Err()
}

func (r *RedisAdapter) CreateSession(ctx context.Context, s port.Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return r.client.Set(ctx, sessionKeyPrefix+s.ID, data, ttl).Err()
}

func (r *RedisAdapter) GetSession(ctx context.Context, id string) (*port.Session, error) {
	data, err := r.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s port.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisAdapter) DeleteSession(ctx context.Context, id string) error {
	return r.client.Del(ctx, sessionKeyPrefix+id).Err()
}

// Publish fans an order event out to every server instance's live-refresh subscribers.
func (r *RedisAdapter) Publish(ctx context.Context, event port.OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.client.Publish(ctx, OrderEventsChannel, data).Err()
}

func (r *RedisAdapter) Subscribe(ctx context.Context) (<-chan port.OrderEvent, func(), error) {
	sub := r.client.Subscribe(ctx, OrderEventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan port.OrderEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev port.OrderEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default: // slow consumer; it will resync on the next event
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, cancel, nil
}
