package oclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const flowKeyPrefix = "meetbot-oauth-state-"

var _ FlowStore = &RedisFlowStore{}

// RedisFlowStore shares pending authorizations between instances. Redis TTLs
// expire abandoned flows and GETDEL makes Take single-use across instances.
type RedisFlowStore struct {
	redis redis.Cmdable
}

func NewRedisFlowStore(cmdable redis.Cmdable) *RedisFlowStore {
	return &RedisFlowStore{redis: cmdable}
}

func (s *RedisFlowStore) Put(ctx context.Context, state string, f Flow, ttl time.Duration) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, flowKeyPrefix+state, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisFlowStore) Peek(ctx context.Context, state string) (Flow, bool, error) {
	data, err := s.redis.Get(ctx, flowKeyPrefix+state).Bytes()
	return decodeFlow(data, err)
}

func (s *RedisFlowStore) Take(ctx context.Context, state string) (Flow, bool, error) {
	data, err := s.redis.GetDel(ctx, flowKeyPrefix+state).Bytes()
	return decodeFlow(data, err)
}

func decodeFlow(data []byte, err error) (Flow, bool, error) {
	if errors.Is(err, redis.Nil) {
		return Flow{}, false, nil
	}
	if err != nil {
		return Flow{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return Flow{}, false, nil
	}
	return f, true, nil
}
