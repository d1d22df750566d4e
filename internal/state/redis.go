package state

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// RedisStore keeps the document as JSON under a single key.
type RedisStore struct {
	guarded
}

// NewRedisStore creates a store on an existing client. The client stays owned by the caller.
func NewRedisStore(client rueidis.Client, key string, logger *zap.Logger) *RedisStore {
	s := &RedisStore{}
	s.b = &redisBackend{client: client, key: key, logger: logger}
	return s
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return nil
}

type redisBackend struct {
	client rueidis.Client
	key    string
	logger *zap.Logger
}

func (r *redisBackend) load(ctx context.Context) (*Document, error) {
	data, err := r.client.Do(ctx, r.client.B().Get().Key(r.key).Build()).AsBytes()
	if rueidis.IsRedisNil(err) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var doc Document
	if err := sonic.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("State document is corrupt, starting fresh",
			zap.String("key", r.key),
			zap.Error(err))
		return NewDocument(), nil
	}

	return doc.normalize(), nil
}

func (r *redisBackend) save(ctx context.Context, doc *Document) error {
	data, err := sonic.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	err = r.client.Do(ctx, r.client.B().Set().Key(r.key).Value(rueidis.BinaryString(data)).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}
