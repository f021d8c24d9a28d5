package pvstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	typeField    = "type"
	versionField = "version"
)

// updateScript sets the version when the key is new, or when the type matches and the
// version grows.
var updateScript = redis.NewScript(`
local ver = redis.call('HGET', KEYS[1], ARGV[2])
local typ = redis.call('HGET', KEYS[1], ARGV[1])
if not ver then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3], ARGV[2], ARGV[4])
	return 1
elseif tonumber(ver) < tonumber(ARGV[4]) and typ == ARGV[3] then
	redis.call('HSET', KEYS[1], ARGV[2], ARGV[4])
	return 1
end
return 0
`)

// RedisStore keeps versions in Redis hashes at {prefix}:pv:{processor}:{aggregateID}.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(processor, aggregateID string) string {
	return fmt.Sprintf("%s:pv:%s:%s", s.prefix, processor, aggregateID)
}

func (s *RedisStore) Get(ctx context.Context, processor, aggregateType, aggregateID string) (int, error) {
	fields, err := s.client.HGetAll(ctx, s.key(processor, aggregateID)).Result()
	if err != nil {
		return 0, err
	}
	if fields[typeField] != aggregateType {
		return 0, nil
	}
	v, err := strconv.Atoi(fields[versionField])
	if err != nil {
		return 0, fmt.Errorf("published version of %s %s: %w", processor, aggregateID, err)
	}
	return v, nil
}

func (s *RedisStore) Update(ctx context.Context, processor, aggregateType, aggregateID string, version int) error {
	keys := []string{s.key(processor, aggregateID)}
	return updateScript.Run(ctx, s.client, keys, typeField, versionField, aggregateType, version).Err()
}

func (s *RedisStore) Remove(ctx context.Context, processor, aggregateID string) error {
	return s.client.Del(ctx, s.key(processor, aggregateID)).Err()
}
