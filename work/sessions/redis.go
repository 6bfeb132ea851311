package sessions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"iptv-relay/work/logger"
)

// Redis key layout. The hash holds the authoritative records; the side sets
// are lookup indexes kept in step with it.
const (
	redisStreamsKey = "iptv:streams"
	redisUserIdxFmt = "iptv:user_idx:%d:%s"
	redisOwnerFmt   = "iptv:owner_idx:%s"
)

// RedisStore keeps the registry in a shared redis instance, for deployments
// where relay processes do not share a filesystem.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("{sessions/redis - NewRedisStore} connected to redis at %s", addr)
	return &RedisStore{client: client}, nil
}

func userIdxKey(userID int64, ip string) string {
	return fmt.Sprintf(redisUserIdxFmt, userID, ip)
}

func ownerIdxKey(owner string) string {
	return fmt.Sprintf(redisOwnerFmt, owner)
}

func (s *RedisStore) Add(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	field := sess.Key().String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redisStreamsKey, field, data)
	pipe.SAdd(ctx, userIdxKey(sess.UserID, sess.IP), field)
	pipe.SAdd(ctx, ownerIdxKey(sess.Owner), field)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Remove(ctx context.Context, k Key) (bool, error) {
	field := k.String()

	// The owner index entry is found from the stored record; a record
	// already gone means nothing left to clean.
	raw, err := s.client.HGet(ctx, redisStreamsKey, field).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var sess Session
	owner := ""
	if json.Unmarshal([]byte(raw), &sess) == nil {
		owner = sess.Owner
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, redisStreamsKey, field)
	pipe.SRem(ctx, userIdxKey(k.UserID, k.IP), field)
	if owner != "" {
		pipe.SRem(ctx, ownerIdxKey(owner), field)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) FindUserIP(ctx context.Context, userID int64, ip string) ([]Session, error) {
	fields, err := s.client.SMembers(ctx, userIdxKey(userID, ip)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, redisStreamsKey, fields...).Result()
	if err != nil {
		return nil, err
	}

	var out []Session
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Index pointed at a record someone else already removed;
			// drop the dangling entry.
			s.client.SRem(ctx, userIdxKey(userID, ip), fields[i])
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// CountUser walks the hash field names. Fields ARE the identity tuples, so
// distinctness comes for free.
func (s *RedisStore) CountUser(ctx context.Context, userID int64) (int, error) {
	return s.countMatching(ctx, func(k Key) bool { return k.UserID == userID })
}

func (s *RedisStore) CountProvider(ctx context.Context, providerID int64) (int, error) {
	return s.countMatching(ctx, func(k Key) bool { return k.ProviderID == providerID })
}

func (s *RedisStore) countMatching(ctx context.Context, match func(Key) bool) (int, error) {
	fields, err := s.client.HKeys(ctx, redisStreamsKey).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, field := range fields {
		k, err := ParseKey(field)
		if err != nil {
			continue
		}
		if match(k) {
			count++
		}
	}
	return count, nil
}

func (s *RedisStore) IsActive(ctx context.Context, k Key) (bool, error) {
	return s.client.HExists(ctx, redisStreamsKey, k.String()).Result()
}

func (s *RedisStore) All(ctx context.Context) ([]Session, error) {
	values, err := s.client.HGetAll(ctx, redisStreamsKey).Result()
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, raw := range values {
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisStore) PurgeOwner(ctx context.Context, owner string) (int, error) {
	fields, err := s.client.SMembers(ctx, ownerIdxKey(owner)).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, field := range fields {
		k, err := ParseKey(field)
		if err != nil {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, redisStreamsKey, field)
		pipe.SRem(ctx, userIdxKey(k.UserID, k.IP), field)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed++
	}
	if err := s.client.Del(ctx, ownerIdxKey(owner)).Err(); err != nil {
		return removed, err
	}

	if removed > 0 {
		logger.Info("{sessions/redis - PurgeOwner} removed %d stale sessions for %s", removed, owner)
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
