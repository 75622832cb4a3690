package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/SettingsForge/control_plane/observability"
)

const renewLockScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return -2
	end
`

const releaseLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisStore keeps client statuses in Redis so several nodes share one view
// of live sessions. It implements StatusRepository and Coordinator.
type RedisStore struct {
	client *redis.Client

	renewSHA   string
	releaseSHA string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	renewSHA, err := client.ScriptLoad(ctx, renewLockScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload renew script: %w", err)
	}
	releaseSHA, err := client.ScriptLoad(ctx, releaseLockScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload release script: %w", err)
	}

	return &RedisStore{client: client, renewSHA: renewSHA, releaseSHA: releaseSHA}, nil
}

// NewRedisStoreFromClient wraps an existing client. Scripts are sent with
// EVAL until first use loads them.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the connection so other Redis-backed components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// eval runs a preloaded script, falling back to EVAL when the SHA is
// unknown or the server was flushed.
func (s *RedisStore) eval(ctx context.Context, sha, script string, keys []string, args ...interface{}) (interface{}, error) {
	if sha != "" {
		res, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
		if err == nil || !redis.HasErrorPrefix(err, "NOSCRIPT") {
			return res, err
		}
	}
	return s.client.Eval(ctx, script, keys, args...).Result()
}

// --- Status Operations ---

func (s *RedisStore) GetClientStatus(ctx context.Context, name, instance string) (*ClientStatus, error) {
	defer observeRedis(time.Now())

	data, err := s.client.Get(ctx, ClientKey(ResourceStatus, name, instance)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st ClientStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", name, err)
	}
	return &st, nil
}

func (s *RedisStore) ListClientStatuses(ctx context.Context) ([]*ClientStatus, error) {
	defer observeRedis(time.Now())

	var keys []string
	iter := s.client.Scan(ctx, 0, ResourcePattern(ResourceStatus), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []*ClientStatus{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*ClientStatus, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		var st ClientStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decode status %s: %w", keys[i], err)
		}
		result = append(result, &st)
	}
	return result, nil
}

func (s *RedisStore) UpdateClientStatus(ctx context.Context, status *ClientStatus) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, ClientKey(ResourceStatus, status.Name, status.Instance), data, 0).Err()
}

func (s *RedisStore) DeleteClientStatus(ctx context.Context, name, instance string) error {
	defer observeRedis(time.Now())
	return s.client.Del(ctx, ClientKey(ResourceStatus, name, instance)).Err()
}

// --- Coordination Operations ---

// AcquireLock attempts to acquire a distributed lock.
// It uses SET key value NX PX ttl.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL if the lock is held by ownerID.
func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	res, err := s.eval(ctx, s.renewSHA, renewLockScript, []string{key}, ownerID, int64(ttl/time.Millisecond))
	if err != nil {
		return false, err
	}
	// 1 extended, 0 pexpire failed, -1 missing, -2 owner mismatch
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lua script")
	}
	return val == 1, nil
}

// ReleaseLock releases the lock if held by ownerID.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	defer observeRedis(time.Now())
	_, err := s.eval(ctx, s.releaseSHA, releaseLockScript, []string{key}, ownerID)
	return err
}

// GetLockOwner returns current owner.
func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}
