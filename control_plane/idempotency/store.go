package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a completed response is replayed.
const DefaultTTL = time.Hour

// ErrInFlight is returned by Claim when another request holds the key.
var ErrInFlight = errors.New("idempotent request already in progress")

type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Store remembers responses of requests carrying an idempotency key.
// Claim marks a key in progress; Set stores the result and clears the claim.
type Store interface {
	Get(ctx context.Context, key string) (Response, bool, error)
	Claim(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
	Set(ctx context.Context, key string, resp Response) error
}

type entry struct {
	resp      Response
	timestamp time.Time
	pending   bool
}

// MemoryStore is a single-node Store.
type MemoryStore struct {
	mu    sync.Mutex
	cache map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{cache: make(map[string]entry), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) lookup(key string) (entry, bool) {
	e, ok := s.cache[key]
	if !ok {
		return entry{}, false
	}
	if s.now().Sub(e.timestamp) > s.ttl {
		delete(s.cache, key)
		return entry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.pending {
		return Response{}, false, nil
	}
	return e.resp, true, nil
}

func (s *MemoryStore) Claim(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.lookup(key); ok && e.pending {
		return ErrInFlight
	}
	s.cache[key] = entry{timestamp: s.now(), pending: true}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache[key]; ok && e.pending {
		delete(s.cache, key)
	}
	return nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = entry{resp: resp, timestamp: s.now()}
	return nil
}

// RedisStore shares idempotency records between nodes. The claim is a
// SETNX lock that expires after claimTTL so a crashed request cannot wedge
// the key.
type RedisStore struct {
	client   *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, claimTTL: 5 * time.Minute}
}

func resultKey(key string) string { return "settingsforge:idempotency:result:" + key }
func claimKey(key string) string  { return "settingsforge:idempotency:lock:" + key }

func (s *RedisStore) Get(ctx context.Context, key string) (Response, bool, error) {
	data, err := s.client.Get(ctx, resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

func (s *RedisStore) Claim(ctx context.Context, key string) error {
	ok, err := s.client.SetNX(ctx, claimKey(key), "LOCKED", s.claimTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInFlight
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, claimKey(key)).Err()
}

func (s *RedisStore) Set(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, resultKey(key), data, s.ttl)
	pipe.Del(ctx, claimKey(key))
	_, err = pipe.Exec(ctx)
	return err
}
