package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const changeChannel = "palaver:changes"

// changeNote is what a writer publishes alongside every mutation. Origin
// lets each subscriber drop the notes describing its own writes.
type changeNote struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
}

// RedisStore backs the cache with a local Redis so that several client
// processes share one view of guest state, and so that the change channel
// can carry the cross-tab signal the race guard depends on.
type RedisStore struct {
	client *redis.Client
	origin string
	prefix string

	mu       sync.Mutex
	watchers map[uint64]func(key string)
	nextID   uint64
	pubsub   *redis.PubSub
	done     chan struct{}
}

// NewRedisStore connects, verifies the connection, and starts the change
// subscriber. origin must be unique per process.
func NewRedisStore(redisURL, origin string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	s := &RedisStore{
		client:   client,
		origin:   origin,
		prefix:   "palaver:",
		watchers: make(map[uint64]func(string)),
		done:     make(chan struct{}),
	}
	s.pubsub = client.Subscribe(context.Background(), changeChannel)
	go s.listen()
	return s, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	s.announce(ctx, key)
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	s.announce(ctx, key)
	return nil
}

func (s *RedisStore) Watch(fn func(key string)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *RedisStore) Close() error {
	close(s.done)
	_ = s.pubsub.Close()
	return s.client.Close()
}

// announce is best-effort: a missed note degrades freshness, not
// correctness, because the race guard re-reads the stamp from the cache.
func (s *RedisStore) announce(ctx context.Context, key string) {
	note, err := json.Marshal(changeNote{Origin: s.origin, Key: key})
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, changeChannel, note).Err()
}

func (s *RedisStore) listen() {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var note changeNote
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				continue
			}
			if note.Origin == s.origin {
				continue
			}
			s.mu.Lock()
			fns := make([]func(string), 0, len(s.watchers))
			for _, fn := range s.watchers {
				fns = append(fns, fn)
			}
			s.mu.Unlock()
			for _, fn := range fns {
				fn(note.Key)
			}
		}
	}
}
