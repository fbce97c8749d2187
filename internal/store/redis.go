package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultKeyPrefix = "meetup:"

// RedisStore keeps each document in a hash, the child names of each path in a
// set, and announces writes on a pub/sub channel per path.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	log    zerolog.Logger
}

func NewRedisStore(rdb *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: defaultKeyPrefix,
		log:    logger.With().Str("module", "store").Logger(),
	}
}

func (s *RedisStore) docKey(path string) string      { return s.prefix + "doc:" + path }
func (s *RedisStore) childrenKey(path string) string { return s.prefix + "children:" + path }
func (s *RedisStore) channel(path string) string     { return s.prefix + "changed:" + path }

func (s *RedisStore) Get(ctx context.Context, path string) (Document, error) {
	fields, err := s.rdb.HGetAll(ctx, s.docKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", path, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return Document(fields), nil
}

func (s *RedisStore) Set(ctx context.Context, path string, patch Document) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(patch) > 0 {
			values := make(map[string]any, len(patch))
			for k, v := range patch {
				values[k] = v
			}
			pipe.HSet(ctx, s.docKey(path), values)
		}
		for p, name := parent(path); p != ""; p, name = parent(p) {
			pipe.SAdd(ctx, s.childrenKey(p), name)
		}
		pipe.Publish(ctx, s.channel(path), path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Children(ctx context.Context, path string) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.childrenKey(path)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("smembers %s: %w", path, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, onChange func(path string)) (Unsubscribe, error) {
	exact := escapeGlob(s.channel(path))
	ps := s.rdb.PSubscribe(ctx, exact, exact+"/*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", path, err)
	}

	go func() {
		for msg := range ps.Channel() {
			onChange(msg.Payload)
		}
		s.log.Debug().Str("path", path).Msg("subscription closed")
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("failed to close subscription")
			}
		})
	}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
