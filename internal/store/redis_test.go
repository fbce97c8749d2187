package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(rdb, zerolog.Nop())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStoreGetSet(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	_, err := s.Get(ctx, "rooms/r1")
	assert.ErrorIs(t, err, ErrNotFound, "expected missing hash to return ErrNotFound")

	require.NoError(t, s.Set(ctx, "rooms/r1/members/u1", Document{"accepted": "false", "name": "one"}))
	require.NoError(t, s.Set(ctx, "rooms/r1/members/u1", Document{"accepted": "true"}))

	doc, err := s.Get(ctx, "rooms/r1/members/u1")
	require.NoError(t, err)
	assert.Equal(t, Document{"accepted": "true", "name": "one"}, doc, "expected hash fields to merge")
	assert.Equal(t, "one", mr.HGet("meetup:doc:rooms/r1/members/u1", "name"), "expected document stored under prefixed key")

	names, err := s.Children(ctx, "rooms/r1/members")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, names)

	names, err = s.Children(ctx, "rooms")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, names)
}

func TestRedisStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	changes := make(chan string, 10)
	unsub, err := s.Subscribe(ctx, "rooms/r1/members", func(p string) { changes <- p })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Set(ctx, "rooms/r10/members/u1", Document{"in_call": "true"}))
	require.NoError(t, s.Set(ctx, "rooms/r1/members/u1", Document{"in_call": "true"}))

	select {
	case p := <-changes:
		assert.Equal(t, "rooms/r1/members/u1", p, "expected only the covered path to be delivered")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change notification")
	}
}

func TestRedisStorePing(t *testing.T) {
	s, mr := newTestRedisStore(t)
	assert.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()), "expected ping to fail once redis is gone")
}

func Test_escapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	assert.Equal(t, "meetup:changed:rooms/r1", escapeGlob("meetup:changed:rooms/r1"))
}
