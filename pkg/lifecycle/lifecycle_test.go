//go:build linux

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/fastpub/pkg/shm"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := shm.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.OpenRetryInterval = time.Millisecond
	cfg.ReadyPollInterval = time.Millisecond
	r := New(cfg)
	t.Cleanup(func() { assert.NoError(t, r.CloseAll()) })
	return r
}

func TestRegistry_OpenOrGet(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	pub, err := r.Publisher(ctx, "feed", 32, 2)
	require.NoError(t, err)
	again, err := r.Publisher(ctx, "feed", 32, 2)
	require.NoError(t, err)
	assert.Same(t, pub, again)

	_, err = r.Publisher(ctx, "feed", 64, 2)
	assert.ErrorIs(t, err, ErrGeometryConflict)

	var (
		wg   sync.WaitGroup
		subs = make([]*shm.Subscriber, 8)
	)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := r.Subscriber(ctx, "feed")
			assert.NoError(t, err)
			subs[i] = sub
		}(i)
	}
	wg.Wait()
	for _, sub := range subs[1:] {
		assert.Same(t, subs[0], sub)
	}
	assert.Equal(t, []string{"publisher:feed", "subscriber:feed"}, r.Keys())
	assert.Equal(t, StateOpen, r.State(RoleSubscriber, "feed"))
}

func TestRegistry_FailedOpenIsNotRegistered(t *testing.T) {
	r := newRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Subscriber(ctx, "nobody")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, r.Keys())
	assert.Equal(t, StateStopped, r.State(RoleSubscriber, "nobody"))

	_, err = r.Publisher(context.Background(), "bad/name", 32, 1)
	assert.ErrorIs(t, err, shm.ErrInvalidName)
	assert.Empty(t, r.Keys())
}

func TestRegistry_Stop(t *testing.T) {
	r := newRegistry(t)
	pub, err := r.Publisher(context.Background(), "feed", 32, 1)
	require.NoError(t, err)

	require.NoError(t, r.Stop(RolePublisher, "feed"))
	assert.Equal(t, StateStopped, r.State(RolePublisher, "feed"))
	assert.ErrorIs(t, pub.Commit(), shm.ErrClosed)
	require.NoError(t, r.Stop(RolePublisher, "feed"))

	reopened, err := r.Publisher(context.Background(), "feed", 32, 1)
	require.NoError(t, err)
	assert.NotSame(t, pub, reopened)
}

func TestRegistry_ReloadRejoins(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	pub, err := r.Publisher(ctx, "feed", 32, 1)
	require.NoError(t, err)
	require.NoError(t, pub.Publish([]byte("one")))
	sub, err := r.Subscriber(ctx, "feed")
	require.NoError(t, err)

	require.NoError(t, r.Reload(ctx, RolePublisher, "feed"))
	require.NoError(t, r.Reload(ctx, RoleSubscriber, "feed"))
	assert.ErrorIs(t, sub.Release(shm.View{}), shm.ErrClosed)

	pub, err = r.Publisher(ctx, "feed", 32, 1)
	require.NoError(t, err)
	require.NoError(t, pub.Publish([]byte("two")))
	sub, err = r.Subscriber(ctx, "feed")
	require.NoError(t, err)
	v, err := sub.Peek()
	require.NoError(t, err)
	assert.Equal(t, "two", string(v.Bytes()[:3]))
	require.NoError(t, sub.Release(v))

	assert.Error(t, r.Reload(ctx, RoleSubscriber, "unknown"))
}
