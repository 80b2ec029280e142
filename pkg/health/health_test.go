//go:build linux

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/fastpub/pkg/shm"
)

func open(t *testing.T, capacity uint32) (*shm.Publisher, *shm.Subscriber) {
	t.Helper()
	cfg := shm.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.OpenRetryInterval = time.Millisecond
	cfg.ReadyPollInterval = time.Millisecond
	ctx := context.Background()
	pub, err := shm.OpenPublisher(ctx, "probe", 16, capacity, cfg)
	require.NoError(t, err)
	sub, err := shm.OpenSubscriber(ctx, "probe", cfg)
	require.NoError(t, err)
	return pub, sub
}

func status(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestHandler_HealthyChannel(t *testing.T) {
	pub, sub := open(t, 1)
	defer pub.Close()
	defer sub.Close()

	h := NewHandler(Options{Timeout: time.Second}, sub)
	assert.Equal(t, http.StatusOK, status(h, "/live"))
	assert.Equal(t, http.StatusOK, status(h, "/ready"))
}

func TestHandler_PublisherGone(t *testing.T) {
	pub, sub := open(t, 1)
	defer sub.Close()

	h := NewHandler(Options{}, sub)
	require.NoError(t, pub.Close())
	assert.Equal(t, http.StatusOK, status(h, "/live"))
	assert.Equal(t, http.StatusServiceUnavailable, status(h, "/ready"))
	assert.ErrorIs(t, PublisherCheck(sub)(), ErrNoPublisher)
}

func TestHandler_PoolExhausted(t *testing.T) {
	pub, sub := open(t, 0)
	defer pub.Close()
	defer sub.Close()

	require.NoError(t, pub.Publish([]byte{1}))
	v, err := sub.Peek()
	require.NoError(t, err)

	h := NewHandler(Options{}, pub)
	assert.Equal(t, http.StatusServiceUnavailable, status(h, "/ready"))
	assert.ErrorIs(t, PoolCheck(pub)(), shm.ErrPoolExhausted)

	require.NoError(t, sub.Release(v))
	assert.Equal(t, http.StatusOK, status(h, "/ready"))
}

func TestHandler_ClosedHandle(t *testing.T) {
	pub, sub := open(t, 1)
	defer pub.Close()

	h := NewHandler(Options{}, sub)
	require.NoError(t, sub.Close())
	assert.Equal(t, http.StatusServiceUnavailable, status(h, "/live"))
	assert.ErrorIs(t, MappedCheck(sub)(), ErrNotMapped)
	assert.ErrorIs(t, PoolCheck(sub)(), shm.ErrClosed)
}

func TestHandler_Metrics(t *testing.T) {
	pub, sub := open(t, 1)
	defer pub.Close()
	defer sub.Close()

	reg := prometheus.NewRegistry()
	h := NewHandler(Options{Registry: reg}, sub)
	assert.Equal(t, http.StatusOK, status(h, "/ready"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "fastpub_healthcheck_status" {
			found = true
			assert.Len(t, mf.GetMetric(), 3)
		}
	}
	assert.True(t, found)
}
