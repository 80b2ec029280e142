package audit

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueLogger_DrainOrder(t *testing.T) {
	l := NewQueueLogger(8)
	require.NoError(t, l.LogEvent(EventOpen, map[string]interface{}{"name": "a"}))
	require.NoError(t, l.LogEvent(EventClose, nil))
	assert.Equal(t, int64(2), l.Len())

	events, err := l.Drain(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventOpen, events[0].Name)
	assert.Equal(t, "a", events[0].Details["name"])
	assert.Equal(t, EventClose, events[1].Name)
	assert.False(t, events[0].Time.IsZero())

	events, err = l.Drain(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueueLogger_DropsOldest(t *testing.T) {
	l := NewQueueLogger(3)
	for _, name := range []string{"e1", "e2", "e3", "e4", "e5"} {
		require.NoError(t, l.LogEvent(name, nil))
	}
	assert.Equal(t, int64(3), l.Len())

	events, err := l.Drain(3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e3", events[0].Name)
	assert.Equal(t, "e5", events[2].Name)
}

func TestQueueLogger_ConcurrentLoggersStayBounded(t *testing.T) {
	const limit = 4
	l := NewQueueLogger(limit)
	defer l.Close()

	var (
		wg      sync.WaitGroup
		highest atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				assert.NoError(t, l.LogEvent(EventOpen, nil))
				if n := l.Len(); n > highest.Load() {
					highest.Store(n)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, highest.Load(), int64(limit))
	assert.Equal(t, int64(limit), l.Len())
}

func TestQueueLogger_Closed(t *testing.T) {
	l := NewQueueLogger(0)
	l.Close()
	assert.ErrorIs(t, l.LogEvent(EventOpen, nil), queue.ErrDisposed)
}

func TestNop(t *testing.T) {
	var l Logger = Nop{}
	assert.NoError(t, l.LogEvent(EventMisuse, nil))
}
