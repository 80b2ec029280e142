//go:build linux

package shm

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSubscriber_WaitsForPublisher(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan *Subscriber, 1)
	go func() {
		sub, err := OpenSubscriber(ctx, "late", cfg)
		assert.NoError(t, err)
		done <- sub
	}()
	time.Sleep(20 * time.Millisecond)

	pub, err := OpenPublisher(ctx, "late", 32, 1, cfg)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish([]byte("late")))

	sub := <-done
	require.NotNil(t, sub)
	defer sub.Close()
	v, err := sub.Peek()
	require.NoError(t, err)
	assert.Equal(t, "late", string(v.Bytes()[:4]))
	require.NoError(t, sub.Release(v))
}

func TestOpenSubscriber_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := OpenSubscriber(ctx, "missing", testConfig(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenSubscriber_WaitsForReadiness(t *testing.T) {
	cfg := testConfig(t)
	// sized but never formatted
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "unready"), make([]byte, 4096), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := OpenSubscriber(ctx, "unready", cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenSubscriber_ExpectedGeometry(t *testing.T) {
	cfg := testConfig(t)
	pub, err := OpenPublisher(context.Background(), "geom", 128, 3, cfg)
	require.NoError(t, err)
	defer pub.Close()

	ok := *cfg
	ok.ExpectedBufferSize = 128
	ok.ExpectedSubscriberCapacity = 3
	sub, err := OpenSubscriber(context.Background(), "geom", &ok)
	require.NoError(t, err)
	assert.Equal(t, pub.Layout(), sub.Layout())
	require.NoError(t, sub.Close())

	bad := *cfg
	bad.ExpectedBufferSize = 256
	_, err = OpenSubscriber(context.Background(), "geom", &bad)
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	bad = *cfg
	bad.ExpectedSubscriberCapacity = 4
	_, err = OpenSubscriber(context.Background(), "geom", &bad)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestOpenSubscriber_CorruptHeader(t *testing.T) {
	cfg := testConfig(t)
	pub, err := OpenPublisher(context.Background(), "corrupt", 64, 1, cfg)
	require.NoError(t, err)
	defer pub.Close()

	pub.seg.hdr.version = LayoutVersion + 1
	_, err = OpenSubscriber(context.Background(), "corrupt", cfg)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestOpenPublisher_InvalidArguments(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	_, err := OpenPublisher(ctx, "zero", 0, 1, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = OpenPublisher(ctx, "a/b", 64, 1, cfg)
	assert.ErrorIs(t, err, ErrInvalidName)

	missing := *cfg
	missing.Dir = filepath.Join(cfg.Dir, "does-not-exist")
	_, err = OpenPublisher(ctx, "x", 64, 1, &missing)
	assert.ErrorIs(t, err, ErrResourceCreation)
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := *cfg
	bad.WaitSlice = 0
	_, err = OpenPublisher(ctx, "x", 64, 1, &bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = OpenSubscriber(ctx, "x", &bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRemovalPolicy(t *testing.T) {
	ctx := context.Background()

	retain := testConfig(t)
	pub, err := OpenPublisher(ctx, "kept", 64, 1, retain)
	require.NoError(t, err)
	require.NoError(t, pub.Close())
	assert.FileExists(t, filepath.Join(retain.Dir, "kept"))
	require.NoError(t, Unlink("kept", retain))
	assert.NoFileExists(t, filepath.Join(retain.Dir, "kept"))
	require.NoError(t, Unlink("kept", retain))

	unlink := testConfig(t)
	unlink.Removal = UnlinkOnClose
	pub, err = OpenPublisher(ctx, "gone", 64, 1, unlink)
	require.NoError(t, err)
	sub, err := OpenSubscriber(ctx, "gone", unlink)
	require.NoError(t, err)
	require.NoError(t, pub.Publish([]byte{1}))
	require.NoError(t, pub.Close())
	assert.NoFileExists(t, filepath.Join(unlink.Dir, "gone"))

	// the mapping outlives the name
	v, err := sub.Peek()
	require.NoError(t, err)
	assert.Equal(t, byte(1), v.Bytes()[0])
	require.NoError(t, sub.Release(v))
	require.NoError(t, sub.Close())
}

func TestOpenPublisher_ReopenResetsSegment(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	pub, err := OpenPublisher(ctx, "again", 64, 1, cfg)
	require.NoError(t, err)
	require.NoError(t, pub.Publish([]byte{1}))
	require.NoError(t, pub.Close())

	pub, err = OpenPublisher(ctx, "again", 64, 1, cfg)
	require.NoError(t, err)
	defer pub.Close()
	st, err := pub.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Commits)
	assert.Equal(t, uint32(os.Getpid()), st.PublisherPID)
}

func TestOpenPublisher_TakesOverFromDeadPublisher(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	dead := uint32(cmd.ProcessState.Pid())

	cfg := testConfig(t)
	ctx := context.Background()
	pub, err := OpenPublisher(ctx, "orphan", 64, 1, cfg)
	require.NoError(t, err)
	atomic.StoreUint32(&pub.seg.hdr.publisherPID, dead)
	require.NoError(t, pub.Close())

	pub, err = OpenPublisher(ctx, "orphan", 64, 1, cfg)
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestOpenPublisher_RefusedOpenKeepsLiveSegment(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	pub, sub := openPair(t, cfg, "live", 4096, 4)
	defer pub.Close()
	defer sub.Close()
	before, err := os.Stat(pub.Path())
	require.NoError(t, err)

	_, err = OpenPublisher(ctx, "live", 64, 0, cfg)
	require.ErrorIs(t, err, ErrPublisherActive)

	after, err := os.Stat(pub.Path())
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())

	payload := make([]byte, 4096)
	payload[4095] = 0xAB
	require.NoError(t, pub.Publish(payload))
	v, err := sub.Peek()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), v.Bytes()[4095])
	assert.Equal(t, uint64(1), v.Sequence())
	require.NoError(t, sub.Release(v))
}

func TestOpenPublisher_ReopenWithNewGeometry(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	pub, err := OpenPublisher(ctx, "grow", 64, 0, cfg)
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	pub, err = OpenPublisher(ctx, "grow", 4096, 4, cfg)
	require.NoError(t, err)
	defer pub.Close()
	fi, err := os.Stat(pub.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(pub.Layout().TotalSize), fi.Size())
	require.NoError(t, pub.Publish(make([]byte, 4096)))
}
