// Package transport adapts fastpub channels to a message-oriented Transport:
// Send frames a message into the publisher's write buffer, and Receive
// copies the latest unseen message out of shared memory into a pooled
// buffer, releasing the slot before returning.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/fastpub/pkg/shm"
)

// frameHeader is the little-endian length prefix of every message.
const frameHeader = 4

var (
	// ErrNotStarted is returned before Start or after Stop.
	ErrNotStarted = errors.New("transport not started")
	// ErrWrongDirection is returned by Receive on a sending transport and by
	// Send on a receiving one.
	ErrWrongDirection = errors.New("operation not supported by this side of the transport")
	// ErrBadFrame means a received length prefix exceeds the buffer.
	ErrBadFrame = errors.New("malformed frame")
)

// Transport moves whole messages over a channel.
type Transport interface {
	// Start opens the underlying handle.
	Start(ctx context.Context) error
	// Stop closes it.
	Stop() error
	// Send publishes data as the latest message.
	Send(ctx context.Context, data []byte) error
	// Receive returns the latest message not yet received, waiting for one
	// if needed. Messages published in between are skipped.
	Receive(ctx context.Context) (*Message, error)
}

// Message is a received payload held in a pooled buffer.
type Message struct {
	Sequence uint64

	buf  *bytebufferpool.ByteBuffer
	refs atomic.Int32
}

func newMessage(seq uint64, data []byte) *Message {
	m := &Message{Sequence: seq, buf: bytebufferpool.Get()}
	_, _ = m.buf.Write(data)
	m.refs.Store(1)
	return m
}

// Bytes returns the payload. It is valid until the last Release.
func (m *Message) Bytes() []byte { return m.buf.B }

// Len returns the payload length.
func (m *Message) Len() int { return m.buf.Len() }

func (m *Message) retain(n int32) { m.refs.Add(n) }

// Release returns the buffer to the pool once every holder released it.
func (m *Message) Release() {
	if m.refs.Add(-1) == 0 {
		bytebufferpool.Put(m.buf)
		m.buf = nil
	}
}

// MaxMessageSize returns the largest message a channel with the given buffer
// size can carry.
func MaxMessageSize(bufferSize int) int {
	return bufferSize - frameHeader
}

// PublisherOptions configures a PublisherTransport.
type PublisherOptions struct {
	Name               string
	BufferSize         uint32
	SubscriberCapacity uint32
	Config             *shm.Config
	// ExhaustedRetry is the pause between commit attempts while readers
	// hold every spare slot. Zero fails Send immediately with
	// shm.ErrPoolExhausted.
	ExhaustedRetry time.Duration
}

// PublisherTransport is the sending side.
type PublisherTransport struct {
	opts PublisherOptions

	mu  sync.Mutex
	pub *shm.Publisher
}

var _ Transport = (*PublisherTransport)(nil)

func NewPublisherTransport(opts PublisherOptions) *PublisherTransport {
	return &PublisherTransport{opts: opts}
}

func (t *PublisherTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pub != nil {
		return nil
	}
	pub, err := shm.OpenPublisher(ctx, t.opts.Name, t.opts.BufferSize, t.opts.SubscriberCapacity, t.opts.Config)
	if err != nil {
		return err
	}
	t.pub = pub
	return nil
}

// Publisher returns the open handle, or nil before Start.
func (t *PublisherTransport) Publisher() *shm.Publisher {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pub
}

func (t *PublisherTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pub == nil {
		return nil
	}
	err := t.pub.Close()
	t.pub = nil
	return err
}

// Send frames data into the write buffer and commits it. While the pool is
// exhausted it retries every ExhaustedRetry until ctx ends.
func (t *PublisherTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pub == nil {
		return ErrNotStarted
	}
	if limit := MaxMessageSize(t.pub.BufferSize()); len(data) > limit {
		return fmt.Errorf("%w: %d > %d", shm.ErrPayloadTooLarge, len(data), limit)
	}
	buf, err := t.pub.WriteBuffer()
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[:frameHeader], uint32(len(data)))
	n := copy(buf[frameHeader:], data)
	clear(buf[frameHeader+n:])

	if t.opts.ExhaustedRetry <= 0 {
		return t.pub.Commit()
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(t.opts.ExhaustedRetry), ctx)
	return backoff.Retry(func() error {
		err := t.pub.Commit()
		if err != nil && !errors.Is(err, shm.ErrPoolExhausted) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (t *PublisherTransport) Receive(context.Context) (*Message, error) {
	return nil, ErrWrongDirection
}

// SubscriberOptions configures a SubscriberTransport.
type SubscriberOptions struct {
	Name   string
	Config *shm.Config
}

// SubscriberTransport is the receiving side. Receive may be called from one
// goroutine at a time.
type SubscriberTransport struct {
	opts SubscriberOptions

	mu   sync.RWMutex
	sub  *shm.Subscriber
	last uint64
}

var _ Transport = (*SubscriberTransport)(nil)

func NewSubscriberTransport(opts SubscriberOptions) *SubscriberTransport {
	return &SubscriberTransport{opts: opts}
}

// Start attaches to the channel, waiting for its publisher within ctx.
func (t *SubscriberTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return nil
	}
	sub, err := shm.OpenSubscriber(ctx, t.opts.Name, t.opts.Config)
	if err != nil {
		return err
	}
	t.sub = sub
	t.last = 0
	return nil
}

// Subscriber returns the open handle, or nil before Start.
func (t *SubscriberTransport) Subscriber() *shm.Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sub
}

// Stop closes the subscriber; a blocked Receive returns shm.ErrClosed.
func (t *SubscriberTransport) Stop() error {
	t.mu.RLock()
	sub := t.sub
	t.mu.RUnlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	t.mu.Lock()
	if t.sub == sub {
		t.sub = nil
	}
	t.mu.Unlock()
	return err
}

func (t *SubscriberTransport) Send(context.Context, []byte) error {
	return ErrWrongDirection
}

func (t *SubscriberTransport) Receive(ctx context.Context) (*Message, error) {
	t.mu.RLock()
	sub, last := t.sub, t.last
	t.mu.RUnlock()
	if sub == nil {
		return nil, ErrNotStarted
	}

	v, err := sub.WaitForChange(ctx, last)
	if err != nil {
		return nil, err
	}
	msg, err := decode(v)
	if rerr := sub.Release(v); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		if msg != nil {
			msg.Release()
		}
		return nil, err
	}

	t.mu.Lock()
	if t.sub == sub {
		t.last = v.Sequence()
	}
	t.mu.Unlock()
	return msg, nil
}

func decode(v shm.View) (*Message, error) {
	b := v.Bytes()
	if len(b) < frameHeader {
		return nil, fmt.Errorf("%w: %d byte buffer", ErrBadFrame, len(b))
	}
	n := binary.LittleEndian.Uint32(b[:frameHeader])
	if int(n) > len(b)-frameHeader {
		return nil, fmt.Errorf("%w: length %d in a %d byte buffer", ErrBadFrame, n, len(b))
	}
	return newMessage(v.Sequence(), b[frameHeader:frameHeader+int(n)]), nil
}
