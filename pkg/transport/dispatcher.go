package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/fastpub/pkg/shm"
)

// Handler consumes a message. The message is released after every handler
// returns; handlers must copy what they keep.
type Handler func(ctx context.Context, msg *Message)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Workers bounds concurrently running handlers.
	Workers int
	// Blocking makes Run wait for a free worker instead of dropping the
	// message for that handler.
	Blocking bool
	// OnError receives handler panics and receive errors that do not stop
	// Run. Optional.
	OnError func(error)
}

// Dispatcher receives from a Transport and fans every message out to its
// handlers on a worker pool.
type Dispatcher struct {
	src      Transport
	handlers []Handler
	pool     *ants.Pool
	onError  func(error)

	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

func NewDispatcher(src Transport, opts DispatcherOptions, handlers ...Handler) (*Dispatcher, error) {
	if len(handlers) == 0 {
		return nil, errors.New("dispatcher needs at least one handler")
	}
	if opts.Workers <= 0 {
		opts.Workers = len(handlers)
	}
	d := &Dispatcher{
		src:      src,
		handlers: handlers,
		onError:  opts.OnError,
	}
	poolOptions := ants.Options{
		ExpiryDuration: time.Minute,
		Nonblocking:    !opts.Blocking,
	}
	pool, err := ants.NewPool(opts.Workers,
		ants.WithOptions(poolOptions),
		ants.WithPanicHandler(func(i interface{}) {
			d.panics.Add(1)
			d.report(fmt.Errorf("handler panic: %v\n%s", i, debug.Stack()))
		}))
	if err != nil {
		return nil, err
	}
	d.pool = pool
	return d, nil
}

func (d *Dispatcher) report(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

// Run dispatches until ctx ends or the source stops. It returns nil in
// both cases and the first other receive error otherwise.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		msg, err := d.src.Receive(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, shm.ErrClosed), errors.Is(err, ErrNotStarted):
			return nil
		default:
			return err
		}
		d.dispatch(ctx, msg)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *Message) {
	msg.retain(int32(len(d.handlers)))
	for _, h := range d.handlers {
		err := d.pool.Submit(func() {
			defer msg.Release()
			h(ctx, msg)
			d.delivered.Add(1)
		})
		if err != nil {
			msg.Release()
			d.dropped.Add(1)
			if !errors.Is(err, ants.ErrPoolOverload) {
				d.report(err)
			}
		}
	}
	msg.Release()
}

// Delivered counts handler invocations that completed.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Dropped counts handler invocations skipped because no worker was free.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Panics counts handler invocations that panicked.
func (d *Dispatcher) Panics() uint64 { return d.panics.Load() }

// Close waits up to timeout for running handlers and frees the pool.
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.ReleaseTimeout(timeout)
}
