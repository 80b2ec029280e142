// Package lifecycle keeps a process-wide registry of open fastpub channels so
// independent components share one handle per channel and role, and can
// stop, reload or close them by name.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/fastpub/pkg/shm"
)

// Role selects the side of a channel.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// State of a registered channel.
type State string

const (
	StateStopped State = "stopped"
	StateOpening State = "opening"
	StateOpen    State = "open"
)

// ErrGeometryConflict is returned when a publisher is requested with sizes
// that differ from the one already registered under the same name.
var ErrGeometryConflict = errors.New("channel already registered with a different geometry")

type entry struct {
	mu    sync.Mutex
	role  Role
	name  string
	state atomic.Value // State, readable without mu

	bufferSize uint32
	capacity   uint32

	pub *shm.Publisher
	sub *shm.Subscriber
}

func (e *entry) close() error {
	var err error
	switch {
	case e.pub != nil:
		err = e.pub.Close()
	case e.sub != nil:
		err = e.sub.Close()
	}
	e.pub, e.sub = nil, nil
	e.state.Store(StateStopped)
	return err
}

// Registry maps (role, name) to an open handle.
type Registry struct {
	cfg     *shm.Config
	entries cmap.ConcurrentMap[string, *entry]
}

// New returns a registry opening every handle with cfg (nil means
// shm.DefaultConfig()).
func New(cfg *shm.Config) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: cmap.New[*entry](),
	}
}

func key(role Role, name string) string {
	return string(role) + ":" + name
}

// slot returns the entry for key, locked. Entries removed concurrently are
// skipped.
func (r *Registry) slot(role Role, name string) *entry {
	k := key(role, name)
	for {
		e := &entry{role: role, name: name}
		e.state.Store(StateStopped)
		if !r.entries.SetIfAbsent(k, e) {
			var ok bool
			if e, ok = r.entries.Get(k); !ok {
				continue
			}
		}
		e.mu.Lock()
		if cur, ok := r.entries.Get(k); ok && cur == e {
			return e
		}
		e.mu.Unlock()
	}
}

// Publisher returns the registered publisher for name, opening it on first
// use.
func (r *Registry) Publisher(ctx context.Context, name string, bufferSize, capacity uint32) (*shm.Publisher, error) {
	e := r.slot(RolePublisher, name)
	defer e.mu.Unlock()
	if e.pub != nil {
		if e.bufferSize != bufferSize || e.capacity != capacity {
			return nil, fmt.Errorf("%w: %q is %d/%d, requested %d/%d",
				ErrGeometryConflict, name, e.bufferSize, e.capacity, bufferSize, capacity)
		}
		return e.pub, nil
	}
	e.bufferSize, e.capacity = bufferSize, capacity
	if err := r.openLocked(ctx, e); err != nil {
		return nil, err
	}
	return e.pub, nil
}

// Subscriber returns the registered subscriber for name, opening it on first
// use. Opening waits for a publisher as shm.OpenSubscriber does.
func (r *Registry) Subscriber(ctx context.Context, name string) (*shm.Subscriber, error) {
	e := r.slot(RoleSubscriber, name)
	defer e.mu.Unlock()
	if e.sub != nil {
		return e.sub, nil
	}
	if err := r.openLocked(ctx, e); err != nil {
		return nil, err
	}
	return e.sub, nil
}

func (r *Registry) openLocked(ctx context.Context, e *entry) error {
	e.state.Store(StateOpening)
	var err error
	switch e.role {
	case RolePublisher:
		e.pub, err = shm.OpenPublisher(ctx, e.name, e.bufferSize, e.capacity, r.cfg)
	case RoleSubscriber:
		e.sub, err = shm.OpenSubscriber(ctx, e.name, r.cfg)
	default:
		err = fmt.Errorf("unknown role %q", e.role)
	}
	if err != nil {
		e.state.Store(StateStopped)
		r.entries.RemoveCb(key(e.role, e.name), func(_ string, v *entry, exists bool) bool {
			return exists && v == e
		})
		return err
	}
	e.state.Store(StateOpen)
	return nil
}

// Stop closes and unregisters the handle. Stopping an unknown channel is a
// no-op.
func (r *Registry) Stop(role Role, name string) error {
	e, ok := r.entries.Pop(key(role, name))
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.close()
}

// Reload closes the handle and opens a new one with the same parameters. A
// subscriber reloads to rejoin a segment its publisher re-created; a
// publisher reloads to re-format its segment.
func (r *Registry) Reload(ctx context.Context, role Role, name string) error {
	e, ok := r.entries.Get(key(role, name))
	if !ok {
		return fmt.Errorf("reload %s %q: not registered", role, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.close(); err != nil {
		return fmt.Errorf("reload %s %q: %w", role, name, err)
	}
	return r.openLocked(ctx, e)
}

// State reports the state of a channel.
func (r *Registry) State(role Role, name string) State {
	e, ok := r.entries.Get(key(role, name))
	if !ok {
		return StateStopped
	}
	return e.state.Load().(State)
}

// Keys lists registered channels as "role:name", sorted.
func (r *Registry) Keys() []string {
	keys := r.entries.Keys()
	sort.Strings(keys)
	return keys
}

// CloseAll stops every registered handle.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, k := range r.entries.Keys() {
		e, ok := r.entries.Pop(k)
		if !ok {
			continue
		}
		e.mu.Lock()
		if err := e.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}
