/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/fastpub/internal/shm"
	"github.com/srediag/fastpub/pkg/audit"
)

var errNotReady = errors.New("segment not ready")

// Subscriber is a reader handle on a segment. It is safe for concurrent use
// by multiple goroutines.
type Subscriber struct {
	*channel

	mu   sync.Mutex
	held map[viewKey]int
}

type viewKey struct {
	index    uint32
	sequence uint64
}

// OpenSubscriber attaches to the named segment. It waits, polling at the
// configured intervals, until the object exists, is sized and carries the
// readiness sentinel; ctx bounds the wait. It never creates the object.
func OpenSubscriber(ctx context.Context, name string, config *Config) (s *Subscriber, err error) {
	cfg, err := prepareConfig(config)
	if err != nil {
		return nil, err
	}
	path, err := segmentPath(cfg.Dir, name)
	if err != nil {
		return nil, err
	}

	ins := newInstruments(cfg, name, roleSubscriber)
	ctx, span := ins.start(ctx, "OpenSubscriber", name)
	defer func() { endSpan(span, err) }()

	region, err := openRegion(ctx, name, path, cfg.OpenRetryInterval)
	if err != nil {
		return nil, err
	}
	layout, err := attach(ctx, region, cfg)
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, region)
		return nil, err
	}

	s = &Subscriber{
		channel: &channel{
			name: name,
			path: path,
			role: roleSubscriber,
			cfg:  cfg,
			seg:  newSegment(name, region, layout),
			ins:  ins,
		},
		held: make(map[viewKey]int),
	}
	internalLogger.infof("subscriber %q attached to %s: buffer %d bytes, %d slots",
		name, path, layout.BufferSize, layout.SlotCount)
	s.audit(audit.EventOpen, map[string]interface{}{
		"path":        path,
		"buffer_size": layout.BufferSize,
	})
	return s, nil
}

// openRegion maps the existing object, retrying while it is missing or not
// sized yet.
func openRegion(ctx context.Context, name, path string, interval time.Duration) (*internalshm.MappedRegion, error) {
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	return backoff.RetryNotifyWithData(func() (*internalshm.MappedRegion, error) {
		region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
			Path:    path,
			MinSize: HeaderSize,
		})
		if err == nil {
			return region, nil
		}
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, internalshm.ErrNotSized) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, b, func(err error, next time.Duration) {
		internalLogger.tracef("subscriber %q: %v, retrying in %v", name, err, next)
	})
}

// attach waits for the readiness sentinel and validates the recorded
// geometry.
func attach(ctx context.Context, region *internalshm.MappedRegion, cfg *Config) (Layout, error) {
	h := headerOf(region)
	b := backoff.WithContext(backoff.NewConstantBackOff(cfg.ReadyPollInterval), ctx)
	err := backoff.Retry(func() error {
		if magic := atomicLoadMagic(h); magic != ReadyMagic {
			return errNotReady
		}
		return nil
	}, b)
	if err != nil {
		return Layout{}, err
	}

	layout, err := readLayout(h, region.Size())
	if err != nil {
		return Layout{}, err
	}
	if cfg.ExpectedBufferSize != 0 && cfg.ExpectedBufferSize != layout.BufferSize {
		return Layout{}, fmt.Errorf("%w: buffer size %d, expected %d", ErrLayoutMismatch, layout.BufferSize, cfg.ExpectedBufferSize)
	}
	if cfg.ExpectedSubscriberCapacity != 0 && cfg.ExpectedSubscriberCapacity != layout.SubscriberCapacity {
		return Layout{}, fmt.Errorf("%w: subscriber capacity %d, expected %d",
			ErrLayoutMismatch, layout.SubscriberCapacity, cfg.ExpectedSubscriberCapacity)
	}
	return layout, nil
}

// Peek takes a reference on the current value without blocking. Before the
// first commit it returns the zero-filled initial value with sequence 0.
func (s *Subscriber) Peek() (View, error) {
	if err := s.enter(); err != nil {
		return View{}, err
	}
	defer s.exit()

	v, err := s.acquireCurrent()
	if err != nil {
		return View{}, err
	}
	s.track(v)
	s.cfg.Metrics.read(s.name, "peek")
	return v, nil
}

// WaitForUpdate blocks until a commit happens after the call begins, then
// takes a reference on the value current at that moment. Commits made while
// nobody waits are not queued: a waiter sees only the latest value, and a
// burst of commits during the wait collapses into one.
//
// The wait ends early with ctx's error, or with ErrClosed when the handle is
// closed.
func (s *Subscriber) WaitForUpdate(ctx context.Context) (View, error) {
	return s.wait(ctx, "WaitForUpdate", "wait", false, 0)
}

// WaitForChange returns the current value at once if its sequence differs
// from seq, and otherwise behaves like WaitForUpdate. Passing the sequence
// of the last value read never misses the latest commit between calls.
func (s *Subscriber) WaitForChange(ctx context.Context, seq uint64) (View, error) {
	return s.wait(ctx, "WaitForChange", "wait_change", true, seq)
}

// wait traces under spanName and counts reads under op.
func (s *Subscriber) wait(ctx context.Context, spanName, op string, change bool, seen uint64) (v View, err error) {
	if err := s.enter(); err != nil {
		return View{}, err
	}
	defer s.exit()

	start := time.Now()
	ctx, span := s.ins.start(ctx, spanName, s.name)
	defer func() { endSpan(span, err) }()

	cond := &s.seg.hdr.update
	var (
		seq   uint32
		ready bool
	)
	err = s.seg.withLock(func(h *segmentHeader) error {
		if change {
			cur, err := s.seg.slot(h.current)
			if err != nil {
				return err
			}
			if cur.sequence != seen {
				v, err = s.seg.acquire(h)
				ready = err == nil
				return err
			}
		}
		seq = h.update.Sequence()
		h.update.Enter()
		return nil
	})
	if err != nil {
		return View{}, err
	}
	if !ready {
		err = s.await(ctx, cond, seq)
		cond.Leave()
		s.ins.recordWait(start)
		if err != nil {
			return View{}, err
		}
		if v, err = s.acquireCurrent(); err != nil {
			return View{}, err
		}
	}
	s.track(v)
	s.cfg.Metrics.read(s.name, op)
	return v, nil
}

func (s *Subscriber) await(ctx context.Context, cond *internalshm.Cond, seq uint32) error {
	for {
		if s.closed.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		slice := s.cfg.WaitSlice
		if dl, ok := ctx.Deadline(); ok {
			if d := time.Until(dl); d < slice {
				slice = d
			}
		}
		if slice <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		moved, err := cond.Wait(seq, slice)
		if err != nil {
			return err
		}
		if moved {
			return nil
		}
	}
}

// Release drops the reference held by v. Every View from Peek or
// WaitForUpdate must be released exactly once, in any order. Releasing a
// view twice returns ErrDoubleRelease, and releasing a view obtained from
// another handle returns ErrForeignView; neither changes shared state.
func (s *Subscriber) Release(v View) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()

	if v.owner != s.seg {
		err := fmt.Errorf("%w: slot %s of %q", ErrForeignView, slotName(v.index), s.name)
		s.violation("foreign_view", err)
		return err
	}
	key := viewKey{index: v.index, sequence: v.sequence}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] == 0 {
		err := fmt.Errorf("%w: slot %d sequence %d of %q is not held by this handle",
			ErrDoubleRelease, v.index, v.sequence, s.name)
		s.violation("double_release", err)
		return err
	}

	if err := s.seg.withLock(func(h *segmentHeader) error {
		return s.seg.drop(h, v.index, v.sequence)
	}); err != nil {
		if errors.Is(err, ErrDoubleRelease) {
			s.violation("double_release", err)
		}
		return err
	}
	if s.held[key]--; s.held[key] == 0 {
		delete(s.held, key)
	}
	s.cfg.Metrics.release(s.name)
	return nil
}

// drop releases one reference on slot i, which must still carry sequence
// seq. The caller holds the header lock.
func (s *segment) drop(h *segmentHeader, i uint32, seq uint64) error {
	sl, err := s.slot(i)
	if err != nil {
		return err
	}
	switch {
	case sl.refcount == 0:
		return fmt.Errorf("%w: slot %d of %q has no reference", ErrDoubleRelease, i, s.name)
	case sl.sequence != seq:
		return fmt.Errorf("%w: slot %d of %q was recycled (sequence %d, view %d)",
			ErrDoubleRelease, i, s.name, sl.sequence, seq)
	case i == h.current && sl.refcount == 1:
		return fmt.Errorf("%w: slot %d of %q would lose its current reference", ErrDoubleRelease, i, s.name)
	}
	sl.refcount--
	if sl.refcount == 0 {
		return s.push(h, i)
	}
	return nil
}

func (s *Subscriber) track(v View) {
	s.mu.Lock()
	s.held[viewKey{index: v.index, sequence: v.sequence}]++
	s.mu.Unlock()
}

// Close drops every reference still held through this handle and unmaps the
// segment. Views obtained from it must not be used afterwards. A goroutine
// blocked in WaitForUpdate returns ErrClosed.
func (s *Subscriber) Close() error {
	return s.closeWith(s.dropHeld, nil)
}

func (s *Subscriber) dropHeld() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.held) == 0 {
		return
	}
	n := 0
	_ = s.seg.withLock(func(h *segmentHeader) error {
		for key, count := range s.held {
			for ; count > 0; count-- {
				if err := s.seg.drop(h, key.index, key.sequence); err != nil {
					internalLogger.warnf("subscriber %q: dropping held view: %v", s.name, err)
					break
				}
				n++
			}
		}
		return nil
	})
	clear(s.held)
	internalLogger.debugf("subscriber %q: dropped %d unreleased views on close", s.name, n)
}
