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
	"sync"
	"sync/atomic"

	internalshm "github.com/srediag/fastpub/internal/shm"
	"github.com/srediag/fastpub/pkg/audit"
)

const (
	rolePublisher  = "publisher"
	roleSubscriber = "subscriber"
)

// channel is the state shared by Publisher and Subscriber: the mapped
// segment plus local bookkeeping. ops is held shared by every operation and
// exclusively by Close, so the mapping is never unmapped under a caller.
type channel struct {
	name string
	path string
	role string
	cfg  *Config
	seg  *segment
	ins  instruments

	ops    sync.RWMutex
	closed atomic.Bool
}

func (c *channel) enter() error {
	c.ops.RLock()
	if c.closed.Load() {
		c.ops.RUnlock()
		return ErrClosed
	}
	return nil
}

func (c *channel) exit() {
	c.ops.RUnlock()
}

// Name returns the segment name the handle was opened with.
func (c *channel) Name() string { return c.name }

// Path returns the file backing the segment.
func (c *channel) Path() string { return c.path }

// Layout returns the segment geometry.
func (c *channel) Layout() Layout { return c.seg.layout }

// BufferSize returns the payload size of every slot.
func (c *channel) BufferSize() int { return int(c.seg.layout.BufferSize) }

func (c *channel) audit(event string, details map[string]interface{}) {
	if c.cfg.Audit == nil {
		return
	}
	if details == nil {
		details = make(map[string]interface{}, 2)
	}
	details["channel"] = c.name
	details["role"] = c.role
	if err := c.cfg.Audit.LogEvent(event, details); err != nil {
		internalLogger.warnf("audit %s on %q: %v", event, c.name, err)
	}
}

func (c *channel) violation(kind string, err error) {
	internalLogger.warnf("%s %q: %v", c.role, c.name, err)
	c.cfg.Metrics.violation(c.name, kind)
	c.audit(audit.EventMisuse, map[string]interface{}{"kind": kind, "error": err.Error()})
}

// acquireCurrent takes a reference on the current slot.
func (c *channel) acquireCurrent() (View, error) {
	var v View
	err := c.seg.withLock(func(h *segmentHeader) (err error) {
		v, err = c.seg.acquire(h)
		return err
	})
	return v, err
}

// acquire takes a reference on the current slot. The caller holds the
// header lock.
func (s *segment) acquire(h *segmentHeader) (View, error) {
	idx := h.current
	sl, err := s.slot(idx)
	if err != nil {
		return View{}, err
	}
	data, err := s.payload(idx)
	if err != nil {
		return View{}, err
	}
	sl.refcount++
	return View{owner: s, index: idx, sequence: sl.sequence, data: data}, nil
}

// Stats is a consistent snapshot of a segment's shared metadata.
type Stats struct {
	Name               string
	BufferSize         uint32
	SubscriberCapacity uint32
	SlotCount          uint32
	Current            uint32
	Next               uint32
	FreeSlots          uint32
	Commits            uint64
	Waiters            uint32
	PublisherPID       uint32
	Refcounts          []uint32
}

// Stats returns a snapshot taken under the segment lock.
func (c *channel) Stats() (Stats, error) {
	if err := c.enter(); err != nil {
		return Stats{}, err
	}
	defer c.exit()

	st := Stats{
		Name:               c.name,
		BufferSize:         c.seg.layout.BufferSize,
		SubscriberCapacity: c.seg.layout.SubscriberCapacity,
		SlotCount:          c.seg.layout.SlotCount,
		Refcounts:          make([]uint32, c.seg.layout.SlotCount),
	}
	err := c.seg.withLock(func(h *segmentHeader) error {
		st.Current = h.current
		st.Next = h.next
		st.FreeSlots = h.freeCount
		st.Commits = h.commits
		st.Waiters = h.update.Waiters()
		st.PublisherPID = atomic.LoadUint32(&h.publisherPID)
		for i := range st.Refcounts {
			sl, err := c.seg.slot(uint32(i))
			if err != nil {
				return err
			}
			st.Refcounts[i] = sl.refcount
		}
		return nil
	})
	return st, err
}

// Ready reports whether the handle is open and the segment carries the
// readiness sentinel.
func (c *channel) Ready() bool {
	if err := c.enter(); err != nil {
		return false
	}
	defer c.exit()
	return c.seg.ready()
}

// closeWith marks the handle closed, waits for in-flight operations and
// unmaps the segment. before runs while the mapping is still valid.
func (c *channel) closeWith(before func(), after func() error) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.ops.Lock()
	defer c.ops.Unlock()

	_, span := c.ins.start(context.Background(), "Close", c.name)
	if before != nil {
		before()
	}
	var errs []error
	if err := internalshm.UnmapRegion(context.Background(), c.seg.region); err != nil {
		errs = append(errs, err)
	}
	if after != nil {
		if err := after(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	endSpan(span, err)
	if err != nil {
		internalLogger.errorf("%s %q close: %v", c.role, c.name, err)
		return fmt.Errorf("close %q: %w", c.name, err)
	}
	internalLogger.infof("%s %q closed", c.role, c.name)
	c.audit(audit.EventClose, nil)
	return nil
}

// Unlink removes the named segment from Dir. Mapped handles keep working.
func Unlink(name string, config *Config) error {
	cfg, err := prepareConfig(config)
	if err != nil {
		return err
	}
	path, err := segmentPath(cfg.Dir, name)
	if err != nil {
		return err
	}
	return internalshm.Unlink(path)
}
