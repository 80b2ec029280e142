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
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	internalshm "github.com/srediag/fastpub/internal/shm"
	"github.com/srediag/fastpub/pkg/audit"
)

// Publisher is the single writer of a segment.
//
// Exactly one publisher may exist per segment. OpenPublisher refuses to
// claim a segment whose recorded publisher is still alive (including the
// calling process), but nothing stops two goroutines sharing one Publisher
// from calling WriteBuffer and Commit concurrently: that is a protocol
// violation with undefined results, and callers must serialize them.
type Publisher struct {
	*channel
	pid uint32
}

// OpenPublisher creates (or re-creates) the named segment sized for
// bufferSize-byte values and subscriberCapacity simultaneously held reader
// references, and returns its publisher. Failures leave no mapping or
// descriptor behind; they are not retried.
//
// Re-using a name with a different geometry while old subscribers still map
// the segment is not supported.
func OpenPublisher(ctx context.Context, name string, bufferSize, subscriberCapacity uint32, config *Config) (p *Publisher, err error) {
	cfg, err := prepareConfig(config)
	if err != nil {
		return nil, err
	}
	path, err := segmentPath(cfg.Dir, name)
	if err != nil {
		return nil, err
	}
	layout, err := NewLayout(bufferSize, subscriberCapacity)
	if err != nil {
		return nil, err
	}

	ins := newInstruments(cfg, name, rolePublisher)
	ctx, span := ins.start(ctx, "OpenPublisher", name)
	span.SetAttributes(
		attribute.Int64("fastpub.buffer_size", int64(bufferSize)),
		attribute.Int64("fastpub.subscriber_capacity", int64(subscriberCapacity)),
	)
	defer func() { endSpan(span, err) }()

	if cfg.CheckFreeSpace {
		ok, serr := internalshm.CanCreate(path, layout.TotalSize)
		switch {
		case serr != nil:
			internalLogger.warnf("publisher %q: skipping free space check: %v", name, serr)
		case !ok:
			return nil, fmt.Errorf("%w: %s needs %d bytes", ErrNoSpace, cfg.Dir, layout.TotalSize)
		}
	}

	// The role is claimed on the existing object before it is resized, so a
	// refused open leaves a live segment as it was.
	pid := uint32(os.Getpid())
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Path:    path,
		Size:    int(layout.TotalSize),
		MinSize: HeaderSize,
		Create:  true,
		Perm:    cfg.Perm,
		Claim: func(r *internalshm.MappedRegion) error {
			return claimPublisher(headerOf(r), name, pid)
		},
		Unclaim: func(r *internalshm.MappedRegion) {
			releasePublisher(headerOf(r), pid)
		},
	})
	if err != nil {
		if errors.Is(err, ErrPublisherActive) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrResourceCreation, err)
	}

	seg := newSegment(name, region, layout)
	if err := seg.format(); err != nil {
		releasePublisher(seg.hdr, pid)
		_ = internalshm.UnmapRegion(ctx, region)
		return nil, err
	}

	p = &Publisher{
		channel: &channel{
			name: name,
			path: path,
			role: rolePublisher,
			cfg:  cfg,
			seg:  seg,
			ins:  ins,
		},
		pid: pid,
	}
	internalLogger.infof("publisher %q ready at %s: buffer %d bytes, %d slots, %d bytes total",
		name, path, layout.BufferSize, layout.SlotCount, layout.TotalSize)
	p.audit(audit.EventOpen, map[string]interface{}{
		"path":                path,
		"buffer_size":         layout.BufferSize,
		"subscriber_capacity": layout.SubscriberCapacity,
	})
	return p, nil
}

// claimPublisher records pid as the segment's publisher unless another live
// process (or this one, through another handle) already holds the role.
func claimPublisher(h *segmentHeader, name string, pid uint32) error {
	for {
		owner := atomic.LoadUint32(&h.publisherPID)
		if owner != 0 && (owner == pid || internalshm.ProcessAlive(owner)) {
			return fmt.Errorf("%w: %q is owned by pid %d", ErrPublisherActive, name, owner)
		}
		if owner != 0 {
			internalLogger.warnf("publisher %q: taking over from dead pid %d", name, owner)
		}
		if atomic.CompareAndSwapUint32(&h.publisherPID, owner, pid) {
			return nil
		}
	}
}

func releasePublisher(h *segmentHeader, pid uint32) {
	atomic.CompareAndSwapUint32(&h.publisherPID, pid, 0)
}

// WriteBuffer returns the payload of the slot being written. It does not
// lock: the slot is invisible to readers until Commit. The returned slice is
// valid until the next Commit.
func (p *Publisher) WriteBuffer() ([]byte, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.exit()
	return p.seg.payload(atomic.LoadUint32(&p.seg.hdr.next))
}

// Commit publishes the value in WriteBuffer. The retiring current slot goes
// back to the free list once unreferenced, and a free slot becomes the new
// write buffer. If no slot can be freed, Commit returns ErrPoolExhausted and
// changes nothing; the write buffer keeps its contents.
func (p *Publisher) Commit() error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.exit()

	var free uint32
	err := p.seg.withLock(func(h *segmentHeader) error {
		cur, err := p.seg.slot(h.current)
		if err != nil {
			return err
		}
		nxt, err := p.seg.slot(h.next)
		if err != nil {
			return err
		}
		if cur.refcount == 0 {
			return fmt.Errorf("%w: current slot %d of %q has no reference", ErrCorrupt, h.current, p.name)
		}
		if h.freeHead == noSlot && cur.refcount > 1 {
			return fmt.Errorf("%w: %q has no free slot, readers hold %d references to the current value",
				ErrPoolExhausted, p.name, cur.refcount-1)
		}

		cur.refcount--
		if cur.refcount == 0 {
			if err := p.seg.push(h, h.current); err != nil {
				return err
			}
		}
		h.commits++
		nxt.refcount = 1
		nxt.sequence = h.commits
		atomic.StoreUint32(&h.current, h.next)

		idx, err := p.seg.pop(h)
		if err != nil {
			return err
		}
		atomic.StoreUint32(&h.next, idx)
		h.update.Advance()
		free = h.freeCount
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			internalLogger.warnf("publisher %q: %v", p.name, err)
			p.cfg.Metrics.poolExhausted(p.name)
			p.audit(audit.EventPoolExhausted, map[string]interface{}{"error": err.Error()})
		}
		return err
	}
	if _, err := p.seg.hdr.update.Wake(); err != nil {
		internalLogger.errorf("publisher %q: wake subscribers: %v", p.name, err)
	}
	p.cfg.Metrics.commit(p.name, free)
	p.ins.recordCommit()
	return nil
}

// Publish copies data into the write buffer, zeroes the rest of it, and
// commits.
func (p *Publisher) Publish(data []byte) error {
	if len(data) > p.BufferSize() {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), p.BufferSize())
	}
	buf, err := p.WriteBuffer()
	if err != nil {
		return err
	}
	n := copy(buf, data)
	clear(buf[n:])
	return p.Commit()
}

// Close releases the publisher role, unmaps the segment and, under
// UnlinkOnClose, removes the named object. Buffers obtained from the
// publisher must not be used afterwards.
func (p *Publisher) Close() error {
	return p.closeWith(
		func() { releasePublisher(p.seg.hdr, p.pid) },
		func() error {
			if p.cfg.Removal != UnlinkOnClose {
				return nil
			}
			internalLogger.infof("publisher %q: unlinking %s", p.name, p.path)
			return internalshm.Unlink(p.path)
		},
	)
}
