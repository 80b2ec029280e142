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
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	internalshm "github.com/srediag/fastpub/internal/shm"
)

// Memory layout constants
const (
	// ReadyMagic is stored last by the publisher once the header is valid.
	ReadyMagic uint32 = 0x40404040

	// LayoutVersion is bumped on any incompatible header or slot change.
	LayoutVersion uint32 = 1

	cacheLine = 64

	// HeaderSize is the segment header size (four cache lines).
	HeaderSize = 4 * cacheLine

	// SlotHeaderSize precedes every payload (one cache line).
	SlotHeaderSize = cacheLine

	noSlot = math.MaxUint32
)

// segmentHeader is the mapping of the first HeaderSize bytes of a segment.
//
// This struct should never be instantiated.
type segmentHeader struct {
	// line 0: written by the publisher before magic, read-only afterwards
	magic              uint32
	version            uint32
	bufferSize         uint32
	slotCount          uint32
	subscriberCapacity uint32
	slotStride         uint32
	totalSize          uint64
	publisherPID       uint32
	_                  [28]byte

	// line 1
	lock internalshm.Mutex
	_    [60]byte

	// line 2
	update internalshm.Cond
	_      [56]byte

	// line 3: guarded by lock
	next      uint32
	current   uint32
	freeHead  uint32
	freeCount uint32
	commits   uint64
	_         [40]byte
}

// slotHeader precedes each payload. refcount, nextFree and sequence are
// guarded by the header lock.
type slotHeader struct {
	refcount uint32
	nextFree uint32
	sequence uint64
	_        [48]byte
}

// Both sizes are pinned: a mismatch fails to compile.
var (
	_ [HeaderSize - unsafe.Sizeof(segmentHeader{})]byte
	_ [unsafe.Sizeof(segmentHeader{}) - HeaderSize]byte
	_ [SlotHeaderSize - unsafe.Sizeof(slotHeader{})]byte
	_ [unsafe.Sizeof(slotHeader{}) - SlotHeaderSize]byte
)

// Layout describes the geometry of a segment.
type Layout struct {
	BufferSize         uint32
	SubscriberCapacity uint32
	// SlotCount is SubscriberCapacity + 2: one current, one next and one per
	// outstanding reader reference.
	SlotCount uint32
	// SlotStride is SlotHeaderSize plus BufferSize rounded up to a cache line.
	SlotStride uint32
	TotalSize  uint64
}

// NewLayout computes the layout for the given buffer size and subscriber
// capacity.
func NewLayout(bufferSize, subscriberCapacity uint32) (Layout, error) {
	if bufferSize == 0 {
		return Layout{}, fmt.Errorf("%w: buffer size must be positive", ErrInvalidConfig)
	}
	if subscriberCapacity > math.MaxUint32-3 {
		return Layout{}, fmt.Errorf("%w: subscriber capacity %d too large", ErrInvalidConfig, subscriberCapacity)
	}
	padded := alignTo64(uint64(bufferSize))
	stride := uint64(SlotHeaderSize) + padded
	if stride > math.MaxUint32 {
		return Layout{}, fmt.Errorf("%w: buffer size %d too large", ErrInvalidConfig, bufferSize)
	}
	count := subscriberCapacity + 2
	total := uint64(HeaderSize) + uint64(count)*stride
	if total > uint64(math.MaxInt) {
		return Layout{}, fmt.Errorf("%w: segment of %d slots x %d bytes does not fit in memory", ErrInvalidConfig, count, stride)
	}
	return Layout{
		BufferSize:         bufferSize,
		SubscriberCapacity: subscriberCapacity,
		SlotCount:          count,
		SlotStride:         uint32(stride),
		TotalSize:          total,
	}, nil
}

func alignTo64(n uint64) uint64 {
	return (n + cacheLine - 1) &^ (cacheLine - 1)
}

// slotOffset returns the offset of slot i's header from the segment base.
func (l Layout) slotOffset(i uint32) uint64 {
	return uint64(HeaderSize) + uint64(i)*uint64(l.SlotStride)
}

// segment is the in-heap view of one mapped segment. All slot references
// in shared memory are indices; they become addresses only through slot and
// payload, which bounds-check against the locally cached layout.
type segment struct {
	name   string
	region *internalshm.MappedRegion
	hdr    *segmentHeader
	layout Layout
}

func newSegment(name string, region *internalshm.MappedRegion, layout Layout) *segment {
	return &segment{
		name:   name,
		region: region,
		hdr:    headerOf(region),
		layout: layout,
	}
}

func headerOf(region *internalshm.MappedRegion) *segmentHeader {
	return (*segmentHeader)(unsafe.Pointer(&region.Data[0]))
}

func (s *segment) slot(i uint32) (*slotHeader, error) {
	if i >= s.layout.SlotCount {
		return nil, fmt.Errorf("%w: slot index %s out of range [0,%d) in %q", ErrCorrupt, slotName(i), s.layout.SlotCount, s.name)
	}
	return (*slotHeader)(unsafe.Pointer(&s.region.Data[s.layout.slotOffset(i)])), nil
}

func (s *segment) payload(i uint32) ([]byte, error) {
	if i >= s.layout.SlotCount {
		return nil, fmt.Errorf("%w: slot index %s out of range [0,%d) in %q", ErrCorrupt, slotName(i), s.layout.SlotCount, s.name)
	}
	start := s.layout.slotOffset(i) + SlotHeaderSize
	end := start + uint64(s.layout.BufferSize)
	return s.region.Data[start:end:end], nil
}

// withLock runs fn holding the cross-process header lock.
func (s *segment) withLock(fn func(h *segmentHeader) error) error {
	s.hdr.lock.Lock()
	defer s.hdr.lock.Unlock()
	return fn(s.hdr)
}

func (s *segment) ready() bool {
	return atomicLoadMagic(s.hdr) == ReadyMagic
}

func atomicStoreMagic(h *segmentHeader, v uint32) {
	atomic.StoreUint32(&h.magic, v)
}

func atomicLoadMagic(h *segmentHeader) uint32 {
	return atomic.LoadUint32(&h.magic)
}

// readLayout validates a ready header against the mapped size.
func readLayout(h *segmentHeader, mapped int) (Layout, error) {
	if v := h.version; v != LayoutVersion {
		return Layout{}, fmt.Errorf("%w: version %d, expected %d", ErrLayoutMismatch, v, LayoutVersion)
	}
	l, err := NewLayout(h.bufferSize, h.subscriberCapacity)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %w", ErrLayoutMismatch, err)
	}
	switch {
	case h.slotCount != l.SlotCount:
		return Layout{}, fmt.Errorf("%w: %d slots recorded, %d expected", ErrLayoutMismatch, h.slotCount, l.SlotCount)
	case h.slotStride != l.SlotStride:
		return Layout{}, fmt.Errorf("%w: slot stride %d recorded, %d expected", ErrLayoutMismatch, h.slotStride, l.SlotStride)
	case h.totalSize != l.TotalSize:
		return Layout{}, fmt.Errorf("%w: total size %d recorded, %d expected", ErrLayoutMismatch, h.totalSize, l.TotalSize)
	case l.TotalSize > uint64(mapped):
		return Layout{}, fmt.Errorf("%w: segment needs %d bytes, %d mapped", ErrLayoutMismatch, l.TotalSize, mapped)
	}
	return l, nil
}
