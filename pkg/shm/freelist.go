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
)

// The free list is a LIFO stack of unreferenced slots threaded through
// slotHeader.nextFree. A slot sits in it iff its refcount is zero and it
// holds neither the current nor the next role. Callers hold the header lock.

func (s *segment) push(h *segmentHeader, i uint32) error {
	sl, err := s.slot(i)
	if err != nil {
		return err
	}
	sl.nextFree = h.freeHead
	h.freeHead = i
	h.freeCount++
	return nil
}

func (s *segment) pop(h *segmentHeader) (uint32, error) {
	head := h.freeHead
	if head == noSlot {
		return noSlot, fmt.Errorf("%w: %q has no free slot", ErrPoolExhausted, s.name)
	}
	sl, err := s.slot(head)
	if err != nil {
		return noSlot, err
	}
	h.freeHead = sl.nextFree
	sl.nextFree = noSlot
	h.freeCount--
	return head, nil
}

// format writes a fresh header and slot table. Slot 0 becomes current (one
// implicit reference, zero payload, sequence 0), slot 1 becomes next and
// slots 2..N-1 go to the free list. The readiness sentinel is cleared first
// and stored last. publisherPID is left alone.
func (s *segment) format() error {
	h := s.hdr
	l := s.layout
	atomicStoreMagic(h, 0)

	h.version = LayoutVersion
	h.bufferSize = l.BufferSize
	h.slotCount = l.SlotCount
	h.subscriberCapacity = l.SubscriberCapacity
	h.slotStride = l.SlotStride
	h.totalSize = l.TotalSize
	h.lock.Reset()

	clear(s.region.Data[HeaderSize:l.TotalSize])
	for i := uint32(0); i < l.SlotCount; i++ {
		sl, err := s.slot(i)
		if err != nil {
			return err
		}
		sl.refcount = 0
		sl.nextFree = noSlot
		sl.sequence = 0
	}

	h.freeHead = noSlot
	h.freeCount = 0
	for i := l.SlotCount - 1; i >= 2; i-- {
		if err := s.push(h, i); err != nil {
			return err
		}
	}
	first, err := s.slot(0)
	if err != nil {
		return err
	}
	first.refcount = 1
	h.current = 0
	h.next = 1
	h.commits = 0

	atomicStoreMagic(h, ReadyMagic)
	return nil
}
