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

import "errors"

var (
	// ErrResourceCreation means the named object could not be created, sized
	// or mapped. The open call left nothing behind.
	ErrResourceCreation = errors.New("shared memory segment could not be created or mapped")

	// ErrNoSpace means the filesystem backing the segment lacks room for it.
	ErrNoSpace = errors.New("not enough free space for shared memory segment")

	// ErrPoolExhausted means every spare slot is referenced: readers hold more
	// buffers than the segment's subscriber capacity allows.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrDoubleRelease means a view was released more often than acquired.
	ErrDoubleRelease = errors.New("buffer released twice")

	// ErrForeignView means a view was released on a handle that did not
	// produce it.
	ErrForeignView = errors.New("view does not belong to this handle")

	// ErrLayoutMismatch means the segment header disagrees with the mapped
	// size or with the sizes the subscriber expected.
	ErrLayoutMismatch = errors.New("segment layout mismatch")

	// ErrPublisherActive means another live publisher owns the segment.
	ErrPublisherActive = errors.New("segment already has an active publisher")

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("handle closed")

	// ErrPayloadTooLarge is returned by Publish for data longer than the
	// segment's buffer size.
	ErrPayloadTooLarge = errors.New("payload larger than buffer size")

	ErrInvalidName   = errors.New("invalid segment name")
	ErrInvalidConfig = errors.New("invalid config")

	// ErrCorrupt means shared metadata violates an invariant, such as a slot
	// index out of range.
	ErrCorrupt = errors.New("segment metadata corrupt")
)
