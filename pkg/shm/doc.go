// Package shm broadcasts the latest value of a fixed-size buffer from one
// publisher to any number of subscribers through a named shared memory
// segment, without copying payloads.
//
// The segment holds a header and SubscriberCapacity+2 slots. One slot is
// the current value, one is being written by the publisher and the rest
// form a refcounted free list threaded through slot indices, so the segment
// can be mapped at different addresses in every process. A cross-process
// futex lock guards the metadata; a futex condition variable wakes blocked
// subscribers on every commit.
//
// Publisher side:
//
//	pub, err := shm.OpenPublisher(ctx, "quotes", 4096, 8, nil)
//	// ...
//	buf, _ := pub.WriteBuffer()
//	n := encode(buf)
//	err = pub.Commit()
//
// Subscriber side:
//
//	sub, err := shm.OpenSubscriber(ctx, "quotes", nil)
//	// ...
//	v, err := sub.WaitForUpdate(ctx)
//	decode(v.Bytes())
//	err = sub.Release(v)
//
// WaitForUpdate returns the value current when it wakes up, not every
// commit: values committed while nobody waits are never delivered through
// it. Use Peek to read the latest value without blocking.
//
// Every View must be released exactly once. A publisher whose Commit finds
// no free slot returns ErrPoolExhausted and changes nothing.
package shm
