package ringbuffer

import (
	"math/bits"
	"sync/atomic"
)

// Original algorithm by Nick Zeeb / LMAX Exchange
// https://github.com/LMAX-Exchange/CoalescingRingBuffer

// K — logical key, compared by value equality during the coalesce scan.
// V — value to deliver; the consumer only ever sees the latest value per key.
// RingBuffer: single-producer, single-consumer (SPSC), bounded, lock-free.

type RingBuffer[K comparable, V any] struct {
	// Optional padding to avoid false sharing between frequently accessed fields
	_        [64]byte
	mask     uint64
	capacity uint64
	keys     []*K                // written and cleared only by the producer
	values   []atomic.Pointer[V] // stored by the producer, loaded by the consumer
	_        [64]byte
	nextWrite      atomic.Uint64 // next slot the producer appends at
	lastCleaned    uint64        // last slot whose key the producer nulled out (producer-private)
	rejectionCount atomic.Uint64
	_              [64]byte
	firstWrite atomic.Uint64 // oldest slot that is still safe to coalesce into
	_          [64]byte
	lastRead atomic.Uint64 // newest slot that is safe to overwrite, updated by the consumer
	_        [64]byte
}

const maxCapacity = 1 << 30

// New creates a bounded coalescing ring buffer.
// 'capacity' is rounded up to the next power of two.
func New[K comparable, V any](capacity int) *RingBuffer[K, V] {
	if capacity < 1 || capacity > maxCapacity {
		panic("capacity must be in [1, 1<<30]")
	}

	c := nextPowerOfTwo(uint64(capacity))

	b := &RingBuffer[K, V]{
		mask:     c - 1,
		capacity: c,
		keys:     make([]*K, c),
		values:   make([]atomic.Pointer[V], c),
	}
	b.nextWrite.Store(1)
	b.firstWrite.Store(1)

	return b
}

func nextPowerOfTwo(v uint64) uint64 {
	return 1 << bits.Len64(v-1)
}

// Offer stores value under key. If an unread entry with an equal key is still
// pending, its value is replaced in place and no new slot is consumed.
// Returns false if the buffer is full and no coalescing was possible (overflow).
// IMPORTANT: must be called from a single producer goroutine.
func (b *RingBuffer[K, V]) Offer(key K, value V) bool {
	w := b.nextWrite.Load()

	for s := b.firstWrite.Load(); s < w; s++ {
		i := s & b.mask

		if k := b.keys[i]; k != nil && *k == key {
			b.values[i].Store(&value)

			// check that the reader has not read the slot yet
			if b.firstWrite.Load() <= s {
				return true
			}
			// the consumer raced past this slot between the key match and
			// the value store; the replacement may already have been missed
			break
		}
	}

	return b.add(&key, value)
}

// OfferValue appends value without a key. Keyless entries never coalesce:
// every accepted call occupies its own slot.
// IMPORTANT: must be called from a single producer goroutine.
func (b *RingBuffer[K, V]) OfferValue(value V) bool {
	return b.add(nil, value)
}

func (b *RingBuffer[K, V]) add(key *K, value V) bool {
	if b.IsFull() {
		b.rejectionCount.Add(1)
		return false
	}

	b.cleanUp()
	b.store(key, value)
	return true
}

func (b *RingBuffer[K, V]) store(key *K, value V) {
	w := b.nextWrite.Load()
	i := w & b.mask

	b.keys[i] = key
	b.values[i].Store(&value)

	// publish the slot
	b.nextWrite.Store(w + 1)
}

func (b *RingBuffer[K, V]) cleanUp() {
	lastRead := b.lastRead.Load()

	if lastRead == b.lastCleaned {
		return
	}

	for b.lastCleaned < lastRead {
		b.lastCleaned++
		i := b.lastCleaned & b.mask
		b.keys[i] = nil
		b.values[i].Store(nil)
	}
}

// Poll appends every currently visible value to *bucket in sequence order and
// returns the number moved. A coalesced key contributes its latest value only.
// IMPORTANT: must be called from a single consumer goroutine.
func (b *RingBuffer[K, V]) Poll(bucket *[]V) int {
	r := b.lastRead.Load()
	w := b.nextWrite.Load()

	// fence off every slot below w against in-place coalescing
	// before any value is read
	b.firstWrite.Store(w)

	for s := r + 1; s < w; s++ {
		*bucket = append(*bucket, *b.values[s&b.mask].Load())
	}

	b.lastRead.Store(w - 1)

	return int(w - r - 1)
}

// Size returns a snapshot of the number of unread entries.
// It may be stale the moment it returns.
func (b *RingBuffer[K, V]) Size() int {
	return int(b.nextWrite.Load() - b.lastRead.Load() - 1)
}

// Capacity returns the fixed buffer capacity.
func (b *RingBuffer[K, V]) Capacity() int {
	return int(b.capacity)
}

func (b *RingBuffer[K, V]) IsFull() bool {
	return b.Size() == int(b.capacity)
}

func (b *RingBuffer[K, V]) IsEmpty() bool {
	return b.Size() == 0
}

// RejectionCount returns the cumulative number of offers rejected on overflow.
func (b *RingBuffer[K, V]) RejectionCount() uint64 {
	return b.rejectionCount.Load()
}

type Stats struct {
	Size       int
	Capacity   int
	Rejections uint64
}

// Stats retrieves a one-shot snapshot of the buffer counters.
func (b *RingBuffer[K, V]) Stats() Stats {
	return Stats{
		Size:       b.Size(),
		Capacity:   int(b.capacity),
		Rejections: b.rejectionCount.Load(),
	}
}
