// Package buffer holds recent process lifecycle events between the producer
// and request handlers.
package buffer

import (
	"sync"

	"github.com/jnesss/procmon/types"
)

// Capacity is the number of events a Ring retains
const Capacity = 512

// Ring is a fixed-capacity FIFO of events that overwrites its oldest entry
// when full. Push never blocks on anything but the ring's own mutex, and the
// mutex is only held for a slot copy plus index arithmetic.
type Ring struct {
	mu       sync.Mutex
	slots    []types.Event
	head     int // next write slot
	tail     int // next read slot
	count    int
	dropped  uint64
	released bool
}

// NewRing allocates a ring of Capacity slots
func NewRing() *Ring {
	return &Ring{
		slots: make([]types.Event, Capacity),
	}
}

// Push stores e, discarding the oldest event if the ring is full. Reports
// whether an older event was discarded. Pushes after Release are ignored.
func (r *Ring) Push(e types.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return false
	}

	r.slots[r.head] = e
	r.head = (r.head + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
		return false
	}
	r.tail = (r.tail + 1) % len(r.slots)
	r.dropped++
	return true
}

// Read removes and returns up to max events, oldest first. An empty ring
// returns nil.
func (r *Ring) Read(max int) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(max, r.count)
	if n <= 0 {
		return nil
	}

	out := make([]types.Event, n)
	for i := range out {
		out[i] = r.slots[r.tail]
		r.slots[r.tail] = types.Event{}
		r.tail = (r.tail + 1) % len(r.slots)
	}
	r.count -= n
	return out
}

// Len returns the number of buffered events
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity
func (r *Ring) Cap() int {
	return Capacity
}

// Dropped returns how many events were overwritten before being read
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Release discards the backing storage. The ring reads as empty afterwards.
func (r *Ring) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.released = true
	r.slots = nil
	r.head, r.tail, r.count = 0, 0, 0
}
