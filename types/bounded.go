package types

// Bounded collects records up to a fixed capacity while counting every
// record offered to it. Returned() never exceeds Total() or Cap().
type Bounded[T any] struct {
	items []T
	limit int
	total int
}

// NewBounded creates a container that stores at most limit records
func NewBounded[T any](limit int) *Bounded[T] {
	if limit < 0 {
		limit = 0
	}
	return &Bounded[T]{limit: limit}
}

// Offer counts one qualifying record. build is only called, and its result
// stored, while there is room left. Reports whether the record was stored.
func (b *Bounded[T]) Offer(build func() T) bool {
	b.total++
	if len(b.items) >= b.limit {
		return false
	}
	b.items = append(b.items, build())
	return true
}

// Full reports whether further offers will only be counted
func (b *Bounded[T]) Full() bool { return len(b.items) >= b.limit }

// Items returns the stored records in offer order
func (b *Bounded[T]) Items() []T { return b.items }

// Returned is the number of stored records
func (b *Bounded[T]) Returned() int { return len(b.items) }

// Total is the number of records offered, stored or not
func (b *Bounded[T]) Total() int { return b.total }

// Cap is the negotiated capacity
func (b *Bounded[T]) Cap() int { return b.limit }
