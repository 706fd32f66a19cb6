package types

import "errors"

// ErrCounterOverflow is returned when a counter has no identifiers left.
var ErrCounterOverflow = errors.New("identifier counter overflow")

// Identifier is the set of unsigned types usable as counter values.
type Identifier interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Counter hands out monotonically increasing identifiers. The zero value
// starts at 0. The counter never wraps: once the next increment would
// overflow, Allocate fails and the counter stays where it is.
type Counter[T Identifier] struct {
	next T
}

// NewCounter returns a counter whose next identifier is next.
func NewCounter[T Identifier](next T) Counter[T] {
	return Counter[T]{next: next}
}

// Peek returns the identifier the next Allocate would hand out.
func (c *Counter[T]) Peek() T {
	return c.next
}

// Allocate returns the current value and advances the counter.
func (c *Counter[T]) Allocate() (T, error) {
	id := c.next
	if id == maxOf[T]() {
		return id, ErrCounterOverflow
	}
	c.next = id + 1
	return id, nil
}

func maxOf[T Identifier]() T {
	var zero T
	return ^zero
}

