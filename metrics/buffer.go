package metrics

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer holds samples waiting to be pushed.
// When full the oldest entry is overwritten.
type RingBuffer[T any] struct {
	mu      sync.Mutex
	data    []T
	head    int
	size    int
	dropped uint64
	logger  *zap.Logger
}

// NewRingBuffer creates a buffer holding at most capacity items
func NewRingBuffer[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:   make([]T, capacity),
		logger: logger,
	}
}

// Add appends items in order
func (rb *RingBuffer[T]) Add(items ...T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	overwritten := 0
	for _, item := range items {
		if rb.size == len(rb.data) {
			overwritten++
		} else {
			rb.size++
		}
		rb.data[rb.head] = item
		rb.head = (rb.head + 1) % len(rb.data)
	}

	if overwritten > 0 {
		rb.dropped += uint64(overwritten)
		rb.logger.Warn("sample buffer full, dropped oldest samples",
			zap.Int("capacity", len(rb.data)),
			zap.Int("dropped", overwritten),
		)
	}
}

// Drain returns every buffered item, oldest first, and empties the buffer
func (rb *RingBuffer[T]) Drain() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]T, rb.size)
	start := (rb.head - rb.size + len(rb.data)) % len(rb.data)
	for i := range out {
		out[i] = rb.data[(start+i)%len(rb.data)]
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0

	return out
}

// Len returns the number of buffered items
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Dropped returns how many items were overwritten before they could be drained
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}
