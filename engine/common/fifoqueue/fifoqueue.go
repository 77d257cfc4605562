// Package fifoqueue provides a bounded, concurrency safe FIFO queue used as
// the backing store for engine message queues.
package fifoqueue

import (
	"fmt"
	mathbits "math/bits"
	"sync"

	"github.com/ef-ds/deque"
)

// FifoQueue is a FIFO queue with a maximum capacity. Elements pushed beyond
// the capacity are silently dropped. An optional length observer is invoked
// on every length change, which lets callers export the queue length as a
// metric.
type FifoQueue struct {
	mu             sync.RWMutex
	queue          deque.Deque
	maxCapacity    int
	lengthObserver QueueLengthObserver
}

// ConstructorOption configures the queue at construction time.
type ConstructorOption func(*FifoQueue) error

// QueueLengthObserver is called with the queue length after every change.
// It must be non-blocking.
type QueueLengthObserver func(int)

// WithCapacity caps the number of elements the queue can hold. Without it
// the capacity is the largest int value.
func WithCapacity(capacity int) ConstructorOption {
	return func(queue *FifoQueue) error {
		if capacity < 1 {
			return fmt.Errorf("capacity for fifo queue must be positive")
		}
		queue.maxCapacity = capacity
		return nil
	}
}

// WithLengthObserver installs the length observer callback.
func WithLengthObserver(callback QueueLengthObserver) ConstructorOption {
	return func(queue *FifoQueue) error {
		if callback == nil {
			return fmt.Errorf("nil is not a valid QueueLengthObserver")
		}
		queue.lengthObserver = callback
		return nil
	}
}

func NewFifoQueue(options ...ConstructorOption) (*FifoQueue, error) {
	maxInt := 1<<(mathbits.UintSize-1) - 1

	queue := &FifoQueue{
		maxCapacity:    maxInt,
		lengthObserver: func(int) {},
	}
	for _, opt := range options {
		err := opt(queue)
		if err != nil {
			return nil, fmt.Errorf("could not apply fifo queue option: %w", err)
		}
	}
	return queue, nil
}

// Push appends the element to the tail of the queue. When the queue is at
// capacity the element is dropped and false returned.
func (q *FifoQueue) Push(element interface{}) bool {
	length, pushed := q.push(element)
	if pushed {
		q.lengthObserver(length + 1)
	}
	return pushed
}

func (q *FifoQueue) push(element interface{}) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	length := q.queue.Len()
	if length < q.maxCapacity {
		q.queue.PushBack(element)
		return length, true
	}
	return length, false
}

// Front peeks at the head of the queue without removing it.
func (q *FifoQueue) Front() (interface{}, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.queue.Front()
}

// Pop removes and returns the head of the queue.
func (q *FifoQueue) Pop() (interface{}, bool) {
	element, length, ok := q.pop()
	if !ok {
		return nil, false
	}
	q.lengthObserver(length)
	return element, true
}

func (q *FifoQueue) pop() (interface{}, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	element, ok := q.queue.PopFront()
	length := q.queue.Len()
	return element, length, ok
}

// Len returns the current length of the queue.
func (q *FifoQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.queue.Len()
}
