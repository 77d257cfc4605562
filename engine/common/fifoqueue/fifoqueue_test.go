package fifoqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFifoQueue_Ordering verifies FIFO semantics.
func TestFifoQueue_Ordering(t *testing.T) {
	queue, err := NewFifoQueue()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.True(t, queue.Push(i))
	}
	require.Equal(t, 10, queue.Len())

	front, ok := queue.Front()
	require.True(t, ok)
	require.Equal(t, 0, front)

	for i := 0; i < 10; i++ {
		element, ok := queue.Pop()
		require.True(t, ok)
		require.Equal(t, i, element)
	}
	_, ok = queue.Pop()
	require.False(t, ok)
}

// TestFifoQueue_Capacity verifies elements beyond the capacity are dropped.
func TestFifoQueue_Capacity(t *testing.T) {
	queue, err := NewFifoQueue(WithCapacity(3))
	require.NoError(t, err)

	require.True(t, queue.Push("a"))
	require.True(t, queue.Push("b"))
	require.True(t, queue.Push("c"))
	require.False(t, queue.Push("overflow"))
	require.Equal(t, 3, queue.Len())

	// Popping frees a slot.
	_, ok := queue.Pop()
	require.True(t, ok)
	require.True(t, queue.Push("d"))
}

// TestFifoQueue_InvalidOptions verifies constructor validation.
func TestFifoQueue_InvalidOptions(t *testing.T) {
	_, err := NewFifoQueue(WithCapacity(0))
	require.Error(t, err)

	_, err = NewFifoQueue(WithLengthObserver(nil))
	require.Error(t, err)
}

// TestFifoQueue_LengthObserver verifies the observer sees every length
// change.
func TestFifoQueue_LengthObserver(t *testing.T) {
	var observed []int
	queue, err := NewFifoQueue(WithLengthObserver(func(length int) {
		observed = append(observed, length)
	}))
	require.NoError(t, err)

	queue.Push("a")
	queue.Push("b")
	queue.Pop()
	require.Equal(t, []int{1, 2, 1}, observed)
}

// TestFifoQueue_Concurrent pushes and pops from many goroutines and checks
// nothing is lost or duplicated.
func TestFifoQueue_Concurrent(t *testing.T) {
	queue, err := NewFifoQueue()
	require.NoError(t, err)

	const workers = 10
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				queue.Push(w*perWorker + i)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[interface{}]struct{})
	for {
		element, ok := queue.Pop()
		if !ok {
			break
		}
		_, dup := seen[element]
		require.False(t, dup)
		seen[element] = struct{}{}
	}
	require.Len(t, seen, workers*perWorker)
}
