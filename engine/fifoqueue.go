package engine

import (
	"github.com/karstlabs/karst/engine/common/fifoqueue"
)

// FifoMessageStore wraps a FifoQueue to implement the MessageStore
// interface.
type FifoMessageStore struct {
	*fifoqueue.FifoQueue
}

// NewFifoMessageStore creates a message store with the given capacity.
func NewFifoMessageStore(capacity int) (*FifoMessageStore, error) {
	queue, err := fifoqueue.NewFifoQueue(fifoqueue.WithCapacity(capacity))
	if err != nil {
		return nil, err
	}
	return &FifoMessageStore{FifoQueue: queue}, nil
}

func (s *FifoMessageStore) Put(msg *Message) bool {
	return s.Push(msg)
}

func (s *FifoMessageStore) Get() (*Message, bool) {
	element, ok := s.Pop()
	if !ok {
		return nil, false
	}
	return element.(*Message), true
}
