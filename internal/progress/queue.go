package progress

import (
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("progress queue closed")

// Queue is an Observer backed by a buffered channel. When the buffer is full
// the oldest pending message is dropped so Send never blocks.
type Queue struct {
	id string
	ch chan Message

	mu     sync.Mutex
	closed bool
}

func NewQueue(id string, size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{id: id, ch: make(chan Message, size)}
}

func (q *Queue) ID() string { return q.id }

// C delivers queued messages. It is closed by Close.
func (q *Queue) C() <-chan Message { return q.ch }

func (q *Queue) Send(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- m:
		return nil
	default:
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- m:
	default:
	}
	return nil
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
