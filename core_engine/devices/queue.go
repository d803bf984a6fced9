package devices

import "sync"

// DefaultQueueSize is the capacity of the console input buffer when none is configured.
const DefaultQueueSize = 1024

// ByteQueue is a bounded FIFO of bytes shared between one producer and one consumer.
// All methods are safe for concurrent use and never block on I/O.
type ByteQueue struct {
	lock  sync.Mutex
	buf   []byte
	head  int // next read position
	count int // number of buffered bytes
}

// NewByteQueue creates a queue holding at most capacity bytes.
// A non-positive capacity selects DefaultQueueSize.
func NewByteQueue(capacity int) *ByteQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &ByteQueue{buf: make([]byte, capacity)}
}

// Push appends b. It returns false, leaving the queue unchanged, when the queue is full.
func (q *ByteQueue) Push(b byte) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.count == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = b
	q.count++
	return true
}

// Pop removes and returns the oldest byte. ok is false if the queue was empty.
func (q *ByteQueue) Pop() (b byte, ok bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.count == 0 {
		return 0, false
	}
	b = q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return b, true
}

// Len returns the number of buffered bytes.
func (q *ByteQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *ByteQueue) Cap() int {
	return len(q.buf)
}

// Reset discards all buffered bytes.
func (q *ByteQueue) Reset() {
	q.lock.Lock()
	q.head = 0
	q.count = 0
	q.lock.Unlock()
}
