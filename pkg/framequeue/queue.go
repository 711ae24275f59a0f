package framequeue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/video-system/go-video-loader/pkg/input"
)

// DefaultCapacity is the number of frames buffered when no capacity is given
const DefaultCapacity = 20

var (
	// ErrTimeout is returned when Push or Pop cannot complete in time
	ErrTimeout = errors.New("framequeue: timeout")

	// ErrClosed is returned by Push after Close
	ErrClosed = errors.New("framequeue: closed")

	// ErrInvalidCapacity is returned by New for a capacity below 1
	ErrInvalidCapacity = errors.New("framequeue: capacity must be at least 1")
)

// Queue is a bounded FIFO of frames with a single producer and a single
// consumer. Close appends the end marker: after the buffered frames are
// popped, Pop returns input.ErrEndOfStream.
type Queue struct {
	frames chan *input.Frame

	// mu serializes Push against Close so a send never hits a closed channel
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a queue holding at most capacity frames
func New(capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Queue{frames: make(chan *input.Frame, capacity)}, nil
}

// Push enqueues a frame, waiting up to timeout for space. A timeout of zero
// or less waits until ctx is done.
func (q *Queue) Push(ctx context.Context, frame *input.Frame, timeout time.Duration) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	// Fast path: space available
	select {
	case q.frames <- frame:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case q.frames <- frame:
		return nil
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next frame, waiting up to timeout. It returns
// input.ErrEndOfStream once the queue is closed and empty. A timeout of zero
// or less waits until ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*input.Frame, error) {
	select {
	case frame, ok := <-q.frames:
		if !ok {
			return nil, input.ErrEndOfStream
		}
		return frame, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case frame, ok := <-q.frames:
		if !ok {
			return nil, input.ErrEndOfStream
		}
		return frame, nil
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close enqueues the end marker. It never blocks and is idempotent; it must
// not be called while the producer is still pushing from another goroutine
// or it will wait for that push to finish.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.frames)
		q.mu.Unlock()
	})
}

// Closed reports whether the end marker has been enqueued
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Drain discards buffered frames without consuming the end marker and
// returns how many were dropped.
func (q *Queue) Drain() int {
	dropped := 0
	for {
		select {
		case _, ok := <-q.frames:
			if !ok {
				return dropped
			}
			dropped++
		default:
			return dropped
		}
	}
}

// Len returns the number of buffered frames
func (q *Queue) Len() int {
	return len(q.frames)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return cap(q.frames)
}
