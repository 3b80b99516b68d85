package restapi

import (
	"sync"

	"routeopt.transitworks.org/internal/models"
)

// frameQueue buffers the frames of one subscription. It holds at most limit
// droppable frames; pushing another drops the oldest droppable one. Other
// frames are never dropped.
type frameQueue struct {
	mu        sync.Mutex
	frames    []models.Frame
	droppable int
	limit     int
	closed    bool
	ready     chan struct{}
	onDrop    func()
}

func newFrameQueue(limit int, onDrop func()) *frameQueue {
	if limit < 1 {
		limit = 1
	}
	return &frameQueue{
		limit:  limit,
		ready:  make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// push reports false once the queue is closed.
func (q *frameQueue) push(f models.Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	dropped := false
	if f.Droppable() {
		if q.droppable >= q.limit {
			q.dropOldestLocked()
			dropped = true
		}
		q.droppable++
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *frameQueue) dropOldestLocked() {
	for i, f := range q.frames {
		if f.Droppable() {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.droppable--
			return
		}
	}
}

// pop blocks until a frame is queued or the queue is closed. Frames queued
// before close are still returned.
func (q *frameQueue) pop() (models.Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			if f.Droppable() {
				q.droppable--
			}
			q.mu.Unlock()
			return f, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
