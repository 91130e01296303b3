package engine

import (
	"sync"

	"github.com/waldiez/studio/internal/protocol"
)

// frameQueue 有界帧队列: 满时丢弃最旧的一帧, 生产者从不阻塞。
type frameQueue struct {
	mu      sync.Mutex
	items   []protocol.Frame
	max     int
	closed  bool
	dropped int
	ready   chan struct{} // 容量 1 的唤醒信号
}

func newFrameQueue(max int) *frameQueue {
	return &frameQueue{max: max, ready: make(chan struct{}, 1)}
}

func (q *frameQueue) push(f protocol.Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= q.max {
		q.items[0] = protocol.Frame{}
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.wake()
}

// close 之后 push 被忽略; 已入队的帧仍会被 drainTo 发送。
func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *frameQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *frameQueue) take() ([]protocol.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items, q.closed
}

// drainTo 按序发送直到队列关闭且排空。
func (q *frameQueue) drainTo(emit Emitter) {
	for {
		items, closed := q.take()
		for _, f := range items {
			emit.Emit(f)
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.ready
	}
}

// Dropped 因队列满被丢弃的帧数。
func (q *frameQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
