// events.go — 运行生命周期事件总线 + SSE handler (GET /api/events)。
package apiserver

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/store"
	"github.com/waldiez/studio/pkg/logger"
)

// 事件类型。
const (
	EventRunStarted  = "run_started"
	EventRunFinished = "run_finished"
)

const sseKeepalive = 30 * time.Second

// Event SSE 事件。
type Event struct {
	Type string
	Data any
}

// EventBus 事件总线。订阅者跟不上时丢弃事件。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	seq         atomic.Int64
}

// NewEventBus 创建事件总线。
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]chan Event)}
}

// Publish 广播事件。
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 订阅, 返回订阅 id 与事件通道。
func (b *EventBus) Subscribe() (string, <-chan Event) {
	id := fmt.Sprintf("sse-%d", b.seq.Add(1))
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe 取消订阅。不关闭通道, handler 通过 ctx.Done() 退出。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Subscribers 当前订阅数。
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// runEventData 生命周期事件的负载。
func runEventData(rec *runRecord, res *protocol.EndData, run *store.Run) gin.H {
	data := gin.H{"runId": rec.id, "taskId": rec.taskID, "path": rec.path}
	if res != nil {
		data["status"] = res.Status
		data["returnCode"] = res.ReturnCode
		data["elapsedMs"] = res.ElapsedMs
	}
	if run != nil {
		data["transcriptSize"] = run.TranscriptSize
	}
	return data
}

// sseHandler Gin SSE handler。
func (s *Server) sseHandler(c *gin.Context) {
	clientID, ch := s.bus.Subscribe()
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("apiserver: SSE client disconnected", logger.FieldConn, clientID)
	}()
	logger.Info("apiserver: SSE client connected", logger.FieldConn, clientID)

	keepalive := time.NewTimer(sseKeepalive)
	defer keepalive.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Type, evt.Data)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(sseKeepalive)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(sseKeepalive)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
