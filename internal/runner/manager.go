// Package runner 执行存储: 当前任务登记、控制台日志与原始事件分发。
//
// 单实例, 由调用方显式持有并传递 (无包级全局变量)。
// 生命周期: Replace(新任务, 释放旧任务) → Publish(事件…) → Clear。
package runner

import (
	"sync"
	"time"

	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

// Handle 任务持有的可释放资源 (通常是传输通道)。Close 必须幂等。
type Handle interface {
	Close()
}

// Task 当前执行任务。
type Task struct {
	ID        string    // 会话 id
	Path      string    // 运行的文件
	Mode      string    // chat | step | terminal
	StartedAt time.Time // 登记时间
	Handle    Handle

	disposeOnce sync.Once
}

// dispose 释放任务资源, 多次调用只生效一次。
func (t *Task) dispose() {
	if t == nil {
		return
	}
	t.disposeOnce.Do(func() {
		if t.Handle != nil {
			t.Handle.Close()
		}
	})
}

// TaskInfo 任务信息快照 (线程安全复制)。
type TaskInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// Event 分发给监听器的原始协议事件。
type Event struct {
	TaskID string
	Event  protocol.Event
}

// Listener 事件监听器。
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// Registry 管理当前任务、控制台日志与监听器。
type Registry struct {
	mu        sync.RWMutex
	current   *Task
	listeners []listenerEntry
	nextID    int
	log       *LineLog
}

// NewRegistry 创建执行存储, maxLines 为控制台日志容量 (<=0 使用默认值)。
func NewRegistry(maxLines int) *Registry {
	return &Registry{log: NewLineLog(maxLines)}
}

// Replace 安装新的当前任务并返回前一个任务。
// 前一个任务的 Handle 在锁外释放 (幂等)。
func (r *Registry) Replace(task *Task) *Task {
	r.mu.Lock()
	prev := r.current
	r.current = task
	r.mu.Unlock()

	if prev != nil && prev != task {
		prev.dispose()
		logger.Debug("runner: previous task disposed", logger.FieldTaskID, prev.ID)
	}
	return prev
}

// Current 返回当前任务信息, 无任务时 ok=false。
func (r *Registry) Current() (TaskInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return TaskInfo{}, false
	}
	t := r.current
	return TaskInfo{ID: t.ID, Path: t.Path, Mode: t.Mode, StartedAt: t.StartedAt}, true
}

// Clear 仅当 id 仍是当前任务时清除并释放它。返回是否清除。
func (r *Registry) Clear(id string) bool {
	r.mu.Lock()
	t := r.current
	if t == nil || t.ID != id {
		r.mu.Unlock()
		return false
	}
	r.current = nil
	r.mu.Unlock()

	t.dispose()
	return true
}

// Log 控制台日志。
func (r *Registry) Log() *LineLog { return r.log }

// Subscribe 注册监听器, 返回取消函数 (可重复调用)。
func (r *Registry) Subscribe(fn Listener) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.listeners {
			if e.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// Publish 按注册顺序分发事件。panic 的监听器被恢复并记录, 其余监听器照常收到事件。
func (r *Registry) Publish(ev Event) {
	r.mu.RLock()
	snapshot := make([]listenerEntry, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, e := range snapshot {
		fn := e.fn
		_ = util.SafeCall("runner.listener", func() { fn(ev) })
	}
}
