package uistate

import (
	"sync"

	"github.com/waldiez/studio/internal/reconcile"
	"github.com/waldiez/studio/pkg/util"
)

// Subscriber 状态树变化回调, 收到的是新树 (只读)。
// 回调中不得同步调用 Apply/Reset。
type Subscriber func(Tree)

type subscriberEntry struct {
	id int
	fn Subscriber
}

// Store 持有当前状态树。Apply 与 Reset 是唯一的修改入口, 树本身从不原地修改。
type Store struct {
	notifyMu sync.Mutex // 串行化 "修改 + 通知", 保证订阅者按修改顺序收到
	mu       sync.RWMutex
	tree     Tree
	cfg      reconcile.Config
	subs     []subscriberEntry
	nextID   int
}

// NewStore 创建状态存储。initial 为 nil 时使用 EmptyTree。
func NewStore(initial Tree, cfg reconcile.Config) *Store {
	if initial == nil {
		initial = EmptyTree()
	}
	return &Store{tree: initial, cfg: cfg}
}

// Snapshot 返回当前树。调用方不得修改返回值。
func (s *Store) Snapshot() Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

// Apply 通过 reconcile.Merge 合并补丁。
// 只有结果引用发生变化时才通知订阅者; 合并错误原样返回且树保持不变。
func (s *Store) Apply(patch Tree) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	next, err := reconcile.Merge(s.tree, patch, s.cfg)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed := !reconcile.Identical(next, s.tree)
	s.tree = next
	subs := s.subscribersLocked()
	s.mu.Unlock()

	if changed {
		notify(subs, next)
	}
	return nil
}

// Reset 整体替换为新树 (新会话开始时使用) 并通知订阅者。
func (s *Store) Reset(tree Tree) {
	if tree == nil {
		tree = EmptyTree()
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.tree = tree
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, tree)
}

// Subscribe 注册订阅者, 返回取消函数 (可重复调用)。
func (s *Store) Subscribe(fn Subscriber) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriberEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.subs {
			if e.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) subscribersLocked() []subscriberEntry {
	out := make([]subscriberEntry, len(s.subs))
	copy(out, s.subs)
	return out
}

// notify 逐个回调, 单个订阅者 panic 不影响其余订阅者。
func notify(subs []subscriberEntry, tree Tree) {
	for _, e := range subs {
		fn := e.fn
		_ = util.SafeCall("uistate.subscriber", func() { fn(tree) })
	}
}
