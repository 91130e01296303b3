// uistate.go — 对外可观察的状态树: 布局、模式与状态常量、合并规则。
package uistate

import "github.com/waldiez/studio/internal/reconcile"

// Tree 状态树, 与 reconcile.Tree 相同。
type Tree = reconcile.Tree

// ========================================
// 模式与状态
// ========================================

// Mode 会话模式, 在 Start 时确定, 会话期间不变。
type Mode string

const (
	ModeChat Mode = "chat"
	ModeStep Mode = "step"
)

// Valid 报告模式是否已知。
func (m Mode) Valid() bool { return m == ModeChat || m == ModeStep }

// Status 会话状态。error 为吸收态。
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ========================================
// 树结构键
// ========================================

const (
	KeySession = "session"
	KeyChat    = "chat"
	KeyStep    = "stepByStep"

	PathChatMessages     = "chat.messages"
	PathStepEventHistory = "stepByStep.eventHistory"
)

// MergeConfig 状态树的合并规则: 消息与调试事件历史按 Append 去重合并, 其余数组整体替换。
func MergeConfig() reconcile.Config {
	return reconcile.Config{
		Arrays: map[string]reconcile.ArrayRule{
			PathChatMessages:     {Strategy: reconcile.Append},
			PathStepEventHistory: {Strategy: reconcile.Append},
		},
	}
}

// InitialTree 新会话的初始树。
// chat: 空消息、无活动请求; step: 空历史, 断点仅保留显式传入的。
func InitialTree(mode Mode, taskPath string, breakpoints []string) Tree {
	bps := make([]any, 0, len(breakpoints))
	for _, b := range breakpoints {
		bps = append(bps, b)
	}
	return Tree{
		KeySession: Tree{
			"taskPath":   taskPath,
			"mode":       string(mode),
			"status":     string(StatusIdle),
			"sessionId":  "",
			"requestId":  nil,
			"returnCode": nil,
			"error":      nil,
		},
		KeyChat: Tree{
			"active":        mode == ModeChat,
			"messages":      []any{},
			"activeRequest": nil,
			"participants":  []any{},
			"timeline":      nil,
		},
		KeyStep: Tree{
			"active":              mode == ModeStep,
			"eventHistory":        []any{},
			"currentEvent":        nil,
			"breakpoints":         bps,
			"pendingControlInput": nil,
			"autoContinue":        false,
			"stats":               nil,
			"help":                nil,
			"lastError":           nil,
		},
	}
}

// EmptyTree 空闲时的树 (尚未启动任何会话)。
func EmptyTree() Tree {
	t := InitialTree(ModeChat, "", nil)
	t[KeyChat].(Tree)["active"] = false
	return t
}
