package uistate

import (
	"fmt"
	"strings"
)

// Kind 从 stdout 提取出的对象被识别成的类别。
type Kind string

const (
	KindIgnored Kind = ""

	// 单步调试 (仅 step 模式)
	KindDebugEvent        Kind = "debug_event"
	KindDebugInputRequest Kind = "debug_input_request"
	KindDebugBreakpoints  Kind = "debug_breakpoints_list"
	KindDebugStats        Kind = "debug_stats"
	KindDebugHelp         Kind = "debug_help"
	KindDebugError        Kind = "debug_error"
	KindDebugPrint        Kind = "debug_print"

	// 聊天 (两种模式共享)
	KindChatMessage  Kind = "chat_message"
	KindParticipants Kind = "participants"
	KindTimeline     Kind = "timeline"

	// 通用兜底
	KindInputRequest Kind = "input_request"
)

// chatMessageTypes 已知的聊天消息类型。
var chatMessageTypes = map[string]bool{
	"text":                true,
	"print":               true,
	"tool_call":           true,
	"tool_response":       true,
	"termination":         true,
	"group_chat_run_chat": true,
	"speaker_selection":   true,
	"using_auto_reply":    true,
	"execute_function":    true,
	"executed_function":   true,
	"run_completion":      true,
	"error":               true,
}

// Normalized 识别结果。
type Normalized struct {
	Kind      Kind
	Type      string         // 对象的 type 字段
	RequestID string         // 输入请求的 id
	Prompt    string         // 输入请求的提示
	Password  bool           // 输入请求是否为密码
	Object    map[string]any // 原对象
	Data      any            // 与 Kind 相关的载荷
}

// Normalize 识别一个提取出的对象。
// 顺序: step 模式下先试单步调试类型, 再试聊天类型, 最后是通用 input_request; 都不匹配则 KindIgnored。
//
// 纯函数, 无状态, 无锁。
func Normalize(obj map[string]any, mode Mode) Normalized {
	typ, _ := obj["type"].(string)
	n := Normalized{Type: typ, Object: obj}
	if typ == "" {
		return n
	}
	if mode == ModeStep && normalizeStep(&n, obj) {
		return n
	}
	if normalizeChat(&n, obj) {
		return n
	}
	if typ == "input_request" {
		n.Kind = KindInputRequest
		fillRequest(&n, obj)
	}
	return n
}

func normalizeStep(n *Normalized, obj map[string]any) bool {
	switch n.Type {
	case "debug_event":
		ev, _ := obj["event"].(map[string]any)
		if ev == nil {
			return false
		}
		n.Kind, n.Data = KindDebugEvent, ev
	case "debug_input_request":
		n.Kind = KindDebugInputRequest
		fillRequest(n, obj)
	case "debug_breakpoints_list":
		n.Kind = KindDebugBreakpoints
		n.Data = breakpointList(obj["breakpoints"])
	case "debug_stats":
		n.Kind, n.Data = KindDebugStats, obj["stats"]
	case "debug_help":
		n.Kind, n.Data = KindDebugHelp, obj["help"]
	case "debug_error":
		n.Kind, n.Data = KindDebugError, firstString(obj, "error", "message")
	case "debug_print":
		n.Kind, n.Data = KindDebugPrint, firstString(obj, "content", "message")
	default:
		return false
	}
	return true
}

func normalizeChat(n *Normalized, obj map[string]any) bool {
	if !chatMessageTypes[n.Type] {
		return false
	}
	if n.Type == "print" {
		if data, ok := obj["data"].(map[string]any); ok {
			if p, ok := data["participants"]; ok {
				n.Kind, n.Data = KindParticipants, p
				return true
			}
			if _, ok := data["timeline"]; ok {
				n.Kind, n.Data = KindTimeline, data
				return true
			}
		}
	}
	n.Kind = KindChatMessage
	return true
}

func fillRequest(n *Normalized, obj map[string]any) {
	if id, ok := obj["request_id"]; ok && id != nil {
		n.RequestID = fmt.Sprint(id)
	}
	n.Prompt = firstString(obj, "prompt", "message")
	n.Password, _ = obj["password"].(bool)
}

// breakpointList 断点可以是字符串或 {description}/{type,...} 对象, 统一为字符串。
func breakpointList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch b := item.(type) {
		case string:
			out = append(out, b)
		case map[string]any:
			if s := firstString(b, "description", "spec", "type"); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
