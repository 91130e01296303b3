package uistate

import "encoding/json"

// ActiveRequest 等待用户回复的输入请求。
type ActiveRequest struct {
	RequestID string `json:"request_id"`
	Prompt    string `json:"prompt"`
	Password  bool   `json:"password,omitempty"`
}

// Tree 表示。
func (r *ActiveRequest) Tree() Tree {
	if r == nil {
		return nil
	}
	return Tree{"request_id": r.RequestID, "prompt": r.Prompt, "password": r.Password}
}

// SessionView session 分支的只读视图。
type SessionView struct {
	TaskPath   string `json:"taskPath"`
	Mode       Mode   `json:"mode"`
	Status     Status `json:"status"`
	SessionID  string `json:"sessionId"`
	RequestID  string `json:"requestId"`
	ReturnCode *int   `json:"returnCode"`
	Error      string `json:"error"`
}

// ChatView chat 分支的只读视图。
type ChatView struct {
	Active        bool             `json:"active"`
	Messages      []map[string]any `json:"messages"`
	ActiveRequest *ActiveRequest   `json:"activeRequest"`
	Participants  []any            `json:"participants"`
	Timeline      any              `json:"timeline"`
}

// StepView stepByStep 分支的只读视图。
type StepView struct {
	Active              bool             `json:"active"`
	EventHistory        []map[string]any `json:"eventHistory"`
	CurrentEvent        map[string]any   `json:"currentEvent"`
	Breakpoints         []string         `json:"breakpoints"`
	PendingControlInput *ActiveRequest   `json:"pendingControlInput"`
	AutoContinue        bool             `json:"autoContinue"`
	Stats               map[string]any   `json:"stats"`
	Help                any              `json:"help"`
	LastError           string           `json:"lastError"`
}

// SessionOf 解码 session 分支。
func SessionOf(t Tree) SessionView {
	var v SessionView
	decodeBranch(t, KeySession, &v)
	return v
}

// ChatOf 解码 chat 分支。
func ChatOf(t Tree) ChatView {
	var v ChatView
	decodeBranch(t, KeyChat, &v)
	return v
}

// StepOf 解码 stepByStep 分支。
func StepOf(t Tree) StepView {
	var v StepView
	decodeBranch(t, KeyStep, &v)
	return v
}

// decodeBranch 经 JSON 往返解码; 树中只有 JSON 兼容值, 失败时保留零值。
func decodeBranch(t Tree, key string, out any) {
	branch, ok := t[key]
	if !ok || branch == nil {
		return
	}
	raw, err := json.Marshal(branch)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, out)
}
