package protocol

import (
	"encoding/json"
	"fmt"
)

// Surface 通道种类, 决定入站帧的解码规则。
type Surface int

const (
	SurfaceExec     Surface = iota // /ws: 运行一个文件
	SurfaceTerminal                // /ws/terminal: 交互 shell
)

func (s Surface) String() string {
	if s == SurfaceTerminal {
		return "terminal"
	}
	return "exec"
}

// Event 入站事件。封闭集合: 只有本包内的类型实现它。
type Event interface {
	event()
}

type (
	// TerminalData 终端输出。
	TerminalData struct{ Data string }
	// SessionEnd 终端会话结束 (终态)。
	SessionEnd struct{}

	// RunStdout / RunStderr 进程输出的一行 (保留换行)。
	RunStdout struct{ Text string }
	RunStderr struct{ Text string }
	// RunStatus 进程状态变化。
	RunStatus struct {
		State string
		PID   int
		Cwd   string
	}
	// RunEnd 进程结束 (终态)。
	RunEnd struct {
		Status     string
		ReturnCode int
		ElapsedMs  int64
	}
	// ErrorEvent 非终态错误: 服务端 error 帧, 或无法解析的帧。
	ErrorEvent struct {
		Message string
		Details string
	}

	CompileStart struct{ Source string }
	CompileEnd   struct{ Output string }
	CompileError struct{ Message string }

	// StdinAck 服务端确认已写入 stdin。
	StdinAck struct {
		Text      string
		RequestID string
	}
	StdinError struct{ Error string }

	// Diagnostic info / warning / results / status 等自由格式消息。
	Diagnostic struct {
		Kind string
		Data any
	}

	// Unrecognized 未知 type 的帧。
	Unrecognized struct {
		Type string
		Raw  json.RawMessage
	}

	// Disconnected 传输层关闭或出错 (终态), 由客户端合成而非服务端发送。
	Disconnected struct{ Err error }
)

func (TerminalData) event() {}
func (SessionEnd) event()   {}
func (RunStdout) event()    {}
func (RunStderr) event()    {}
func (RunStatus) event()    {}
func (RunEnd) event()       {}
func (ErrorEvent) event()   {}
func (CompileStart) event() {}
func (CompileEnd) event()   {}
func (CompileError) event() {}
func (StdinAck) event()     {}
func (StdinError) event()   {}
func (Diagnostic) event()   {}
func (Unrecognized) event() {}
func (Disconnected) event() {}

// IsTerminal 报告事件是否结束会话。
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case RunEnd, SessionEnd, Disconnected:
		return true
	}
	return false
}

type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode 将一帧文本解码为 Event。永不返回错误: 畸形帧变为 ErrorEvent。
func Decode(surface Surface, raw []byte) Event {
	var f rawFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ErrorEvent{Message: "malformed frame", Details: err.Error()}
	}
	if f.Type == "" {
		return ErrorEvent{Message: "frame without type", Details: truncate(string(raw), 256)}
	}
	if surface == SurfaceTerminal {
		return decodeTerminal(f)
	}
	return decodeExec(f)
}

func decodeTerminal(f rawFrame) Event {
	switch f.Type {
	case TypeData:
		var s string
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return ErrorEvent{Message: "malformed data frame", Details: err.Error()}
		}
		return TerminalData{Data: s}
	case TypeSessionEnd:
		return SessionEnd{}
	case TypeError:
		return decodeError(f.Data)
	}
	return Unrecognized{Type: f.Type, Raw: f.Data}
}

func decodeExec(f rawFrame) Event {
	switch f.Type {
	case TypeRunStdout, TypeRunStderr:
		var d TextData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return ErrorEvent{Message: "malformed " + f.Type + " frame", Details: err.Error()}
		}
		if f.Type == TypeRunStdout {
			return RunStdout{Text: d.Text}
		}
		return RunStderr{Text: d.Text}

	case TypeRunStatus:
		var d StatusData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			// 兼容 {"data":"RUNNING"} 形式
			var s string
			if json.Unmarshal(f.Data, &s) != nil {
				return ErrorEvent{Message: "malformed run_status frame", Details: err.Error()}
			}
			d.State = s
		}
		return RunStatus{State: d.State, PID: d.PID, Cwd: d.Cwd}

	case TypeRunEnd:
		var d EndData
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &d); err != nil {
				return ErrorEvent{Message: "malformed run_end frame", Details: err.Error()}
			}
		}
		if d.Status == "" {
			d.Status = StatusOK
			if d.ReturnCode != 0 {
				d.Status = StatusError
			}
		}
		return RunEnd{Status: d.Status, ReturnCode: d.ReturnCode, ElapsedMs: d.ElapsedMs}

	case TypeError:
		return decodeError(f.Data)

	case TypeCompileStart:
		var d struct{ Source string }
		_ = json.Unmarshal(f.Data, &d)
		return CompileStart{Source: d.Source}
	case TypeCompileEnd:
		var d struct {
			Py string `json:"py"`
		}
		_ = json.Unmarshal(f.Data, &d)
		return CompileEnd{Output: d.Py}
	case TypeCompileError:
		var d ErrorData
		_ = json.Unmarshal(f.Data, &d)
		return CompileError{Message: d.Message}

	case TypeRunStdinAck:
		var d struct {
			Text      string `json:"text"`
			RequestID any    `json:"request_id"`
		}
		_ = json.Unmarshal(f.Data, &d)
		ack := StdinAck{Text: d.Text}
		if d.RequestID != nil {
			ack.RequestID = fmt.Sprint(d.RequestID)
		}
		return ack
	case TypeRunStdinError:
		var d struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(f.Data, &d)
		return StdinError{Error: d.Error}

	case TypeInfo, TypeWarning, TypeResults, TypeStatus:
		var v any
		if len(f.Data) > 0 {
			_ = json.Unmarshal(f.Data, &v)
		}
		return Diagnostic{Kind: f.Type, Data: v}
	}
	return Unrecognized{Type: f.Type, Raw: f.Data}
}

// decodeError 兼容 {"message","details"} 与纯字符串两种 data。
func decodeError(data json.RawMessage) Event {
	var d ErrorData
	if err := json.Unmarshal(data, &d); err == nil {
		return ErrorEvent{Message: d.Message, Details: d.Details}
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return ErrorEvent{Message: s}
	}
	return ErrorEvent{Message: "error", Details: truncate(string(data), 256)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
