package protocol

// 入站帧类型。
const (
	// 终端通道
	TypeData       = "data"
	TypeSessionEnd = "session_end"

	// 运行通道
	TypeRunStdout     = "run_stdout"
	TypeRunStderr     = "run_stderr"
	TypeRunStatus     = "run_status"
	TypeRunEnd        = "run_end"
	TypeRunStdinAck   = "run_stdin_ack"
	TypeRunStdinError = "run_stdin_error"
	TypeCompileStart  = "compile_start"
	TypeCompileEnd    = "compile_end"
	TypeCompileError  = "compile_error"
	TypeError         = "error"

	// 诊断
	TypeInfo    = "info"
	TypeWarning = "warning"
	TypeResults = "results"
	TypeStatus  = "status"
)

// 运行状态值。
const (
	StateStarted = "started"
	StatusOK     = "ok"
	StatusError  = "error"
)

// Frame 服务端写出的一帧 {type, data}。
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// TextData run_stdout / run_stderr 的数据。
type TextData struct {
	Text string `json:"text"`
}

// StatusData run_status 的数据。
type StatusData struct {
	State string `json:"state"`
	PID   int    `json:"pid,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
}

// EndData run_end 的数据。
type EndData struct {
	Status     string `json:"status"`
	ReturnCode int    `json:"returnCode"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

// ErrorData error 帧的数据。
type ErrorData struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// 常用帧构造。

func StdoutFrame(text string) Frame { return Frame{Type: TypeRunStdout, Data: TextData{Text: text}} }
func StderrFrame(text string) Frame { return Frame{Type: TypeRunStderr, Data: TextData{Text: text}} }

func EndFrame(rc int, elapsedMs int64) Frame {
	status := StatusOK
	if rc != 0 {
		status = StatusError
	}
	return Frame{Type: TypeRunEnd, Data: EndData{Status: status, ReturnCode: rc, ElapsedMs: elapsedMs}}
}

func ErrorFrame(message, details string) Frame {
	return Frame{Type: TypeError, Data: ErrorData{Message: message, Details: details}}
}

// StdinAckData run_stdin_ack 的数据; request_id 原样回传。
type StdinAckData struct {
	Text      string `json:"text"`
	RequestID any    `json:"request_id"`
}

// StdinErrorData run_stdin_error 的数据。
type StdinErrorData struct {
	Message any    `json:"message,omitempty"`
	Error   string `json:"error"`
}

// CompileStartData / CompileEndData 编译阶段的数据 (路径相对于根目录)。
type CompileStartData struct {
	Source string `json:"source"`
}

type CompileEndData struct {
	Py string `json:"py"`
}

func StatusFrame(state string, pid int, cwd string) Frame {
	return Frame{Type: TypeRunStatus, Data: StatusData{State: state, PID: pid, Cwd: cwd}}
}

func CompileErrorFrame(message string) Frame {
	return Frame{Type: TypeCompileError, Data: ErrorData{Message: message}}
}
