// Package protocol 定义运行通道两端共享的消息格式。
//
// 出站 (客户端 → 服务端): Envelope {op, …fields}
// 入站 (服务端 → 客户端): Frame {type, data}, 客户端解码为封闭的 Event 集合。
package protocol

import (
	"encoding/json"
	"strconv"
)

// ========================================
// 出站操作
// ========================================

const (
	OpStart          = "start"
	OpStdin          = "stdin"
	OpStdinEOF       = "stdin_eof"
	OpResize         = "resize"
	OpInterrupt      = "interrupt"
	OpStop           = "stop" // interrupt 的别名: 取消当前轮次, 不关闭通道
	OpTerminate      = "terminate"
	OpKill           = "kill"
	OpShutdown       = "shutdown"
	OpWaldiezRespond = "waldiez_respond"
	OpWaldiezControl = "waldiez_control"
)

// StartOptions start 操作携带的参数。
type StartOptions struct {
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Cwd    string            `json:"cwd,omitempty"`
	Module string            `json:"module,omitempty"`
	Venv   string            `json:"venv,omitempty"`
}

// Fields 转为 envelope 字段。
func (o StartOptions) Fields() map[string]any {
	f := map[string]any{}
	if len(o.Args) > 0 {
		f["args"] = o.Args
	}
	if len(o.Env) > 0 {
		f["env"] = o.Env
	}
	if o.Cwd != "" {
		f["cwd"] = o.Cwd
	}
	if o.Module != "" {
		f["module"] = o.Module
	}
	if o.Venv != "" {
		f["venv"] = o.Venv
	}
	return f
}

// Envelope 出站消息: op + 任意字段, 序列化为扁平对象 {"op":…, …}。
type Envelope struct {
	Op     string
	Fields map[string]any
}

// NewEnvelope 创建 envelope; fields 可为 nil。
func NewEnvelope(op string, fields map[string]any) Envelope {
	return Envelope{Op: op, Fields: fields}
}

// MarshalJSON 实现 json.Marshaler。字段里的 "op" 会被 Op 覆盖。
func (e Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["op"] = e.Op
	return json.Marshal(m)
}

// UnmarshalJSON 实现 json.Unmarshaler (服务端解析客户端消息)。
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	e.Op, _ = m["op"].(string)
	delete(m, "op")
	e.Fields = m
	return nil
}

// String 读取字符串字段, 缺失或类型不符返回空串。
func (e Envelope) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Int 读取数值字段 (JSON 数字或数字字符串), 无效或 <=0 返回 def。
func (e Envelope) Int(key string, def int) int {
	switch v := e.Fields[key].(type) {
	case float64:
		if int(v) > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Payload 读取 payload 对象字段; 缺失返回 nil。
func (e Envelope) Payload() map[string]any {
	p, _ := e.Fields["payload"].(map[string]any)
	return p
}

// Start 解析 start 操作的参数。非字符串 args 被忽略。
func (e Envelope) Start() StartOptions {
	var o StartOptions
	if raw, ok := e.Fields["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				o.Args = append(o.Args, s)
			}
		}
	} else if ss, ok := e.Fields["args"].([]string); ok {
		o.Args = append(o.Args, ss...)
	}
	switch env := e.Fields["env"].(type) {
	case map[string]any:
		o.Env = make(map[string]string, len(env))
		for k, v := range env {
			if s, ok := v.(string); ok {
				o.Env[k] = s
			}
		}
	case map[string]string:
		o.Env = env
	}
	o.Cwd = e.String("cwd")
	o.Module = e.String("module")
	o.Venv = e.String("venv")
	return o
}
