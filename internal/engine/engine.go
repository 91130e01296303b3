// Package engine 服务端运行引擎: 按文件类型启动子进程, 把输出转为运行帧。
//
// 每个运行通道连接持有一个 Engine:
//
//	Start (首条 start 消息) → HandleClient (后续 op) → Shutdown (断开)
//
// 引擎只通过 Emitter 写出帧, 不接触 WebSocket。
package engine

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/waldiez/studio/internal/protocol"
	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// Engine 一次运行的生命周期。
type Engine interface {
	Start(ctx context.Context, opts protocol.StartOptions) error
	HandleClient(ctx context.Context, env protocol.Envelope) error
	// Shutdown 结束运行; run_end 保证只发送一次。
	Shutdown(ctx context.Context) error
}

// Emitter 帧出口。实现必须可并发调用。
type Emitter interface {
	Emit(f protocol.Frame)
}

// EmitterFunc 函数适配器。
type EmitterFunc func(protocol.Frame)

func (f EmitterFunc) Emit(fr protocol.Frame) { f(fr) }

// ========================================
// 选项
// ========================================

// 默认值, 与配置项 WALDIEZ_STUDIO_* 对应。
const (
	DefaultPython        = "python3"
	DefaultMaxLineBytes  = 64 * 1024
	DefaultQueueSize     = 10000
	DefaultShutdownGrace = 5 * time.Second
	DefaultTermGrace     = 3 * time.Second

	truncatedMarker = "...[truncated]\n"
)

// Options 引擎参数。零值字段使用默认值。
type Options struct {
	Python        string        // 解释器; venv 下存在 bin/python 时被替换
	MaxLineBytes  int           // 单行上限, 超出截断
	QueueSize     int           // 输出队列容量, 满时丢弃最旧
	ShutdownGrace time.Duration // Shutdown 等待自然退出的时间
	TermGrace     time.Duration // SIGTERM 后等待的时间, 之后 SIGKILL
	TaskID        string        // 日志关联
}

func (o Options) withDefaults() Options {
	if o.Python == "" {
		o.Python = DefaultPython
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.TermGrace <= 0 {
		o.TermGrace = DefaultTermGrace
	}
	return o
}

// ========================================
// 工厂
// ========================================

// SupportedExts 可运行的扩展名。
var SupportedExts = []string{".py", ".waldiez"}

// New 按扩展名创建引擎: .py → Subprocess, .waldiez → Waldiez。
// 其他扩展名 (包括 .ipynb) 返回 ErrUnsupported。
func New(file, root string, emit Emitter, opts Options) (Engine, error) {
	switch ext := strings.ToLower(filepath.Ext(file)); ext {
	case ".py":
		return NewSubprocess(file, root, emit, opts), nil
	case ".waldiez":
		return NewWaldiez(file, root, emit, opts), nil
	default:
		return nil, pkgerr.WithCode(pkgerr.ErrUnsupported, "engine.New", "UNSUPPORTED_EXTENSION", "unsupported extension: "+ext)
	}
}
