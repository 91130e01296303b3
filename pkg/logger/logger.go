// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (JSON/Text) 与级别
//   - InitWithFile() 同时输出到 stdout 和日志文件
//   - FromContext() 上下文感知日志
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	// level 可在运行期调整 (SetLevel), 所有 handler 共享。
	level = new(slog.LevelVar)

	logFile   *os.File   // 全局日志文件, Shutdown 时关闭
	logFileMu sync.Mutex // 保护 logFile 并发关闭
)

func init() { defaultLogger.Store(newLogger(false, os.Stdout)) }

// getLogger 原子读取当前默认日志器。
func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 统一时间格式 (RFC3339, 毫秒精度)。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format("2006-01-02T15:04:05.000Z07:00"))
		}
	}
	return a
}

func newHandler(development bool, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   development,
		ReplaceAttr: replaceTimeAttr,
	}
	if development {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func newLogger(development bool, w io.Writer) *slog.Logger {
	return slog.New(newHandler(development, w))
}

// ParseLevel 解析 debug/info/warn/warning/error (大小写不敏感), 未知值回落 info。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel 运行期调整日志级别。
func SetLevel(s string) { level.Set(ParseLevel(s)) }

// Init 初始化日志配置。env: "development"/"dev" 走 Text 输出到 stderr, 否则 JSON 输出到 stdout。
func Init(env, lvl string) {
	SetLevel(lvl)
	dev := env == "development" || env == "dev"
	if dev {
		storeLogger(newLogger(true, os.Stderr))
		return
	}
	storeLogger(newLogger(false, os.Stdout))
}

// InitWithFile 初始化日志, 同时输出到 stdout 和日志文件。
//
// 日志文件: {logDir}/studio-{date}.log (JSON 格式)。
// 调用者应在退出前调用 ShutdownFileHandler() 关闭文件。
func InitWithFile(logDir, lvl string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "create log dir")
	}
	SetLevel(lvl)

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logDir, fmt.Sprintf("studio-%s.log", date))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "open log file")
	}
	logFileMu.Lock()
	logFile = f
	logFileMu.Unlock()

	storeLogger(newLogger(false, io.MultiWriter(os.Stdout, f)))
	slog.Info("log file opened", FieldPath, logPath)
	return nil
}

// ShutdownFileHandler 关闭日志文件 (并发安全)。
func ShutdownFileHandler() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Infof/Errorf/Warnf/Debugf 记录格式化日志。
func Infof(format string, args ...any)  { getLogger().Info(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { getLogger().Error(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { getLogger().Warn(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { getLogger().Debug(fmt.Sprintf(format, args...)) }

// Fatal 记录致命错误并退出。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	os.Exit(1)
}

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get 返回底层 slog.Logger。
func Get() *slog.Logger { return getLogger() }

// 字段常量 — 使用常量键名，勿硬编码。
const (
	FieldComponent  = "component"
	FieldSource     = "source"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldState      = "state"
	FieldCount      = "count"
	FieldPath       = "path"
	FieldMethod     = "method"
	FieldAddr       = "addr"
	FieldRemote     = "remote"
	FieldOrigin     = "origin"
	FieldURL        = "url"
	FieldMax        = "max"
	FieldBytes      = "bytes"
	FieldLen        = "len"
	FieldID         = "id"
	FieldCwd        = "cwd"
	FieldRoot       = "root"
	FieldPID        = "pid"
	FieldExitCode   = "exit_code"
	FieldLatencyMS  = "latency_ms"
	FieldDurationMS = "duration_ms"
	FieldTaskID     = "task_id"
	FieldRunID      = "run_id"
	FieldSessionID  = "session_id"
	FieldRequestID  = "request_id"
	FieldMode       = "mode"
	FieldOp         = "op"
	FieldFrameType  = "frame_type"
	FieldEventType  = "event_type"
	FieldCommand    = "command"
	FieldVersion    = "version"
	FieldConn       = "conn"
	FieldHost       = "host"
)
