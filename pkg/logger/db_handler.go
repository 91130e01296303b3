package logger

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// CopyFromer DBHandler 写库所需的最小接口 (*pgxpool.Pool 满足)。
type CopyFromer interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// LogEntry studio_logs 的一行。
type LogEntry struct {
	Ts         time.Time
	Level      string
	Message    string
	Source     string
	Component  string
	TaskID     string
	RunID      string
	SessionID  string
	EventType  string
	DurationMS *int
	Extra      map[string]any
}

// values 与 logColumns 顺序一致。
func (e LogEntry) values() []any {
	var extra any
	if len(e.Extra) > 0 {
		extra = e.Extra
	}
	return []any{e.Ts, e.Level, e.Message, e.Source, e.Component,
		e.TaskID, e.RunID, e.SessionID, e.EventType, e.DurationMS, extra}
}

var logColumns = []string{"ts", "level", "message", "source", "component",
	"task_id", "run_id", "session_id", "event_type", "duration_ms", "extra"}

// ========================================
// DBHandler — slog 记录批量 COPY 进 studio_logs
// ========================================

const (
	bufSize      = 1024
	batchSize    = 200
	flushDelay   = 500 * time.Millisecond
	flushTimeout = 5 * time.Second
)

// DBHandler 把日志放进有界缓冲, 由后台 goroutine 每批一次 COPY 写入。
// 缓冲满时丢弃新记录并计数, 记录日志的一方永不阻塞。
type DBHandler struct {
	db    CopyFromer
	buf   chan LogEntry
	attrs []slog.Attr
	level slog.Level
	// 以下在 WithAttrs 克隆间共享
	done    chan struct{}
	closed  *atomic.Bool
	dropped *atomic.Uint64
}

// NewDBHandler 创建并启动后台写入。
func NewDBHandler(db CopyFromer, lvl slog.Level) *DBHandler {
	h := &DBHandler{
		db:      db,
		buf:     make(chan LogEntry, bufSize),
		level:   lvl,
		done:    make(chan struct{}),
		closed:  &atomic.Bool{},
		dropped: &atomic.Uint64{},
	}
	go h.consumeLoop()
	return h
}

func (h *DBHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.level
}

func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	if h.closed.Load() {
		return nil
	}
	entry := LogEntry{Ts: r.Time, Level: r.Level.String(), Message: r.Message}
	for _, a := range h.attrs {
		applyAttr(&entry, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		applyAttr(&entry, a)
		return true
	})
	h.enqueue(entry)
	return nil
}

func (h *DBHandler) enqueue(entry LogEntry) {
	// Shutdown 与 Handle 竞争时通道可能已关闭
	defer func() {
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.buf <- entry:
	default:
		h.dropped.Add(1)
	}
}

func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append(make([]slog.Attr, 0, len(h.attrs)+len(attrs)), h.attrs...), attrs...)
	return &clone
}

// WithGroup 扁平表没有分组, 原样返回。
func (h *DBHandler) WithGroup(string) slog.Handler { return h }

// Dropped 因缓冲满或关闭而丢弃的记录数。
func (h *DBHandler) Dropped() uint64 { return h.dropped.Load() }

// Shutdown 停止接收并写完剩余记录。幂等。
func (h *DBHandler) Shutdown() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	close(h.buf)
	<-h.done
	if n := h.dropped.Load(); n > 0 {
		fallbackLogger().Warn("db_handler: log entries dropped", FieldCount, n)
	}
}

func (h *DBHandler) consumeLoop() {
	defer close(h.done)
	batch := make([]LogEntry, 0, batchSize)
	ticker := time.NewTicker(flushDelay)
	defer ticker.Stop()
	flush := func() {
		if len(batch) > 0 {
			h.flush(batch)
			batch = batch[:0]
		}
	}
	for {
		select {
		case entry, ok := <-h.buf:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (h *DBHandler) flush(batch []LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	rows := make([][]any, len(batch))
	for i, e := range batch {
		rows[i] = e.values()
	}
	if _, err := h.db.CopyFrom(ctx, pgx.Identifier{"studio_logs"}, logColumns, pgx.CopyFromRows(rows)); err != nil {
		h.dropped.Add(uint64(len(batch)))
		fallbackLogger().Warn("db_handler: flush failed", FieldCount, len(batch), FieldError, err)
	}
}

// fallbackLogger 只写 stderr; 走默认 logger 会递归回到本 handler。
func fallbackLogger() *slog.Logger {
	return slog.New(newHandler(false, os.Stderr))
}

// applyAttr 将 slog.Attr 映射到 LogEntry 的结构化字段。
func applyAttr(e *LogEntry, a slog.Attr) {
	switch a.Key {
	case FieldSource:
		e.Source = a.Value.String()
	case FieldComponent:
		e.Component = a.Value.String()
	case FieldTaskID:
		e.TaskID = a.Value.String()
	case FieldRunID:
		e.RunID = a.Value.String()
	case FieldSessionID:
		e.SessionID = a.Value.String()
	case FieldEventType:
		e.EventType = a.Value.String()
	case FieldDurationMS:
		var ms int
		switch v := a.Value.Any().(type) {
		case int64:
			ms = int(v)
		case int:
			ms = v
		case float64:
			ms = int(v)
		case time.Duration:
			ms = int(v.Milliseconds())
		default:
			return
		}
		e.DurationMS = &ms
	default:
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[a.Key] = a.Value.Any()
	}
}

// ========================================
// MultiHandler — 同时写多个 Handler (JSON/Text + DBHandler)
// ========================================

// MultiHandler 扇出日志到多个 slog.Handler。
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler 创建多路 Handler。
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled 只要有一个 Handler 接受该级别就返回 true。
func (m *MultiHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

// Handle 分发到所有 Handler。
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

// WithAttrs 对所有 Handler 调用 WithAttrs。
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

// WithGroup 对所有 Handler 调用 WithGroup。
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

// ========================================
// AttachDBHandler — pool ready 后动态挂载
// ========================================

var (
	dbHandler atomic.Pointer[DBHandler]
	attachMu  sync.Mutex
)

// AttachDBHandler 在 pool 初始化后调用，将 DBHandler 作为第二路 Handler 挂载。
// 调用前的日志只写 stdout; 调用后开始双写。
func AttachDBHandler(db CopyFromer) {
	attachMu.Lock()
	defer attachMu.Unlock()

	h := NewDBHandler(db, level.Level())
	if old := dbHandler.Swap(h); old != nil {
		old.Shutdown()
	}
	storeLogger(slog.New(NewMultiHandler(unwrapBaseHandler(getLogger().Handler()), h)))
}

// unwrapBaseHandler 剥离已挂载的 MultiHandler, 避免重复挂载时层层嵌套。
func unwrapBaseHandler(h slog.Handler) slog.Handler {
	if m, ok := h.(*MultiHandler); ok && len(m.handlers) > 0 {
		return m.handlers[0]
	}
	return h
}

// ShutdownDBHandler 关闭 DBHandler 并 flush 剩余日志。
func ShutdownDBHandler() {
	if h := dbHandler.Swap(nil); h != nil {
		h.Shutdown()
	}
}
