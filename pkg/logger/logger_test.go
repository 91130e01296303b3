package logger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

// captureHandler 收集日志记录, 供断言。
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.records = append(h.records, r.Clone())
	h.mu.Unlock()
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) snapshot() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]slog.Record(nil), h.records...)
}

func useCapture(t *testing.T) *captureHandler {
	t.Helper()
	h := &captureHandler{}
	orig := getLogger()
	storeLogger(slog.New(h))
	t.Cleanup(func() { storeLogger(orig) })
	return h
}

// ========================================
// defaultLogger 并发读写
// ========================================

func TestDefaultLoggerConcurrentAccess(t *testing.T) {
	Init("production", "info")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Debug("concurrent log message", "key", "value")
			_ = Get()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		Init("development", "warn")
	}()
	wg.Wait()
	Init("production", "info")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"critical", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromContext(t *testing.T) {
	l := slog.New(&captureHandler{})
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Error("FromContext should return injected logger")
	}
	if FromContext(context.Background()) != Get() {
		t.Error("FromContext without logger should return default")
	}
}

// ========================================
// StderrCollector
// ========================================

func TestStderrCollector_Levels(t *testing.T) {
	h := useCapture(t)

	c := NewStderrCollector("waldiez.convert", "task-1")
	_, _ = c.Write([]byte("compiling flow\n\nTraceback (most recent call last):\n"))
	_ = c.Close()

	recs := h.snapshot()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Level != slog.LevelInfo {
		t.Errorf("first record level = %v, want INFO", recs[0].Level)
	}
	if recs[1].Level != slog.LevelError {
		t.Errorf("traceback level = %v, want ERROR", recs[1].Level)
	}
	if got := c.Tail(); !strings.Contains(got, "Traceback") {
		t.Errorf("Tail() = %q, missing traceback", got)
	}
}

func TestStderrCollector_TailBounded(t *testing.T) {
	useCapture(t)
	c := NewStderrCollector("test", "")
	for i := 0; i < 50; i++ {
		_, _ = c.Write([]byte("line\n"))
	}
	_ = c.Close()
	if n := strings.Count(c.Tail(), "line"); n != 20 {
		t.Errorf("tail kept %d lines, want 20", n)
	}
}

func TestContainsErrorKeyword(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Error: connection refused", true},
		{"PANIC: runtime error", true},
		{"fatal: cannot open file", true},
		{"Traceback (most recent call last):", true},
		{"all systems operational", false},
		{"erroneous input", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := containsErrorKeyword(tt.line); got != tt.want {
			t.Errorf("containsErrorKeyword(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

// ========================================
// DBHandler
// ========================================

type fakeCopier struct {
	mu   sync.Mutex
	rows [][]any
	fail bool
}

func (f *fakeCopier) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	if f.fail {
		return 0, errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		if len(vals) != len(columns) || table[0] != "studio_logs" {
			return n, errors.New("column mismatch")
		}
		f.rows = append(f.rows, vals)
		n++
	}
	return n, nil
}

func TestDBHandler_FlushOnShutdown(t *testing.T) {
	db := &fakeCopier{}
	h := NewDBHandler(db, slog.LevelInfo)
	l := slog.New(h).With(FieldTaskID, "t-1")

	l.Info("run started", FieldRunID, "r-1", FieldDurationMS, 12, "extra_key", "v")
	l.Info("run finished", FieldRunID, "r-1")
	l.Debug("dropped by level")
	h.Shutdown()
	h.Shutdown() // 幂等

	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(db.rows))
	}
	row := db.rows[0]
	if row[5] != "t-1" || row[6] != "r-1" {
		t.Errorf("task/run = %v/%v", row[5], row[6])
	}
	if ms, ok := row[9].(*int); !ok || ms == nil || *ms != 12 {
		t.Errorf("duration_ms = %v", row[9])
	}
	if extra, ok := row[10].(map[string]any); !ok || extra["extra_key"] != "v" {
		t.Errorf("extra = %v", row[10])
	}
	if db.rows[1][10] != nil {
		t.Errorf("empty extra should be NULL, got %v", db.rows[1][10])
	}
}

func TestDBHandler_FailedFlushCountsDropped(t *testing.T) {
	h := NewDBHandler(&fakeCopier{fail: true}, slog.LevelInfo)
	slog.New(h).Warn("lost")
	h.Shutdown()
	if h.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", h.Dropped())
	}
}

func TestDBHandler_AfterShutdownIgnored(t *testing.T) {
	h := NewDBHandler(&fakeCopier{}, slog.LevelInfo)
	h.Shutdown()
	if err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "late", 0)); err != nil {
		t.Fatalf("Handle after shutdown: %v", err)
	}
}

func TestUnwrapBaseHandler(t *testing.T) {
	base := &captureHandler{}
	multi := NewMultiHandler(base, &captureHandler{})
	if got := unwrapBaseHandler(multi); got != slog.Handler(base) {
		t.Error("unwrapBaseHandler should return first handler of MultiHandler")
	}
	if got := unwrapBaseHandler(base); got != slog.Handler(base) {
		t.Error("non-multi handler should pass through")
	}
}

func TestMultiHandler_FanOut(t *testing.T) {
	a, b := &captureHandler{}, &captureHandler{}
	l := slog.New(NewMultiHandler(a, b))
	l.Info("hello")
	if len(a.snapshot()) != 1 || len(b.snapshot()) != 1 {
		t.Error("both handlers should receive the record")
	}
}
