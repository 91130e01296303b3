package util

import (
	"io"
	"sync"
)

// LimitedWriter 最多向 w 写入 limit 字节, 之后的数据计入 Dropped 并丢弃。
// 丢弃时 Write 仍返回 len(p), 调用方不会把截断当成写失败。可被多个 goroutine 同时写入。
type LimitedWriter struct {
	mu      sync.Mutex
	w       io.Writer
	limit   int
	written int
	dropped int
}

// NewLimitedWriter 创建 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: max(limit, 0)}
}

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	keep := min(len(p), lw.limit-lw.written)
	lw.dropped += len(p) - keep
	if keep == 0 {
		return len(p), nil
	}
	n, err := lw.w.Write(p[:keep])
	lw.written += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// WriteString 追加文本。
func (lw *LimitedWriter) WriteString(s string) (int, error) {
	return lw.Write([]byte(s))
}

// Overflow 是否已写满。
func (lw *LimitedWriter) Overflow() bool {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.written >= lw.limit
}

// Written 实际写入的字节数。
func (lw *LimitedWriter) Written() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.written
}

// Dropped 丢弃的字节数。
func (lw *LimitedWriter) Dropped() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.dropped
}
