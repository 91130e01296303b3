package runner

import (
	"sync"
	"time"
)

// Stream 控制台行的来源。
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system" // 客户端自身产生的提示 (编译、状态、错误)
)

// Line 控制台一行。Seq 单调递增, 丢弃旧行后也不回退。
type Line struct {
	Seq    uint64    `json:"seq"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// LineLog 只追加的有界控制台日志, 保留最近 maxLines 行。
type LineLog struct {
	mu    sync.Mutex
	lines []Line
	limit int
	seq   uint64
}

// DefaultMaxLines 默认保留行数。
const DefaultMaxLines = 2000

// NewLineLog 创建容量为 maxLines 的日志 (<=0 使用默认值)。
func NewLineLog(maxLines int) *LineLog {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &LineLog{
		lines: make([]Line, 0, min(maxLines, 256)),
		limit: maxLines,
	}
}

// Append 追加一行, 超出容量则丢弃最旧的行 (copy 左移复用底层数组)。
func (l *LineLog) Append(stream Stream, text string) Line {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	line := Line{Seq: l.seq, Stream: stream, Text: text, At: time.Now()}
	if len(l.lines) >= l.limit {
		n := copy(l.lines, l.lines[len(l.lines)-l.limit+1:])
		l.lines = l.lines[:n]
	}
	l.lines = append(l.lines, line)
	return line
}

// Lines 返回全部保留行的副本。
func (l *LineLog) Lines() []Line {
	return l.Since(0)
}

// Since 返回 Seq > seq 的保留行 (副本)。
func (l *LineLog) Since(seq uint64) []Line {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := len(l.lines)
	for i, line := range l.lines {
		if line.Seq > seq {
			start = i
			break
		}
	}
	out := make([]Line, len(l.lines)-start)
	copy(out, l.lines[start:])
	return out
}

// Len 当前保留行数。
func (l *LineLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// LastSeq 最近一行的序号 (空日志为 0)。
func (l *LineLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Reset 清空保留行; 序号继续增长。
func (l *LineLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = l.lines[:0]
}
