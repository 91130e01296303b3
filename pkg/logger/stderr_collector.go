package logger

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
)

// StderrCollector 将子进程 (flow 编译器 / gather) 的 stderr 逐行转为 slog 日志。
//
// 实现 io.Writer 接口，可直接赋给 exec.Cmd.Stderr。
// 同时保留最后若干行, 供失败时拼接用户可读的错误消息。
type StderrCollector struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	source string
	taskID string
	keep   int
	tail   []string
	done   chan struct{}
}

// NewStderrCollector 创建 StderrCollector。source 标识子进程, taskID 关联日志行。
func NewStderrCollector(source, taskID string) *StderrCollector {
	pr, pw := io.Pipe()
	c := &StderrCollector{
		pr:     pr,
		pw:     pw,
		source: source,
		taskID: taskID,
		keep:   20,
		done:   make(chan struct{}),
	}
	go c.scan()
	return c
}

// Write 实现 io.Writer — exec.Cmd.Stderr 直接写入。
func (c *StderrCollector) Write(p []byte) (int, error) {
	return c.pw.Write(p)
}

// Close 关闭 writer 端，等待 scanner 完成。
func (c *StderrCollector) Close() error {
	_ = c.pw.Close()
	<-c.done
	return nil
}

// Tail 返回最后保留的 stderr 行 (需在 Close 之后调用)。
func (c *StderrCollector) Tail() string {
	return strings.Join(c.tail, "\n")
}

func (c *StderrCollector) scan() {
	defer close(c.done)
	defer func() { _ = c.pr.Close() }()

	scanner := bufio.NewScanner(c.pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.tail = append(c.tail, line)
		if len(c.tail) > c.keep {
			c.tail = c.tail[len(c.tail)-c.keep:]
		}

		// 简单启发式: 含 error/panic/fatal/traceback 视为 ERROR 级别
		lvl := slog.LevelInfo
		if containsErrorKeyword(line) {
			lvl = slog.LevelError
		}
		getLogger().Log(context.Background(), lvl, line,
			FieldSource, c.source,
			FieldComponent, "stderr",
			FieldTaskID, c.taskID,
		)
	}

	if err := scanner.Err(); err != nil {
		getLogger().Log(context.Background(), slog.LevelError, "stderr collector scan failed",
			FieldSource, c.source,
			FieldComponent, "stderr",
			FieldTaskID, c.taskID,
			FieldError, err.Error(),
		)
	}
}

// containsErrorKeyword 判断 stderr 行中是否包含错误关键词 (大小写不敏感)。
func containsErrorKeyword(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") ||
		strings.Contains(lower, "panic") ||
		strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "traceback")
}
