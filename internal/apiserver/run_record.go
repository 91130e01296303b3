// run_record.go — 运行记录: 观察帧流, 生成控制台记录并写入 RunStore。
package apiserver

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/store"
	"github.com/waldiez/studio/internal/workspace"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

const storeTimeout = 5 * time.Second

// runRecord 一次运行的观察者。observe 可被引擎 goroutine 并发调用。
type runRecord struct {
	id     string
	taskID string
	path   string // 相对 root
	runs   store.RunStore

	buf        bytes.Buffer
	transcript *util.LimitedWriter

	mu      sync.Mutex
	started time.Time
	end     *protocol.EndData
	ended   chan struct{}
	endOnce sync.Once
}

func newRunRecord(s *Server, file string) *runRecord {
	r := &runRecord{
		id:     uuid.NewString(),
		taskID: workspace.TaskID(s.root, file),
		path:   workspace.Rel(s.root, file),
		runs:   s.runs,
		ended:  make(chan struct{}),
	}
	r.transcript = util.NewLimitedWriter(&r.buf, s.cfg.TranscriptMaxBytes)
	return r
}

// begin 在 start 被接受时调用: 写入 running 记录。
func (r *runRecord) begin(flowHash string) {
	r.mu.Lock()
	r.started = time.Now().UTC()
	r.mu.Unlock()
	if r.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	run := &store.Run{ID: r.id, TaskID: r.taskID, Path: r.path, FlowHash: flowHash, StartedAt: r.started}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		logger.Warn("apiserver: record run start failed", logger.FieldRunID, r.id, logger.FieldError, err)
	}
}

// observe 收集控制台文本; run_end 时标记结束。
func (r *runRecord) observe(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeRunStdout, protocol.TypeRunStderr:
		if d, ok := f.Data.(protocol.TextData); ok {
			r.appendLine(d.Text)
		}
	case protocol.TypeCompileError:
		if d, ok := f.Data.(protocol.ErrorData); ok {
			r.appendLine(d.Message)
		}
	case protocol.TypeRunEnd:
		if d, ok := f.Data.(protocol.EndData); ok {
			r.mu.Lock()
			r.end = &d
			r.mu.Unlock()
		}
		r.endOnce.Do(func() { close(r.ended) })
	}
}

func (r *runRecord) appendLine(text string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	r.mu.Lock()
	_, _ = r.transcript.WriteString(text)
	r.mu.Unlock()
}

// lines 返回记录的控制台行。
func (r *runRecord) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := strings.TrimSuffix(r.buf.String(), "\n")
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

// result 返回结束状态; 没有 run_end (断线或启动失败) 时视为 error。
func (r *runRecord) result() protocol.EndData {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.end != nil {
		return *r.end
	}
	elapsed := int64(0)
	if !r.started.IsZero() {
		elapsed = time.Since(r.started).Milliseconds()
	}
	return protocol.EndData{Status: protocol.StatusError, ReturnCode: -1, ElapsedMs: elapsed}
}

// finish 写入结束状态与控制台记录, 返回最终记录 (无存储时返回 nil)。
func (r *runRecord) finish() *store.Run {
	if r.runs == nil {
		return nil
	}
	res := r.result()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.runs.SaveTranscript(ctx, r.id, r.lines()); err != nil {
		logger.Warn("apiserver: save transcript failed", logger.FieldRunID, r.id, logger.FieldError, err)
	}
	if dropped := r.transcript.Dropped(); dropped > 0 {
		logger.Info("apiserver: transcript truncated", logger.FieldRunID, r.id, logger.FieldBytes, dropped)
	}
	run, err := r.runs.FinishRun(ctx, r.id, res.Status, res.ReturnCode, res.ElapsedMs)
	if err != nil {
		logger.Warn("apiserver: record run end failed", logger.FieldRunID, r.id, logger.FieldError, err)
		return nil
	}
	return run
}

// flowHash 运行开始时文件内容的摘要 (读取失败返回空串)。
func flowHash(file string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	return workspace.ContentHash(data)
}
