// Package store 运行历史持久化: 运行记录、压缩控制台记录、studio_logs 查询。
//
// Go struct 的 db tag 直接对应列名 (PostgreSQL 通过 pgx.RowToStructByName 扫描)。
package store

import (
	"context"
	"time"
)

// 运行状态。run_end 的 ok / error 原样沿用。
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunError   = "error"
)

// ========================================
// 运行记录 — 表 runs
// ========================================

// Run 一次运行通道会话。
type Run struct {
	ID             string     `db:"id" json:"id"`
	TaskID         string     `db:"task_id" json:"taskId"`
	Path           string     `db:"path" json:"path"`
	Status         string     `db:"status" json:"status"`
	ReturnCode     *int       `db:"return_code" json:"returnCode"`
	ElapsedMs      int64      `db:"elapsed_ms" json:"elapsedMs"`
	FlowHash       string     `db:"flow_hash" json:"flowHash"`
	StartedAt      time.Time  `db:"started_at" json:"startedAt"`
	FinishedAt     *time.Time `db:"finished_at" json:"finishedAt"`
	TranscriptSize int64      `db:"transcript_size" json:"transcriptSize"`
}

// ListParams 运行列表过滤条件。
type ListParams struct {
	Path    string
	TaskID  string
	Status  string
	Keyword string    // 匹配 path
	Since   time.Time // 开始时间下限
	Limit   int
}

// ========================================
// 日志 — 表 studio_logs (由 logger.DBHandler 写入)
// ========================================

// StudioLog 一条结构化日志。
type StudioLog struct {
	ID         int64     `db:"id" json:"id"`
	Ts         time.Time `db:"ts" json:"ts"`
	Level      string    `db:"level" json:"level"`
	Message    string    `db:"message" json:"message"`
	Source     string    `db:"source" json:"source"`
	Component  string    `db:"component" json:"component"`
	TaskID     string    `db:"task_id" json:"taskId"`
	RunID      string    `db:"run_id" json:"runId"`
	SessionID  string    `db:"session_id" json:"sessionId"`
	EventType  string    `db:"event_type" json:"eventType"`
	DurationMS *int      `db:"duration_ms" json:"durationMs"`
	Extra      any       `db:"extra" json:"extra"`
}

// LogListParams 日志过滤条件。
type LogListParams struct {
	Level     string
	Source    string
	Component string
	TaskID    string
	RunID     string
	Keyword   string
	Since     time.Time
	Limit     int
}

// ========================================
// 接口
// ========================================

// RunStore 运行历史存储。GetRun / Transcript 找不到时返回 pkg/errors.ErrNotFound。
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id, status string, returnCode int, elapsedMs int64) (*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, p ListParams) ([]Run, error)
	DeleteRun(ctx context.Context, id string) error
	// MarkStale 把遗留的 running 记录标为 error (进程重启后调用)。
	MarkStale(ctx context.Context) (int64, error)
	SaveTranscript(ctx context.Context, id string, lines []string) error
	Transcript(ctx context.Context, id string) ([]string, error)
	Close() error
}
