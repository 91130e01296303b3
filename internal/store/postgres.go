// postgres.go — RunStore 的 PostgreSQL 实现 (表结构见 migrations/)。
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// PGRunStore 运行历史 (PostgreSQL)。
type PGRunStore struct{ BaseStore }

var _ RunStore = (*PGRunStore)(nil)

// NewPGRunStore 创建 PostgreSQL 运行存储。连接池由调用方关闭。
func NewPGRunStore(pool *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{NewBaseStore(pool)}
}

const runCols = `id, task_id, path, status, return_code, elapsed_ms, flow_hash,
	started_at, finished_at, transcript_size`

// CreateRun 插入一条 running 记录。
func (s *PGRunStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "PGRunStore.CreateRun", "run id required")
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, task_id, path, status, flow_hash, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.TaskID, run.Path, run.Status, run.FlowHash, run.StartedAt)
	if err != nil {
		return pkgerr.Wrapf(err, "PGRunStore.CreateRun", "insert run %s", run.ID)
	}
	return nil
}

// FinishRun 写入结束状态并返回更新后的记录。
func (s *PGRunStore) FinishRun(ctx context.Context, id, status string, returnCode int, elapsedMs int64) (*Run, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE runs SET status = $2, return_code = $3, elapsed_ms = $4, finished_at = NOW()
		 WHERE id = $1 RETURNING `+runCols,
		id, status, returnCode, elapsedMs)
	if err != nil {
		return nil, pkgerr.Wrapf(err, "PGRunStore.FinishRun", "update run %s", id)
	}
	run, err := collectOne[Run](rows)
	if err != nil {
		return nil, pkgerr.Wrapf(err, "PGRunStore.FinishRun", "scan run %s", id)
	}
	if run == nil {
		return nil, pkgerr.Wrapf(pkgerr.ErrNotFound, "PGRunStore.FinishRun", "run %s", id)
	}
	return run, nil
}

// GetRun 按 ID 查询。
func (s *PGRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runCols+` FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, pkgerr.Wrapf(err, "PGRunStore.GetRun", "query run %s", id)
	}
	run, err := collectOne[Run](rows)
	if err != nil {
		return nil, pkgerr.Wrapf(err, "PGRunStore.GetRun", "scan run %s", id)
	}
	if run == nil {
		return nil, pkgerr.Wrapf(pkgerr.ErrNotFound, "PGRunStore.GetRun", "run %s", id)
	}
	return run, nil
}

// ListRuns 按开始时间倒序列出。
func (s *PGRunStore) ListRuns(ctx context.Context, p ListParams) ([]Run, error) {
	q := NewQueryBuilder().
		Eq("path", p.Path).
		Eq("task_id", p.TaskID).
		Eq("status", p.Status).
		Since("started_at", p.Since).
		KeywordLike(p.Keyword, "path")
	sql, params := q.Build("SELECT "+runCols+" FROM runs", "started_at DESC, id DESC", limitOrDefault(p.Limit))
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, pkgerr.Wrap(err, "PGRunStore.ListRuns", "query runs")
	}
	return collectRows[Run](rows)
}

// DeleteRun 删除记录 (控制台记录随外键级联删除)。
func (s *PGRunStore) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return pkgerr.Wrapf(err, "PGRunStore.DeleteRun", "delete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return pkgerr.Wrapf(pkgerr.ErrNotFound, "PGRunStore.DeleteRun", "run %s", id)
	}
	return nil
}

// MarkStale 把遗留的 running 标为 error。
func (s *PGRunStore) MarkStale(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, finished_at = NOW() WHERE status = $2`, RunError, RunRunning)
	if err != nil {
		return 0, pkgerr.Wrap(err, "PGRunStore.MarkStale", "update runs")
	}
	return tag.RowsAffected(), nil
}

// SaveTranscript 写入 (覆盖) 压缩控制台记录。
func (s *PGRunStore) SaveTranscript(ctx context.Context, id string, lines []string) error {
	blob := EncodeTranscript(lines)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pkgerr.Wrap(err, "PGRunStore.SaveTranscript", "begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	tag, err := tx.Exec(ctx, `UPDATE runs SET transcript_size = $2 WHERE id = $1`, id, len(blob))
	if err != nil {
		return pkgerr.Wrapf(err, "PGRunStore.SaveTranscript", "update run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return pkgerr.Wrapf(pkgerr.ErrNotFound, "PGRunStore.SaveTranscript", "run %s", id)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO run_transcripts (run_id, lines, data) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO UPDATE SET lines = EXCLUDED.lines, data = EXCLUDED.data`,
		id, len(lines), blob); err != nil {
		return pkgerr.Wrapf(err, "PGRunStore.SaveTranscript", "upsert transcript %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return pkgerr.Wrap(err, "PGRunStore.SaveTranscript", "commit")
	}
	return nil
}

// Transcript 读取并解压控制台记录。
func (s *PGRunStore) Transcript(ctx context.Context, id string) ([]string, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM run_transcripts WHERE run_id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pkgerr.Wrapf(pkgerr.ErrNotFound, "PGRunStore.Transcript", "transcript %s", id)
	}
	if err != nil {
		return nil, pkgerr.Wrapf(err, "PGRunStore.Transcript", "query transcript %s", id)
	}
	return DecodeTranscript(blob)
}

// Close 连接池由 database 包管理, 此处无操作。
func (s *PGRunStore) Close() error { return nil }

func limitOrDefault(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}
