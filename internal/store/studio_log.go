// studio_log.go — studio_logs 查询与清理 (写入由 logger.DBHandler 负责)。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// LogStore 结构化日志存储 (仅 PostgreSQL)。
type LogStore struct{ BaseStore }

// NewLogStore 创建日志存储。
func NewLogStore(pool *pgxpool.Pool) *LogStore {
	return &LogStore{NewBaseStore(pool)}
}

const studioLogCols = `id, ts, level, message, source, component, task_id, run_id,
	session_id, event_type, duration_ms, extra`

// List 按过滤条件查询, 时间倒序。
func (s *LogStore) List(ctx context.Context, p LogListParams) ([]StudioLog, error) {
	q := NewQueryBuilder().
		Eq("level", p.Level).
		Eq("source", p.Source).
		Eq("component", p.Component).
		Eq("task_id", p.TaskID).
		Eq("run_id", p.RunID).
		Since("ts", p.Since).
		KeywordLike(p.Keyword, "message", "source", "component")
	sql, params := q.Build("SELECT "+studioLogCols+" FROM studio_logs", "ts DESC, id DESC", limitOrDefault(p.Limit))
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, pkgerr.Wrap(err, "LogStore.List", "query studio_logs")
	}
	return collectRows[StudioLog](rows)
}

// FilterValues 返回各筛选列的去重值。
func (s *LogStore) FilterValues(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, "studio_logs", "level", "source", "component", "event_type")
}

// Cleanup 删除超过 retentionDays 天的日志, 返回删除行数。
func (s *LogStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM studio_logs WHERE ts < NOW() - ($1 || ' days')::INTERVAL`,
		retentionDays)
	if err != nil {
		return 0, pkgerr.Wrap(err, "LogStore.Cleanup", "delete studio_logs")
	}
	return int(tag.RowsAffected()), nil
}
