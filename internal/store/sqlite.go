// sqlite.go — RunStore 的 SQLite 实现 (单机默认后端, 内联建表)。
package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
)

// SQLiteRunStore 运行历史 (SQLite)。
type SQLiteRunStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteRunStore)(nil)

// OpenSQLite 打开 (或创建) dbPath 处的数据库并建表。
func OpenSQLite(dbPath string) (*SQLiteRunStore, error) {
	const op = "store.OpenSQLite"
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerr.Wrapf(err, op, "create dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, pkgerr.Wrap(err, op, "open sqlite")
	}
	s := &SQLiteRunStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, pkgerr.Wrap(err, op, "migrate")
	}
	logger.Info("store: sqlite opened", logger.FieldPath, dbPath)
	return s, nil
}

// Close 关闭数据库。
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRunStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		return_code INTEGER,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		flow_hash TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		finished_at TIMESTAMP,
		transcript_size INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_path ON runs(path);

	CREATE TABLE IF NOT EXISTS run_transcripts (
		run_id TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
		lines INTEGER NOT NULL DEFAULT 0,
		data BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const sqliteRunCols = `id, task_id, path, status, return_code, elapsed_ms, flow_hash,
	started_at, finished_at, transcript_size`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	if err := row.Scan(&r.ID, &r.TaskID, &r.Path, &r.Status, &r.ReturnCode, &r.ElapsedMs,
		&r.FlowHash, &r.StartedAt, &r.FinishedAt, &r.TranscriptSize); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun 插入一条 running 记录。
func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "SQLiteRunStore.CreateRun", "run id required")
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, task_id, path, status, flow_hash, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.Path, run.Status, run.FlowHash, run.StartedAt.UTC())
	if err != nil {
		return pkgerr.Wrapf(err, "SQLiteRunStore.CreateRun", "insert run %s", run.ID)
	}
	return nil
}

// FinishRun 写入结束状态并返回更新后的记录。
func (s *SQLiteRunStore) FinishRun(ctx context.Context, id, status string, returnCode int, elapsedMs int64) (*Run, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, return_code = ?, elapsed_ms = ?, finished_at = ? WHERE id = ?`,
		status, returnCode, elapsedMs, time.Now().UTC(), id)
	if err != nil {
		return nil, pkgerr.Wrapf(err, "SQLiteRunStore.FinishRun", "update run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, pkgerr.Wrapf(pkgerr.ErrNotFound, "SQLiteRunStore.FinishRun", "run %s", id)
	}
	return s.GetRun(ctx, id)
}

// GetRun 按 ID 查询。
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunCols+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerr.Wrapf(pkgerr.ErrNotFound, "SQLiteRunStore.GetRun", "run %s", id)
	}
	if err != nil {
		return nil, pkgerr.Wrapf(err, "SQLiteRunStore.GetRun", "scan run %s", id)
	}
	return run, nil
}

// ListRuns 按开始时间倒序列出。
func (s *SQLiteRunStore) ListRuns(ctx context.Context, p ListParams) ([]Run, error) {
	q := NewSQLiteQueryBuilder().
		Eq("path", p.Path).
		Eq("task_id", p.TaskID).
		Eq("status", p.Status).
		Since("started_at", p.Since).
		KeywordLike(p.Keyword, "path")
	query, params := q.Build("SELECT "+sqliteRunCols+" FROM runs", "started_at DESC, id DESC", limitOrDefault(p.Limit))
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, pkgerr.Wrap(err, "SQLiteRunStore.ListRuns", "query runs")
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, pkgerr.Wrap(err, "SQLiteRunStore.ListRuns", "scan run")
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeleteRun 删除记录及其控制台记录。
func (s *SQLiteRunStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return pkgerr.Wrapf(err, "SQLiteRunStore.DeleteRun", "delete run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerr.Wrapf(pkgerr.ErrNotFound, "SQLiteRunStore.DeleteRun", "run %s", id)
	}
	return nil
}

// MarkStale 把遗留的 running 标为 error。
func (s *SQLiteRunStore) MarkStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE status = ?`,
		RunError, time.Now().UTC(), RunRunning)
	if err != nil {
		return 0, pkgerr.Wrap(err, "SQLiteRunStore.MarkStale", "update runs")
	}
	return res.RowsAffected()
}

// SaveTranscript 写入 (覆盖) 压缩控制台记录。
func (s *SQLiteRunStore) SaveTranscript(ctx context.Context, id string, lines []string) error {
	const op = "SQLiteRunStore.SaveTranscript"
	blob := EncodeTranscript(lines)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerr.Wrap(err, op, "begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE runs SET transcript_size = ? WHERE id = ?`, len(blob), id)
	if err != nil {
		return pkgerr.Wrapf(err, op, "update run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerr.Wrapf(pkgerr.ErrNotFound, op, "run %s", id)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_transcripts (run_id, lines, data) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET lines = excluded.lines, data = excluded.data`,
		id, len(lines), blob); err != nil {
		return pkgerr.Wrapf(err, op, "upsert transcript %s", id)
	}
	if err := tx.Commit(); err != nil {
		return pkgerr.Wrap(err, op, "commit")
	}
	return nil
}

// Transcript 读取并解压控制台记录。
func (s *SQLiteRunStore) Transcript(ctx context.Context, id string) ([]string, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM run_transcripts WHERE run_id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerr.Wrapf(pkgerr.ErrNotFound, "SQLiteRunStore.Transcript", "transcript %s", id)
	}
	if err != nil {
		return nil, pkgerr.Wrapf(err, "SQLiteRunStore.Transcript", "query transcript %s", id)
	}
	return DecodeTranscript(blob)
}
