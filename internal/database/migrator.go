package database

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/blake3"

	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
)

// migrationLockKey 多个 studio 实例同时启动时串行化迁移。
const migrationLockKey int64 = 0x5741_4c44_4945_5a

// Migration 一个 SQL 迁移脚本。
type Migration struct {
	Name     string
	SQL      string
	Checksum string
}

// LoadMigrations 读取目录下的 .sql 文件 (按文件名排序); 目录不存在返回空。
func LoadMigrations(dir string) ([]Migration, error) {
	const op = "database.LoadMigrations"
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerr.Wrap(err, op, "read migrations dir")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, pkgerr.Wrapf(err, op, "read migration %s", name)
		}
		out = append(out, Migration{Name: name, SQL: string(data), Checksum: checksum(data)})
	}
	return out, nil
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// pending 返回未应用的迁移。已应用脚本的内容被改动时报错, 已记录但无校验和的旧行放行。
func pending(all []Migration, applied map[string]string) ([]Migration, error) {
	var out []Migration
	for _, m := range all {
		sum, ok := applied[m.Name]
		if !ok {
			out = append(out, m)
			continue
		}
		if sum != "" && sum != m.Checksum {
			return nil, pkgerr.Wrapf(pkgerr.ErrInvalidInput, "database.Migrate",
				"migration %s was modified after it was applied", m.Name)
		}
	}
	return out, nil
}

// Migrate 在 advisory lock 下按顺序执行未应用的迁移, 每个脚本一个事务。
// 已执行版本记录在 schema_version 表中。
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	const op = "database.Migrate"
	if pool == nil {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "pool is required")
	}
	all, err := LoadMigrations(dir)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		logger.Info("migrate: no migration files", logger.FieldPath, dir)
		return nil
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return pkgerr.Wrap(err, op, "acquire connection")
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return pkgerr.Wrap(err, op, "take migration lock")
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			logger.Warn("migrate: release lock failed", logger.FieldError, err)
		}
	}()

	if err := ensureVersionTable(ctx, conn.Conn()); err != nil {
		return err
	}
	applied, err := appliedVersions(ctx, conn.Conn())
	if err != nil {
		return err
	}
	todo, err := pending(all, applied)
	if err != nil {
		return err
	}
	if len(todo) > 0 {
		logger.Info("migrate: applying", logger.FieldCount, len(todo))
	}
	for _, m := range todo {
		if err := apply(ctx, conn.Conn(), m); err != nil {
			return err
		}
		logger.Info("migrate: applied", logger.FieldVersion, m.Name)
	}
	return nil
}

// PendingMigrations 列出尚未应用的迁移文件名。
func PendingMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) ([]string, error) {
	const op = "database.PendingMigrations"
	if pool == nil {
		return nil, pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "pool is required")
	}
	all, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, pkgerr.Wrap(err, op, "acquire connection")
	}
	defer conn.Release()
	if err := ensureVersionTable(ctx, conn.Conn()); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, conn.Conn())
	if err != nil {
		return nil, err
	}
	todo, err := pending(all, applied)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(todo))
	for _, m := range todo {
		names = append(names, m.Name)
	}
	return names, nil
}

func ensureVersionTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		return pkgerr.Wrap(err, "database.Migrate", "create schema_version")
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *pgx.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT version, checksum FROM schema_version`)
	if err != nil {
		return nil, pkgerr.Wrap(err, "database.Migrate", "query schema_version")
	}
	applied := make(map[string]string)
	var version, sum string
	_, err = pgx.ForEachRow(rows, []any{&version, &sum}, func() error {
		applied[version] = sum
		return nil
	})
	if err != nil {
		return nil, pkgerr.Wrap(err, "database.Migrate", "scan schema_version")
	}
	return applied, nil
}

func apply(ctx context.Context, conn *pgx.Conn, m Migration) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return pkgerr.Wrapf(err, "database.Migrate", "exec migration %s", m.Name)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_version (version, checksum) VALUES ($1, $2)`, m.Name, m.Checksum); err != nil {
			return pkgerr.Wrapf(err, "database.Migrate", "record migration %s", m.Name)
		}
		return nil
	})
}
