// helpers.go — 两种后端共享的查询工具。
//
//   - QueryBuilder: 列表过滤 (等值 / 时间下限 / LIKE 关键词) + LIMIT
//   - collectRows:  pgx 行按 db tag 扫描为结构体
//   - DistinctMap:  日志筛选器的去重列值
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/waldiez/studio/pkg/util"
)

// maxListLimit 单次列表查询的行数上限。
const maxListLimit = 2000

// BaseStore PostgreSQL store 的嵌入基底。
type BaseStore struct{ pool *pgxpool.Pool }

// NewBaseStore 创建 BaseStore。
func NewBaseStore(pool *pgxpool.Pool) BaseStore { return BaseStore{pool: pool} }

// ========================================
// QueryBuilder
// ========================================

// Dialect 只影响 LIKE 的转义写法; 两种后端都接受 $N 占位符。
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// QueryBuilder 拼接 WHERE 条件; 空条件值被跳过, 便于直接传入 query 参数。
type QueryBuilder struct {
	dialect Dialect
	where   []string
	params  []any
}

// NewQueryBuilder PostgreSQL 构造器。
func NewQueryBuilder() *QueryBuilder { return &QueryBuilder{dialect: Postgres} }

// NewSQLiteQueryBuilder SQLite 构造器。
func NewSQLiteQueryBuilder() *QueryBuilder { return &QueryBuilder{dialect: SQLite} }

// arg 登记参数并返回其占位符。
func (q *QueryBuilder) arg(v any) string {
	q.params = append(q.params, v)
	return fmt.Sprintf("$%d", len(q.params))
}

// Eq col = val。
func (q *QueryBuilder) Eq(col, val string) *QueryBuilder {
	if val != "" {
		q.where = append(q.where, col+" = "+q.arg(val))
	}
	return q
}

// Since col >= t。零值跳过。
func (q *QueryBuilder) Since(col string, t time.Time) *QueryBuilder {
	if !t.IsZero() {
		q.where = append(q.where, col+" >= "+q.arg(t.UTC()))
	}
	return q
}

// KeywordLike 任一列包含关键词 (大小写不敏感)。
func (q *QueryBuilder) KeywordLike(keyword string, cols ...string) *QueryBuilder {
	if keyword == "" || len(cols) == 0 {
		return q
	}
	escape := `ESCAPE E'\\'`
	if q.dialect == SQLite {
		escape = `ESCAPE '\'`
	}
	pattern := "%" + util.EscapeLike(strings.ToLower(keyword)) + "%"
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("LOWER(%s) LIKE %s %s", c, q.arg(pattern), escape)
	}
	q.where = append(q.where, "("+strings.Join(parts, " OR ")+")")
	return q
}

// WhereClause " WHERE …", 无条件时为空。
func (q *QueryBuilder) WhereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// Build base + WHERE + ORDER BY + LIMIT (limit 裁剪到 [1, maxListLimit])。
func (q *QueryBuilder) Build(base, orderBy string, limit int) (string, []any) {
	sql := base + q.WhereClause()
	if orderBy != "" {
		sql += " ORDER BY " + orderBy
	}
	sql += " LIMIT " + q.arg(util.ClampInt(limit, 1, maxListLimit))
	return sql, q.params
}

// ========================================
// 行扫描
// ========================================

func collectRows[T any](rows pgx.Rows) ([]T, error) {
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

// collectOne 无结果返回 nil, nil。
func collectOne[T any](rows pgx.Rows) (*T, error) {
	item, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[T])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// ========================================
// 筛选器
// ========================================

// DistinctMap 各列的非空去重值 (升序)。
func DistinctMap(ctx context.Context, pool *pgxpool.Pool, table string, columns ...string) (map[string][]string, error) {
	safeTable := pgx.Identifier{table}.Sanitize()
	out := make(map[string][]string, len(columns))
	for _, col := range columns {
		safeCol := pgx.Identifier{col}.Sanitize()
		rows, err := pool.Query(ctx, fmt.Sprintf(
			"SELECT DISTINCT %s FROM %s WHERE %s <> '' ORDER BY 1", safeCol, safeTable, safeCol))
		if err != nil {
			return nil, err
		}
		values, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, err
		}
		if values == nil {
			values = []string{}
		}
		out[col] = values
	}
	return out, nil
}
