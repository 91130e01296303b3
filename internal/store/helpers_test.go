// helpers_test.go — QueryBuilder 表驱动测试。
package store

import (
	"strings"
	"testing"
	"time"
)

func TestQueryBuilder(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	tests := []struct {
		name       string
		build      func() *QueryBuilder
		wantSQL    []string
		wantParams []any
	}{
		{
			name:       "empty values skipped",
			build:      func() *QueryBuilder { return NewQueryBuilder().Eq("status", "").KeywordLike("", "path") },
			wantSQL:    []string{"SELECT * FROM runs LIMIT $1"},
			wantParams: []any{50},
		},
		{
			name:       "eq conditions numbered in order",
			build:      func() *QueryBuilder { return NewQueryBuilder().Eq("status", "ok").Eq("path", "a.py") },
			wantSQL:    []string{"WHERE status = $1 AND path = $2", "LIMIT $3"},
			wantParams: []any{"ok", "a.py", 50},
		},
		{
			name:       "postgres like escape",
			build:      func() *QueryBuilder { return NewQueryBuilder().KeywordLike("100%", "path", "status") },
			wantSQL:    []string{`LOWER(path) LIKE $1 ESCAPE E'\\'`, `LOWER(status) LIKE $2`, " OR "},
			wantParams: []any{`%100\%%`, `%100\%%`, 50},
		},
		{
			name:       "since uses utc",
			build:      func() *QueryBuilder { return NewQueryBuilder().Eq("path", "a.py").Since("started_at", since) },
			wantSQL:    []string{"path = $1 AND started_at >= $2", "LIMIT $3"},
			wantParams: []any{"a.py", since.UTC(), 50},
		},
		{
			name:       "zero since skipped",
			build:      func() *QueryBuilder { return NewQueryBuilder().Since("ts", time.Time{}) },
			wantSQL:    []string{"SELECT * FROM runs LIMIT $1"},
			wantParams: []any{50},
		},
		{
			name:       "sqlite like escape",
			build:      func() *QueryBuilder { return NewSQLiteQueryBuilder().KeywordLike("Flow_1", "path") },
			wantSQL:    []string{`LOWER(path) LIKE $1 ESCAPE '\'`},
			wantParams: []any{`%flow\_1%`, 50},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params := tt.build().Build("SELECT * FROM runs", "", 50)
			for _, want := range tt.wantSQL {
				if !strings.Contains(sql, want) {
					t.Errorf("sql %q missing %q", sql, want)
				}
			}
			if len(params) != len(tt.wantParams) {
				t.Fatalf("params = %v, want %v", params, tt.wantParams)
			}
			for i := range params {
				if params[i] != tt.wantParams[i] {
					t.Errorf("param %d = %v, want %v", i, params[i], tt.wantParams[i])
				}
			}
		})
	}
}

func TestQueryBuilderLimitClamped(t *testing.T) {
	for _, tc := range []struct{ in, want int }{{0, 1}, {-5, 1}, {9999, 2000}, {25, 25}} {
		_, params := NewQueryBuilder().Build("SELECT 1", "id DESC", tc.in)
		if params[len(params)-1] != tc.want {
			t.Errorf("limit %d → %v, want %d", tc.in, params[len(params)-1], tc.want)
		}
	}
}
