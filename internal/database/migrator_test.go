package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadMigrations(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"002_studio_logs.sql": "CREATE TABLE b ();",
		"001_runs.sql":        "CREATE TABLE a ();",
		"README.txt":          "not sql",
	})
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(got) != 2 || got[0].Name != "001_runs.sql" || got[1].Name != "002_studio_logs.sql" {
		t.Fatalf("got %+v", got)
	}
	if got[0].SQL != "CREATE TABLE a ();" || got[0].Checksum == "" || got[0].Checksum == got[1].Checksum {
		t.Fatalf("migration contents = %+v", got[0])
	}

	missing, err := LoadMigrations(filepath.Join(dir, "absent"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing dir: %v, %v", missing, err)
	}
}

func TestPending(t *testing.T) {
	all := []Migration{
		{Name: "001.sql", Checksum: checksum([]byte("a"))},
		{Name: "002.sql", Checksum: checksum([]byte("b"))},
		{Name: "003.sql", Checksum: checksum([]byte("c"))},
	}
	tests := []struct {
		name    string
		applied map[string]string
		want    []string
		wantErr bool
	}{
		{"fresh database", map[string]string{}, []string{"001.sql", "002.sql", "003.sql"}, false},
		{"partially applied", map[string]string{"001.sql": all[0].Checksum}, []string{"002.sql", "003.sql"}, false},
		{"legacy row without checksum", map[string]string{"001.sql": "", "002.sql": ""}, []string{"003.sql"}, false},
		{"edited after apply", map[string]string{"001.sql": checksum([]byte("changed"))}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pending(all, tt.applied)
			if tt.wantErr {
				if !errors.Is(err, pkgerr.ErrInvalidInput) {
					t.Fatalf("err = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("pending = %+v, want %v", got, tt.want)
			}
			for i, m := range got {
				if m.Name != tt.want[i] {
					t.Fatalf("pending[%d] = %s, want %s", i, m.Name, tt.want[i])
				}
			}
		})
	}
}

func TestMigrate_NilPool(t *testing.T) {
	if err := Migrate(context.Background(), nil, t.TempDir()); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("Migrate(nil) = %v", err)
	}
	if _, err := PendingMigrations(context.Background(), nil, t.TempDir()); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("PendingMigrations(nil) = %v", err)
	}
}

func TestRepoMigrationsLoad(t *testing.T) {
	got, err := LoadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) < 2 {
		t.Fatalf("repo migrations = %d", len(got))
	}
}
