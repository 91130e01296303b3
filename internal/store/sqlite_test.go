package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

func openTestStore(t *testing.T) *SQLiteRunStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	run := &Run{ID: "r1", TaskID: "t-1", Path: "flows/demo.waldiez", FlowHash: "abc"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunRunning || got.ReturnCode != nil || got.FinishedAt != nil {
		t.Fatalf("fresh run = %+v", got)
	}
	if got.StartedAt.IsZero() {
		t.Fatal("started_at not set")
	}

	done, err := s.FinishRun(ctx, "r1", RunError, 3, 1234)
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if done.Status != RunError || done.ReturnCode == nil || *done.ReturnCode != 3 || done.ElapsedMs != 1234 {
		t.Fatalf("finished run = %+v", done)
	}
	if done.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	if err := s.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.GetRun(ctx, "r1"); !errors.Is(err, pkgerr.ErrNotFound) {
		t.Fatalf("GetRun after delete: %v", err)
	}
}

func TestSQLiteNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	checks := map[string]error{
		"get":        func() error { _, err := s.GetRun(ctx, "nope"); return err }(),
		"finish":     func() error { _, err := s.FinishRun(ctx, "nope", RunOK, 0, 0); return err }(),
		"delete":     s.DeleteRun(ctx, "nope"),
		"save":       s.SaveTranscript(ctx, "nope", []string{"x"}),
		"transcript": func() error { _, err := s.Transcript(ctx, "nope"); return err }(),
	}
	for name, err := range checks {
		if !errors.Is(err, pkgerr.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
	if err := s.CreateRun(ctx, &Run{}); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Errorf("create without id: %v", err)
	}
}

func TestSQLiteListRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	seed := []Run{
		{ID: "a", Path: "flows/one.waldiez", StartedAt: base},
		{ID: "b", Path: "flows/two.waldiez", StartedAt: base.Add(time.Minute)},
		{ID: "c", Path: "scripts/job_1.py", StartedAt: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		if err := s.CreateRun(ctx, &seed[i]); err != nil {
			t.Fatalf("CreateRun %s: %v", seed[i].ID, err)
		}
	}
	if _, err := s.FinishRun(ctx, "b", RunOK, 0, 10); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		p    ListParams
		want []string
	}{
		{"all newest first", ListParams{}, []string{"c", "b", "a"}},
		{"by status", ListParams{Status: RunOK}, []string{"b"}},
		{"by path", ListParams{Path: "flows/one.waldiez"}, []string{"a"}},
		{"keyword", ListParams{Keyword: "FLOWS/"}, []string{"b", "a"}},
		{"keyword underscore literal", ListParams{Keyword: "job_1"}, []string{"c"}},
		{"limit", ListParams{Limit: 1}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(ctx, tt.p)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("got %d runs, want %v", len(runs), tt.want)
			}
			for i, r := range runs {
				if r.ID != tt.want[i] {
					t.Errorf("run %d = %s, want %s", i, r.ID, tt.want[i])
				}
			}
		})
	}
}

func TestSQLiteTranscriptAndCascade(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.CreateRun(ctx, &Run{ID: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTranscript(ctx, "r", []string{"first"}); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	lines := []string{"one", "two", "three"}
	if err := s.SaveTranscript(ctx, "r", lines); err != nil {
		t.Fatalf("SaveTranscript overwrite: %v", err)
	}
	got, err := s.Transcript(ctx, "r")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(got) != 3 || got[2] != "three" {
		t.Fatalf("transcript = %q", got)
	}
	run, _ := s.GetRun(ctx, "r")
	if run.TranscriptSize == 0 {
		t.Fatal("transcript_size not recorded")
	}

	if err := s.DeleteRun(ctx, "r"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transcript(ctx, "r"); !errors.Is(err, pkgerr.ErrNotFound) {
		t.Fatalf("transcript should cascade: %v", err)
	}
}

func TestSQLiteMarkStale(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, id := range []string{"x", "y"} {
		if err := s.CreateRun(ctx, &Run{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.FinishRun(ctx, "y", RunOK, 0, 1); err != nil {
		t.Fatal(err)
	}
	n, err := s.MarkStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("MarkStale = %d, %v", n, err)
	}
	x, _ := s.GetRun(ctx, "x")
	if x.Status != RunError {
		t.Fatalf("stale run status = %s", x.Status)
	}
}
