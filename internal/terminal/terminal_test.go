package terminal

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

func TestSafeWorkdir(t *testing.T) {
	root := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if err := os.MkdirAll(filepath.Join(root, "proj", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "file.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr error
	}{
		{"empty is root", "", root, nil},
		{"nested dir", "proj/sub", filepath.Join(root, "proj", "sub"), nil},
		{"missing falls back", "nope", root, nil},
		{"file falls back", "file.txt", root, nil},
		{"escape rejected", "../..", "", pkgerr.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeWorkdir(root, tt.rel)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveShell(t *testing.T) {
	t.Setenv("SHELL", "/usr/local/bin/evil")
	got := ResolveShell("/opt/not-allowed")
	if !slices.Contains(AllowedShells, got) {
		t.Errorf("ResolveShell = %q, not in allowed list", got)
	}
	if _, err := os.Stat("/bin/sh"); err == nil {
		if got := ResolveShell("/bin/sh"); got != "/bin/sh" {
			t.Errorf("preferred allowed shell ignored: %q", got)
		}
	}
}

func TestClampSizeAndLoginArgs(t *testing.T) {
	if r, c := clampSize(0, -1); r != DefaultRows || c != DefaultCols {
		t.Errorf("clampSize(0,-1) = %d,%d", r, c)
	}
	if r, c := clampSize(50, 200); r != 50 || c != 200 {
		t.Errorf("clampSize(50,200) = %d,%d", r, c)
	}
	if args := loginArgs("/bin/sh"); len(args) != 0 {
		t.Errorf("sh args = %v", args)
	}
	if args := loginArgs("/bin/bash"); len(args) != 1 || args[0] != "-l" {
		t.Errorf("bash args = %v", args)
	}
}
