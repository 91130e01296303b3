package store

import (
	"errors"
	"strings"
	"testing"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

func TestTranscriptRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
	}{
		{"plain", []string{"hello", "world"}},
		{"unicode", []string{"你好", "🙂 done"}},
		{"blank lines kept", []string{"a", "", "b"}},
		{"long line", []string{strings.Repeat("x", 4096)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTranscript(EncodeTranscript(tt.lines))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.lines, "|") || len(got) != len(tt.lines) {
				t.Fatalf("got %q, want %q", got, tt.lines)
			}
		})
	}
}

func TestTranscriptCompresses(t *testing.T) {
	lines := make([]string, 500)
	for i := range lines {
		lines[i] = "[assistant] thinking about the next step"
	}
	blob := EncodeTranscript(lines)
	if raw := len(strings.Join(lines, "\n")); len(blob) >= raw/4 {
		t.Fatalf("compressed %d bytes from %d, expected better ratio", len(blob), raw)
	}
}

func TestDecodeTranscriptEdges(t *testing.T) {
	got, err := DecodeTranscript(nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("nil blob: %v, %v", got, err)
	}
	if _, err := DecodeTranscript([]byte("not zstd")); err == nil {
		t.Fatal("expected error for corrupt blob")
	} else if errors.Is(err, pkgerr.ErrNotFound) {
		t.Fatalf("corrupt blob should not be ErrNotFound: %v", err)
	}
}
