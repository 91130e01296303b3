// errors_test.go — 验证 AppError / Wrap / Wrapf / CodeOf 的行为契约。
package errors

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// TestWrapUnwrap 验证 Wrap 保留原始错误链，errors.Is 和 errors.As 正常工作。
func TestWrapUnwrap(t *testing.T) {
	wrapped := Wrap(ErrNotFound, "Workspace.Check", "flow not found")

	if !errors.Is(wrapped, ErrNotFound) {
		t.Errorf("errors.Is(wrapped, ErrNotFound) = false, want true")
	}
	if errors.Is(wrapped, ErrTimeout) {
		t.Errorf("errors.Is(wrapped, ErrTimeout) = true, want false")
	}

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatalf("errors.As failed to extract *AppError")
	}
	if appErr.Op != "Workspace.Check" {
		t.Errorf("Op = %q, want %q", appErr.Op, "Workspace.Check")
	}
}

// TestWrapErrorString 验证 Error() 输出包含 op、message 和 cause。
func TestWrapErrorString(t *testing.T) {
	wrapped := Wrap(io.ErrUnexpectedEOF, "Transport.read", "read failed")

	s := wrapped.Error()
	for _, want := range []string{"Transport.read", "read failed", "unexpected EOF"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}
}

// TestWrapfFormat 验证 Wrapf 格式化消息。
func TestWrapfFormat(t *testing.T) {
	wrapped := Wrapf(ErrDepthExceeded, "Reconcile.Merge", "depth %d > %d", 65, 64)

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As failed")
	}
	if appErr.Message != "depth 65 > 64" {
		t.Errorf("Message = %q", appErr.Message)
	}
	if !errors.Is(wrapped, ErrDepthExceeded) {
		t.Error("sentinel lost")
	}
}

// TestNewWithoutCause 验证 New 创建无 cause 的错误。
func TestNewWithoutCause(t *testing.T) {
	err := New("Init", "failed to start")
	if errors.Unwrap(err) != nil {
		t.Errorf("Unwrap = %v, want nil", errors.Unwrap(err))
	}
	if got := err.Error(); got != "Init: failed to start" {
		t.Errorf("Error() = %q", got)
	}
}

// TestCodeOf 验证 Code 沿链查找。
func TestCodeOf(t *testing.T) {
	inner := WithCode(ErrInvalidInput, "Workspace.Sanitize", "VALIDATION", "bad path")
	outer := Wrap(inner, "Session.Start", "start failed")

	if got := CodeOf(outer); got != "VALIDATION" {
		t.Errorf("CodeOf = %q, want VALIDATION", got)
	}
	if got := CodeOf(io.EOF); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}
