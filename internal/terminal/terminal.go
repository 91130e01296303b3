// Package terminal 工作区内的交互式 shell 会话 (伪终端)。
package terminal

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/waldiez/studio/internal/workspace"
)

// AllowedShells 可用的 shell; $SHELL 不在其中时回退到 /bin/bash。
var AllowedShells = []string{"/bin/bash", "/bin/zsh", "/bin/sh", "/usr/bin/fish"}

// 默认窗口大小。
const (
	DefaultRows = 24
	DefaultCols = 80
)

// ResolveShell 选择 shell: preferred → $SHELL → /bin/bash → /bin/sh。
func ResolveShell(preferred string) string {
	for _, candidate := range []string{preferred, os.Getenv("SHELL")} {
		if candidate != "" && slices.Contains(AllowedShells, candidate) && exists(candidate) {
			return candidate
		}
	}
	if exists("/bin/bash") {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// SafeWorkdir 把相对目录解析到 root 内; 逃出 root 报 ErrInvalidInput,
// 不存在或不是目录时回退到 root。
func SafeWorkdir(root, rel string) (string, error) {
	dir, err := workspace.Sanitize(root, rel)
	if err != nil {
		return "", err
	}
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		return workspace.Sanitize(root, "")
	}
	return dir, nil
}

// loginArgs 为 shell 选择登录参数。
func loginArgs(shell string) []string {
	if filepath.Base(shell) == "sh" {
		return nil
	}
	return []string{"-l"}
}

func exists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func clampSize(rows, cols int) (uint16, uint16) {
	if rows <= 0 || rows > 0xffff {
		rows = DefaultRows
	}
	if cols <= 0 || cols > 0xffff {
		cols = DefaultCols
	}
	return uint16(rows), uint16(cols)
}
