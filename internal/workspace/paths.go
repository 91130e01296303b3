// Package workspace 工作区根目录内的路径校验、任务 id 与流程文件读写。
package workspace

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// invalidChars 路径中不允许出现的字符。
const invalidChars = `<>:"|?*`

// Sanitize 把客户端传来的相对路径解析为 root 内的绝对路径。
// 先做 URL 反转义, 拒绝非法字符, 去掉首尾 '/', 解析符号链接后不得逃出 root。
// 空路径或 "/" 返回 root 本身。路径不存在时不报错 (由 Check 决定)。
func Sanitize(root, path string) (string, error) {
	const op = "Workspace.Sanitize"
	root, err := filepath.Abs(root)
	if err != nil {
		return "", pkgerr.Wrap(pkgerr.ErrInternal, op, err.Error())
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if path == "" || path == "/" {
		return root, nil
	}
	unquoted, err := url.PathUnescape(path)
	if err != nil {
		return "", pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "invalid path")
	}
	if strings.TrimSpace(unquoted) == "" || unquoted == "/" {
		return root, nil
	}
	if strings.ContainsAny(unquoted, invalidChars) || strings.ContainsRune(unquoted, 0) {
		return "", pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "invalid path")
	}
	joined := filepath.Join(root, filepath.FromSlash(strings.Trim(unquoted, "/")))
	resolved := resolveExisting(joined)
	if !Within(root, resolved) {
		return "", pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "path is outside root directory")
	}
	return resolved, nil
}

// resolveExisting 解析路径中已存在部分的符号链接, 不存在的尾部原样拼回。
func resolveExisting(p string) string {
	rest := ""
	cur := p
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			if rest == "" {
				return resolved
			}
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// Within 报告 p 是否位于 root 之内 (含 root 本身)。
func Within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Rel 返回 p 相对 root 的 '/' 分隔路径。
func Rel(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// Rules Check 的约束。
type Rules struct {
	MustExist    bool
	MustNotExist bool
	MustBeFile   bool
	MustBeDir    bool
	// Extensions 非空时后缀必须是其中之一 (含点, 如 ".waldiez")。
	Extensions []string
}

// FlowRules 流程文件: 必须存在, 是文件, 后缀为 .waldiez。
var FlowRules = Rules{MustExist: true, MustBeFile: true, Extensions: []string{".waldiez"}}

// RunnableRules 可运行文件: .py 或 .waldiez。
var RunnableRules = Rules{MustExist: true, MustBeFile: true, Extensions: []string{".py", ".waldiez"}}

// Check 校验并解析路径。不存在返回 ErrNotFound, 其余违规返回 ErrInvalidInput。
func Check(root, path string, rules Rules) (string, error) {
	const op = "Workspace.Check"
	thing := "path"
	if rules.MustBeFile {
		thing = "file"
	} else if rules.MustBeDir {
		thing = "directory"
	}
	p, err := Sanitize(root, path)
	if err != nil {
		return "", err
	}
	info, statErr := os.Stat(p)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return "", pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "%s not accessible", thing)
	}
	if rules.MustExist && !exists {
		return "", pkgerr.Wrapf(pkgerr.ErrNotFound, op, "%s not found", thing)
	}
	if rules.MustNotExist && exists {
		return "", pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "%s already exists", thing)
	}
	if exists && rules.MustBeDir && !info.IsDir() {
		return "", pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "not a directory")
	}
	if exists && rules.MustBeFile && !info.Mode().IsRegular() {
		return "", pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "not a file")
	}
	if len(rules.Extensions) > 0 && !hasExtension(p, rules.Extensions) {
		return "", pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "invalid file type %q", filepath.Ext(p))
	}
	return p, nil
}

func hasExtension(p string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// taskDomainKey BLAKE3 keyed hash 的域分隔 key (32 字节, ASCII 补零)。
var taskDomainKey = [32]byte{
	'w', 'a', 'l', 'd', 'i', 'e', 'z', '.', 's', 't', 'u', 'd', 'i', 'o', '.', 't',
	'a', 's', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var contentDomainKey = [32]byte{
	'w', 'a', 'l', 'd', 'i', 'e', 'z', '.', 's', 't', 'u', 'd', 'i', 'o', '.', 'c',
	'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// TaskID 由文件相对 root 的路径得到稳定 id (16 个十六进制字符)。
func TaskID(root, p string) string {
	sum := keyedHash(taskDomainKey, []byte(Rel(root, p)))
	return hex.EncodeToString(sum[:8])
}

// ContentHash 内容摘要 (完整 32 字节十六进制)。
func ContentHash(data []byte) string {
	sum := keyedHash(contentDomainKey, data)
	return hex.EncodeToString(sum[:])
}

func keyedHash(key [32]byte, data []byte) [32]byte {
	// 只有 key 长度错误时才会失败, 固定长度数组不会触发
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("workspace: blake3 keyed hash init: " + err.Error())
	}
	_, _ = h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
