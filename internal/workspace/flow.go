package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
)

// Flow 一个流程文件的内容与摘要。
type Flow struct {
	Path     string         `json:"path"` // 相对 root
	Contents map[string]any `json:"contents"`
	Hash     string         `json:"hash"`
}

// PathItem 保存结果 (与文件浏览器的条目格式一致)。
type PathItem struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// ParseFlow 解析流程内容, 允许注释与尾逗号; 顶层必须是对象。
func ParseFlow(data []byte) (map[string]any, error) {
	const op = "Workspace.ParseFlow"
	var out map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &out); err != nil {
		return nil, pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "invalid flow: %v", err)
	}
	if out == nil {
		return nil, pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "flow must be a JSON object")
	}
	return out, nil
}

// ReadFlow 读取 root 内的 .waldiez 文件。
func ReadFlow(root, path string) (*Flow, error) {
	p, err := Check(root, path, FlowRules)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, pkgerr.Wrap(pkgerr.ErrInternal, "Workspace.ReadFlow", "could not read the flow contents")
	}
	contents, err := ParseFlow(data)
	if err != nil {
		return nil, err
	}
	return &Flow{Path: Rel(root, p), Contents: contents, Hash: ContentHash(data)}, nil
}

// SaveFlow 校验后写入 .waldiez 文件, 返回条目与内容摘要。
// 文件必须已存在 (新建流程属于文件浏览器的职责)。contents 为字符串或对象。
func SaveFlow(root, path string, contents any) (*PathItem, string, error) {
	const op = "Workspace.SaveFlow"
	p, err := Check(root, path, FlowRules)
	if err != nil {
		return nil, "", err
	}
	var data []byte
	switch v := contents.(type) {
	case string:
		data = []byte(v)
	case nil:
		return nil, "", pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "contents are required")
	default:
		if data, err = json.Marshal(v); err != nil {
			return nil, "", pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "encode contents: %v", err)
		}
	}
	if _, err := ParseFlow(data); err != nil {
		return nil, "", err
	}
	if err := writeFileAtomic(p, data); err != nil {
		logger.Error("workspace: write flow failed", logger.FieldPath, p, logger.FieldError, err)
		return nil, "", pkgerr.Wrap(pkgerr.ErrInternal, op, "could not save the flow")
	}
	return &PathItem{Name: filepath.Base(p), Path: Rel(root, p), Type: "file"}, ContentHash(data), nil
}

// writeFileAtomic 写临时文件后 rename, 避免运行中读到半个文件。
func writeFileAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if info, err := os.Stat(p); err == nil {
		_ = os.Chmod(name, info.Mode().Perm())
	}
	return os.Rename(name, p)
}
