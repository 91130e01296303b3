// Package reconcile 将局部补丁 (patch) 深度合并进状态树 (base)。
//
// 规则按 key 递归求值:
//  1. patch 值为 Delete 时删除该 key
//  2. 对象对对象递归; 未触及的 base 子树按引用保留
//  3. 配置为 append/prepend 的数组按身份键去重拼接, 先出现者保留
//  4. 其他数组整体替换
//  5. 标量 (含 nil) 以及 Set(v) 包装的值整体替换
//  6. 超过最大深度返回 ErrDepthExceeded
//  7. 空补丁或与自身合并返回原 base (引用不变)
package reconcile

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// Tree 状态树 / 补丁树。
type Tree = map[string]any

type deleteMarker struct{}

// Delete 删除哨兵: 作为 patch 值时从结果中移除该 key。
var Delete any = &deleteMarker{}

// IsDelete 判断 v 是否为删除哨兵。
func IsDelete(v any) bool {
	_, ok := v.(*deleteMarker)
	return ok
}

type setMarker struct{ v any }

// Set 包装一个整体替换的值: 对象不再递归合并, 直接取 v。
func Set(v any) any { return &setMarker{v: v} }

// Strategy 数组合并策略。
type Strategy int

const (
	Replace Strategy = iota
	Append
	Prepend
)

func (s Strategy) String() string {
	switch s {
	case Append:
		return "append"
	case Prepend:
		return "prepend"
	default:
		return "replace"
	}
}

// KeyFunc 返回数组元素的身份键。
type KeyFunc func(item any) string

// ArrayRule 某个路径上的数组合并规则。
type ArrayRule struct {
	Strategy Strategy
	Key      KeyFunc // nil 时使用 DefaultKey
}

// DefaultMaxDepth 默认递归深度上限。
const DefaultMaxDepth = 64

// Config 合并配置。Arrays 的 key 是从根开始的点分路径, 如 "chat.messages"。
type Config struct {
	Arrays   map[string]ArrayRule
	MaxDepth int
}

// Merge 返回 base 与 patch 合并后的新树。输入都不会被修改。
func Merge(base, patch Tree, cfg Config) (Tree, error) {
	if base == nil || patch == nil {
		return nil, pkgerr.Wrap(pkgerr.ErrNilTree, "Reconcile.Merge", "base and patch are required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if len(patch) == 0 || sameMap(base, patch) {
		return base, nil
	}
	m := merger{cfg: cfg}
	return m.mergeMap(base, patch, "", 1)
}

type merger struct {
	cfg Config
}

func (m *merger) mergeMap(base, patch Tree, path string, depth int) (Tree, error) {
	if depth > m.cfg.MaxDepth {
		return nil, pkgerr.Wrapf(pkgerr.ErrDepthExceeded, "Reconcile.Merge", "path %q depth %d > %d", path, depth, m.cfg.MaxDepth)
	}
	if sameMap(base, patch) {
		return base, nil
	}

	var out Tree // 写时复制: 第一次变化时才拷贝 base
	ensure := func() {
		if out == nil {
			out = make(Tree, len(base)+len(patch))
			for k, v := range base {
				out[k] = v
			}
		}
	}

	for key, pv := range patch {
		child := joinPath(path, key)
		bv, exists := base[key]

		if IsDelete(pv) {
			if exists {
				ensure()
				delete(out, key)
			}
			continue
		}

		merged, err := m.mergeValue(bv, exists, pv, child, depth)
		if err != nil {
			return nil, err
		}
		if exists && same(bv, merged) {
			continue
		}
		ensure()
		out[key] = merged
	}

	if out == nil {
		return base, nil
	}
	return out, nil
}

func (m *merger) mergeValue(bv any, exists bool, pv any, path string, depth int) (any, error) {
	switch p := pv.(type) {
	case *setMarker:
		if exists && reflect.DeepEqual(bv, p.v) {
			return bv, nil
		}
		return p.v, nil

	case map[string]any:
		if b, ok := bv.(map[string]any); ok && exists {
			return m.mergeMap(b, p, path, depth+1)
		}
		// base 不是对象: 新对象也要做深度检查并剥离嵌套的 Delete
		return m.mergeMap(Tree{}, p, path, depth+1)

	case []any:
		rule, configured := m.cfg.Arrays[path]
		if !configured || rule.Strategy == Replace {
			if b, ok := bv.([]any); ok && exists && reflect.DeepEqual(b, p) {
				return bv, nil
			}
			return p, nil
		}
		b, _ := bv.([]any)
		return mergeArray(b, p, rule), nil

	default:
		if exists && scalarEqual(bv, pv) {
			return bv, nil
		}
		return pv, nil
	}
}

// mergeArray 按策略拼接并去重 (先出现者保留)。无新增元素时返回 base 本身。
func mergeArray(base, patch []any, rule ArrayRule) []any {
	keyOf := rule.Key
	if keyOf == nil {
		keyOf = DefaultKey
	}
	first, second := base, patch
	if rule.Strategy == Prepend {
		first, second = patch, base
	}

	seen := make(map[string]struct{}, len(base)+len(patch))
	out := make([]any, 0, len(base)+len(patch))
	for _, list := range [][]any{first, second} {
		for _, item := range list {
			k := keyOf(item)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, item)
		}
	}
	if len(out) == len(base) && base != nil && sameSliceItems(out, base) {
		return base
	}
	return out
}

// DefaultKey 身份键: id → uuid → timestamp → content.uuid → 组合键。
// 组合键由 type/sender/recipient/content 的规范 JSON 构成, 两条内容完全相同的消息会被视为重复。
func DefaultKey(item any) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return "v:" + canonical(item)
	}
	for _, field := range []string{"id", "uuid", "timestamp"} {
		if v, ok := obj[field]; ok && v != nil && v != "" {
			return field + ":" + fmt.Sprint(v)
		}
	}
	if content, ok := obj["content"].(map[string]any); ok {
		if v, ok := content["uuid"]; ok && v != nil && v != "" {
			return "content.uuid:" + fmt.Sprint(v)
		}
	}
	parts := make([]string, 0, 4)
	for _, field := range []string{"type", "sender", "recipient", "content"} {
		parts = append(parts, canonical(obj[field]))
	}
	return "c:" + strings.Join(parts, "|")
}

// canonical 规范 JSON (map key 有序), 失败时退回 %v。
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// Identical 报告两棵树是否为同一引用 (Merge 的无变化结果)。
func Identical(a, b Tree) bool { return sameMap(a, b) }

// sameMap 判断两个 map 是否为同一引用。
func sameMap(a, b Tree) bool {
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

// same 引用相等 (map/slice) 或标量相等。
func same(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && sameMap(av, bv)
	case []any:
		bv, ok := b.([]any)
		return ok && sameSlice(av, bv)
	}
	return scalarEqual(a, b)
}

func sameSlice(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return (a == nil) == (b == nil)
	}
	return &a[0] == &b[0]
}

func sameSliceItems(a, b []any) bool {
	for i := range a {
		if !same(a[i], b[i]) {
			return false
		}
	}
	return true
}

// scalarEqual 标量比较; 不可比较的类型 (map/slice) 视为不等。
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
