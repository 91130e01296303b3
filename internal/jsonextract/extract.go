// Package jsonextract 从进程 stdout 文本中提取 JSON 对象。
//
// 输入可能包含零个、一个或多个结构化消息: 按行分隔、无分隔地拼接, 或夹在普通文本中间。
// 无法解析的片段静默丢弃, 因为 stdout 本身就会混杂非协议文本。
package jsonextract

import (
	"encoding/json"
	"strings"
)

// Extract 按出现顺序返回 text 中所有能解析为 JSON 对象的值。
//
// 每行先整体解析; 失败则做括号平衡扫描, 每个深度回到 0 的片段单独解析。
// 若对象的 "data" 字段是一个内嵌 JSON 对象的字符串, 则向下多解析一层。
// 纯函数, 调用间不保留状态。
func Extract(text string) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		if v, ok := parse(line); ok {
			if obj, isObj := v.(map[string]any); isObj {
				out = append(out, unwrapData(obj))
			}
			// 整行是合法 JSON 但不是对象 (数组/标量): 不再扫描
			continue
		}
		out = scanLine(line, out)
	}
	return out
}

// scanLine 单遍括号平衡扫描, 追加到 out。
// 只有深度回到 0 的片段才是候选; 行尾仍未闭合的对象整体丢弃, 其内部嵌套的对象也不单独产出。
func scanLine(line string, out []map[string]any) []map[string]any {
	var (
		depth  int
		start  = -1
		quote  byte
		escape bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			// 正文里的撇号不影响扫描
			if depth > 0 {
				quote = c
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				if obj, ok := parseObject(line[start : i+1]); ok {
					out = append(out, unwrapData(obj))
				}
				start = -1
			}
		}
	}
	return out
}

// unwrapData 若 data 字段是 JSON 对象字符串, 解析一层 (不递归)。
func unwrapData(obj map[string]any) map[string]any {
	s, ok := obj["data"].(string)
	if !ok {
		return obj
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return obj
	}
	if inner, ok := parseObject(trimmed); ok {
		obj["data"] = inner
	}
	return obj
}

func parse(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func parseObject(s string) (map[string]any, bool) {
	v, ok := parse(s)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}
