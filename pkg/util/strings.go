package util

import "strings"

// SplitList 按逗号切分并去掉空白项, 空输入返回 nil。
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Truncate 截断到 max 字节并追加 marker; max<=0 不截断。
func Truncate(s string, max int, marker string) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + marker
}
