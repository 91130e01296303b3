// Package util 通用工具: SQL LIKE 转义、范围裁剪、按 struct tag 从环境变量加载配置。
package util

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/waldiez/studio/pkg/logger"
)

// EscapeLike 转义 SQL LIKE 模式中的 %, _ 和 \。
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ClampInt 将 v 限制在 [lo, hi]。
func ClampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// ParseBool 宽松布尔解析: 1/true/yes/on 与 0/false/no/off (大小写不敏感), 其余返回 def。
func ParseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

var durationType = reflect.TypeOf(time.Duration(0))

// LoadFromEnv 按字段 tag 填充 *struct:
//
//	env:"NAME"      环境变量名 (无此 tag 的字段跳过)
//	default:"v"     未设置或无法解析时使用
//	min:"n"         数值下限
//
// 支持 string, bool, int, float64, time.Duration 与 []string (逗号分隔)。
// 无法解析的取值记一条警告并回退到默认值。
func LoadFromEnv(ptr any) {
	rv := reflect.ValueOf(ptr)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		logger.Error("util.LoadFromEnv: expected a non-nil pointer to struct")
		return
	}
	v := rv.Elem()
	for _, field := range reflect.VisibleFields(v.Type()) {
		name := field.Tag.Get("env")
		if name == "" || !field.IsExported() || len(field.Index) != 1 {
			continue
		}
		def := field.Tag.Get("default")
		raw, set := os.LookupEnv(name)
		raw = strings.TrimSpace(raw)
		if !set || raw == "" {
			raw = def
		}
		if err := setField(v.Field(field.Index[0]), raw, def, field.Tag.Get("min")); err != nil {
			logger.Warn("config: invalid value, using default",
				"env", name, "value", raw, "default", def, logger.FieldError, err)
		}
	}
}

// setField 写入解析结果; raw 无法解析时写入 def 并返回解析错误。
func setField(fv reflect.Value, raw, def, minRaw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			d, _ = time.ParseDuration(def)
		}
		if lo, perr := time.ParseDuration(minRaw); perr == nil && d < lo {
			d = lo
		}
		fv.SetInt(int64(d))
		return err
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		fv.SetBool(ParseBool(raw, ParseBool(def, false)))
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			n, _ = strconv.Atoi(def)
		}
		if lo, perr := strconv.Atoi(minRaw); perr == nil && n < lo {
			n = lo
		}
		fv.SetInt(int64(n))
		return err
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			f, _ = strconv.ParseFloat(def, 64)
		}
		if lo, perr := strconv.ParseFloat(minRaw, 64); perr == nil && f < lo {
			f = lo
		}
		fv.SetFloat(f)
		return err
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.String {
			fv.Set(reflect.ValueOf(SplitList(raw)))
		}
	}
	return nil
}
