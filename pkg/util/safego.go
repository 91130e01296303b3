// safego.go — 安全 goroutine 启动器与 panic 隔离调用。
package util

import (
	"fmt"
	"runtime/debug"

	"github.com/waldiez/studio/pkg/logger"
)

// SafeGo 在新 goroutine 中安全执行 fn，捕获 panic 并记录日志 + 堆栈。
func SafeGo(fn func()) {
	go func() {
		_ = SafeCall("goroutine", fn)
	}()
}

// SafeCall 同步执行 fn, 捕获 panic 并转为 error 返回 (nil 表示正常结束)。
// component 写入日志, 便于定位是哪个监听器/回调出错。
func SafeCall(component string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("recovered panic",
				logger.FieldComponent, component,
				logger.FieldError, r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
	return nil
}
