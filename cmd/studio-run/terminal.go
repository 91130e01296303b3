// terminal.go — --terminal 模式: 把本地终端接到服务端 shell。
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/transport"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

// detachKey Ctrl-] 结束会话并退出。
const detachKey = 0x1d

func runTerminal(o options, cwd string, st styles) int {
	url, err := transport.TerminalURL(o.server, cwd)
	if err != nil {
		fmt.Fprintln(os.Stderr, st.failure.Render(err.Error()))
		return 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ended := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(ended) }) }
	var (
		errMu   sync.Mutex
		lastErr string
	)
	setErr := func(msg string) {
		errMu.Lock()
		lastErr = msg
		errMu.Unlock()
	}

	ctl := transport.New(ctx, transport.Options{
		URL:     url,
		Surface: protocol.SurfaceTerminal,
		Dialer:  transport.WSDialer{HandshakeTimeout: o.dialTimeout},
		NoStart: true,
	}, transport.HandlerFuncs{
		Event: func(ev protocol.Event) {
			switch e := ev.(type) {
			case protocol.TerminalData:
				_, _ = io.WriteString(os.Stdout, e.Data)
			case protocol.ErrorEvent:
				setErr(e.Message)
			case protocol.Disconnected:
				if e.Err != nil {
					setErr(e.Err.Error())
				}
			}
			if protocol.IsTerminal(ev) {
				finish()
			}
		},
	})
	defer ctl.Close()

	inFd, outFd := int(os.Stdin.Fd()), int(os.Stdout.Fd())
	resize := func() {
		if cols, rows, err := term.GetSize(outFd); err == nil {
			_ = ctl.Resize(rows, cols)
		}
	}
	if term.IsTerminal(inFd) {
		state, err := term.MakeRaw(inFd)
		if err != nil {
			logger.Warn("studio-run: raw mode unavailable", logger.FieldError, err)
		} else {
			defer func() { _ = term.Restore(inFd, state) }()
		}
	}
	if term.IsTerminal(outFd) {
		resize()
		stop := watchResize(resize)
		defer stop()
	}
	fmt.Fprint(os.Stderr, st.system.Render("connected, press Ctrl-] to detach")+"\r\n")

	util.SafeGo(func() {
		if detached := pumpStdin(os.Stdin, ctl.Stdin); detached {
			_ = ctl.Terminate()
			finish()
			return
		}
		// 本地输入结束: 让服务端关闭 shell, 等待 session_end
		_ = ctl.Terminate()
	})

	<-ended
	errMu.Lock()
	msg := lastErr
	errMu.Unlock()
	if msg != "" {
		fmt.Fprint(os.Stderr, "\r\n"+st.failure.Render(msg)+"\r\n")
		return 1
	}
	return 0
}

// pumpStdin 转发本地输入直到 EOF 或遇到 detachKey; 遇到 detachKey 时返回 true。
func pumpStdin(r io.Reader, send func(string) error) bool {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					_ = send(string(chunk[:i]))
				}
				return true
			}
			if serr := send(string(chunk)); serr != nil {
				return false
			}
		}
		if err != nil {
			return false
		}
	}
}
