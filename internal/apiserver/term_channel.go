// term_channel.go — 终端通道 GET /ws/terminal?cwd=。
//
// 出站帧: {"type":"data","data":…} 与恰好一次的 {"type":"session_end"}。
// 入站操作: stdin{data} / resize{rows,cols} / interrupt / terminate|kill。
package apiserver

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/terminal"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

const termReadSize = 4096

func (s *Server) handleTerminalChannel(c *gin.Context) {
	workdir, wdErr := terminal.SafeWorkdir(s.root, c.Query("cwd"))

	entry, ok := s.accept(c.Writer, c.Request, "term")
	if !ok {
		return
	}
	defer s.release(entry)

	if wdErr != nil {
		logger.Warn("apiserver: terminal rejected", logger.FieldCwd, c.Query("cwd"), logger.FieldError, wdErr)
		entry.finish(websocket.ClosePolicyViolation, "Invalid cwd")
		return
	}
	rows, _ := strconv.Atoi(c.Query("rows"))
	cols, _ := strconv.Atoi(c.Query("cols"))
	sess, err := terminal.Start(workdir, terminal.ResolveShell(s.cfg.Shell), rows, cols)
	if err != nil {
		logger.Warn("apiserver: terminal start failed", logger.FieldError, err)
		entry.sendJSON(protocol.ErrorFrame("Terminal unavailable", err.Error()))
		entry.sendJSON(protocol.Frame{Type: protocol.TypeSessionEnd})
		entry.finish(websocket.CloseInternalServerErr, "Terminal unavailable")
		return
	}
	defer sess.Close()

	var endOnce sync.Once
	notifyEnd := func() {
		endOnce.Do(func() { entry.sendJSON(protocol.Frame{Type: protocol.TypeSessionEnd}) })
	}

	// PTY → WS
	util.SafeGo(func() {
		pumpTerminal(sess, func(text string) { entry.sendJSON(protocol.Frame{Type: protocol.TypeData, Data: text}) })
		notifyEnd()
		entry.finish(websocket.CloseNormalClosure, "")
	})

	// WS → PTY
	for {
		_, raw, err := entry.ws.ReadMessage()
		if err != nil {
			break
		}
		var env protocol.Envelope
		if json.Unmarshal(raw, &env) != nil {
			continue
		}
		switch env.Op {
		case protocol.OpStdin:
			if data := env.String("data"); data != "" {
				if _, err := sess.Write([]byte(data)); err != nil {
					logger.Debug("apiserver: terminal write failed", logger.FieldConn, entry.id, logger.FieldError, err)
				}
			}
		case protocol.OpResize:
			if err := sess.Resize(env.Int("rows", terminal.DefaultRows), env.Int("cols", terminal.DefaultCols)); err != nil {
				logger.Debug("apiserver: terminal resize failed", logger.FieldConn, entry.id, logger.FieldError, err)
			}
		case protocol.OpInterrupt:
			sess.Interrupt()
		case protocol.OpTerminate, protocol.OpKill:
			sess.Terminate()
			notifyEnd()
			entry.finish(websocket.CloseNormalClosure, "")
		}
	}
	notifyEnd()
}

// pumpTerminal 读取 PTY 输出直到 EOF。跨读取边界的多字节字符留到下一次。
func pumpTerminal(r io.Reader, emit func(string)) {
	buf := make([]byte, termReadSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := validPrefix(chunk)
			if cut > 0 {
				emit(string(chunk[:cut]))
			}
			carry = append([]byte(nil), chunk[cut:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				emit(string(carry))
			}
			if !errors.Is(err, io.EOF) {
				logger.Debug("apiserver: terminal read ended", logger.FieldError, err)
			}
			return
		}
	}
}

// validPrefix 返回末尾不完整 UTF-8 序列之前的长度 (最多回看 3 字节)。
func validPrefix(b []byte) int {
	for back := 1; back <= 3 && back <= len(b); back++ {
		i := len(b) - back
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return i
		}
		break
	}
	return len(b)
}
