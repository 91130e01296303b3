// conn.go — WebSocket 连接条目: outbox + 单写者 (gorilla/websocket 不支持并发写)。
package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

const writeWait = 10 * time.Second

type wsOutbound struct {
	msgType int
	data    []byte
}

// connEntry 一条通道连接。
type connEntry struct {
	id        string
	ws        *websocket.Conn
	outbox    chan wsOutbound
	closeCh   chan struct{}
	closeOnce sync.Once
	writerEnd chan struct{}
}

func newConnEntry(id string, ws *websocket.Conn) *connEntry {
	return &connEntry{
		id:        id,
		ws:        ws,
		outbox:    make(chan wsOutbound, connOutboxSize),
		closeCh:   make(chan struct{}),
		writerEnd: make(chan struct{}),
	}
}

// enqueue 非阻塞入队; 连接已关闭或缓冲满时返回 false。
func (c *connEntry) enqueue(msgType int, data []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.outbox <- wsOutbound{msgType: msgType, data: data}:
		return true
	default:
		return false
	}
}

// sendJSON 序列化后入队。满载视为客户端跟不上, 断开连接。
func (c *connEntry) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("apiserver: marshal frame failed", logger.FieldConn, c.id, logger.FieldError, err)
		return false
	}
	if c.enqueue(websocket.TextMessage, data) {
		return true
	}
	select {
	case <-c.closeCh:
	default:
		logger.Warn("apiserver: client send queue overloaded, disconnecting",
			logger.FieldConn, c.id, logger.FieldMax, connOutboxSize)
		c.closeNow()
	}
	return false
}

// writeLoop 唯一写者。closeCh 关闭后先把已入队的帧写完。
func (c *connEntry) writeLoop() {
	defer close(c.writerEnd)
	for {
		select {
		case msg := <-c.outbox:
			if err := c.write(msg); err != nil {
				logger.Debug("apiserver: write failed", logger.FieldConn, c.id, logger.FieldError, err)
				c.closeNow()
				return
			}
		case <-c.closeCh:
			for {
				select {
				case msg := <-c.outbox:
					if c.write(msg) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *connEntry) write(msg wsOutbound) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(msg.msgType, msg.data)
}

// finish 停止接收新帧, 等写者排空后发送关闭帧并断开。
func (c *connEntry) finish(code int, reason string) {
	c.closeOnce.Do(func() { close(c.closeCh) })
	select {
	case <-c.writerEnd:
	case <-time.After(writeWait):
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// closeNow 立即断开 (读循环随之返回)。
func (c *connEntry) closeNow() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	_ = c.ws.Close()
}

func (c *connEntry) closed() <-chan struct{} { return c.closeCh }

// ========================================
// 连接注册
// ========================================

// accept 升级连接并登记, 启动写者。升级失败时已写出 HTTP 错误。
func (s *Server) accept(w http.ResponseWriter, r *http.Request, kind string) (*connEntry, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("apiserver: upgrade failed", logger.FieldRemote, r.RemoteAddr, logger.FieldError, err)
		return nil, false
	}
	ws.SetReadLimit(maxMessageSize)
	id := fmt.Sprintf("%s-%d", kind, s.nextID.Add(1))
	entry := newConnEntry(id, ws)
	s.mu.Lock()
	s.conns[id] = entry
	s.mu.Unlock()
	s.active.Add(1)
	util.SafeGo(entry.writeLoop)
	logger.Info("apiserver: client connected", logger.FieldConn, id, logger.FieldRemote, r.RemoteAddr)
	return entry, true
}

// release 注销连接。
func (s *Server) release(entry *connEntry) {
	s.mu.Lock()
	delete(s.conns, entry.id)
	s.mu.Unlock()
	entry.closeNow()
	s.active.Done()
	logger.Info("apiserver: client disconnected", logger.FieldConn, entry.id)
}

// ========================================
// Origin 校验
// ========================================

// localOrigins 本机来源总是可信 (开发模式与同机 CLI)。
var localOrigins = []string{
	"http://localhost", "https://localhost",
	"http://127.0.0.1", "https://127.0.0.1",
	"http://[::1]", "https://[::1]",
}

// checkOrigin 接受: 无 Origin (非浏览器客户端)、可信列表、可信正则、本机来源。
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.TrustedOriginList(), origin) {
		return true
	}
	if s.originRe != nil && s.originRe.MatchString(origin) {
		return true
	}
	lower := strings.ToLower(origin)
	for _, allowed := range localOrigins {
		if lower == allowed || strings.HasPrefix(lower, allowed+":") {
			return true
		}
	}
	logger.Warn("apiserver: rejected origin", logger.FieldOrigin, origin)
	return false
}
