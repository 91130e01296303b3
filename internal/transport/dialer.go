package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// TextMessage 文本帧类型 (与 websocket.TextMessage 一致)。
const TextMessage = websocket.TextMessage

// Conn 控制器所需的最小连接接口, *websocket.Conn 满足。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer 建立一条连接。
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer 基于 gorilla/websocket 的默认拨号器。
type WSDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial 实现 Dialer。
func (d WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   (&net.Dialer{Timeout: timeout}).DialContext,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, pkgerr.Wrapf(err, "Transport.Dial", "handshake status %d", resp.StatusCode)
		}
		return nil, pkgerr.Wrap(err, "Transport.Dial", "ws connect")
	}
	if conn == nil {
		return nil, pkgerr.New("Transport.Dial", "dial returned nil websocket connection")
	}
	return conn, nil
}

// 通道端点。
const (
	ExecEndpoint     = "/ws"
	TerminalEndpoint = "/ws/terminal"
)

// ChannelURL 由页面 origin 推导通道 URL:
// http→ws, https→wss; target 去掉前导 '/' 后作为 param 查询参数。
func ChannelURL(origin, endpoint, param, target string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Transport.ChannelURL", "origin %q: %v", origin, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Transport.ChannelURL", "unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + endpoint
	u.RawQuery = ""
	u.Fragment = ""
	if target = strings.TrimLeft(target, "/"); target != "" {
		u.RawQuery = url.Values{param: {target}}.Encode()
	}
	return u.String(), nil
}

// ExecURL 运行通道 URL (path 参数)。
func ExecURL(origin, path string) (string, error) {
	return ChannelURL(origin, ExecEndpoint, "path", path)
}

// TerminalURL 终端通道 URL (cwd 参数)。
func TerminalURL(origin, cwd string) (string, error) {
	return ChannelURL(origin, TerminalEndpoint, "cwd", cwd)
}
