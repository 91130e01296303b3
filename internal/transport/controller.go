// Package transport 管理一个会话的双工通道。
//
// 调用方只看到操作式 API (Send / Resize / Interrupt / Close), 建连延迟被隐藏:
// 连接建立前的操作进入 FIFO 队列, 建连后先发 start 再按调用顺序冲刷。
// 网络错误从不以返回值抛出, 一律转为 Disconnected 事件。
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/waldiez/studio/internal/protocol"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

// State 通道就绪状态。
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler 接收通道回调。三个方法都只在同一个 goroutine 上按顺序调用。
type Handler interface {
	OnOpen()
	OnEvent(protocol.Event)
	OnClose(err error)
}

// HandlerFuncs 便于用闭包构造 Handler, 未设置的回调忽略。
type HandlerFuncs struct {
	Open  func()
	Event func(protocol.Event)
	Close func(error)
}

func (h HandlerFuncs) OnOpen() {
	if h.Open != nil {
		h.Open()
	}
}

func (h HandlerFuncs) OnEvent(ev protocol.Event) {
	if h.Event != nil {
		h.Event(ev)
	}
}

func (h HandlerFuncs) OnClose(err error) {
	if h.Close != nil {
		h.Close(err)
	}
}

// Options 通道参数。
type Options struct {
	URL          string
	Surface      protocol.Surface
	Start        protocol.StartOptions
	Dialer       Dialer        // 默认 WSDialer
	WriteTimeout time.Duration // 默认 10s
	// NoStart 为 true 时建连后不发送合成 start (终端通道)。
	NoStart bool
}

// Controller 一个会话的通道控制器。
type Controller struct {
	opts    Options
	handler Handler
	log     func(msg string, args ...any)

	mu     sync.Mutex
	state  State
	conn   Conn
	queue  []protocol.Envelope
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// New 创建控制器并立即在后台建连。
func New(ctx context.Context, opts Options, h Handler) *Controller {
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if h == nil {
		h = HandlerFuncs{}
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		opts:    opts,
		handler: h,
		log:     logger.FromContext(ctx).Debug,
		state:   StateConnecting,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	util.SafeGo(func() { c.run(ctx) })
	return c
}

// Ready 报告通道当前是否已打开。
func (c *Controller) Ready() bool { return c.State() == StateOpen }

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done 在后台 goroutine 退出后关闭。
func (c *Controller) Done() <-chan struct{} { return c.done }

// Send 发送一个操作: 已打开则立即发送, 建连中则排队, 已关闭则丢弃并返回 ErrClosed。
// 写失败不返回错误, 而是关闭连接并以 Disconnected 事件通知。
func (c *Controller) Send(op string, fields map[string]any) error {
	env := protocol.NewEnvelope(op, fields)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting:
		c.queue = append(c.queue, env)
		return nil
	case StateOpen:
		c.writeLocked(env)
		return nil
	default:
		c.log("transport: dropped op on closed channel", logger.FieldOp, op, logger.FieldURL, c.opts.URL)
		return pkgerr.Wrapf(pkgerr.ErrClosed, "Transport.Send", "op %s", op)
	}
}

// Stdin 发送一段终端 / 进程输入。执行通道用 text, 终端通道用 data。
func (c *Controller) Stdin(text string) error {
	if c.opts.Surface == protocol.SurfaceTerminal {
		return c.Send(protocol.OpStdin, map[string]any{"data": text})
	}
	return c.Send(protocol.OpStdin, map[string]any{"text": text})
}

// StdinEOF 关闭进程 stdin。
func (c *Controller) StdinEOF() error { return c.Send(protocol.OpStdinEOF, nil) }

// Resize 通知终端尺寸。
func (c *Controller) Resize(rows, cols int) error {
	return c.Send(protocol.OpResize, map[string]any{"rows": rows, "cols": cols})
}

// Interrupt 请求中断当前执行 (SIGINT), 不关闭通道。
func (c *Controller) Interrupt() error { return c.Send(protocol.OpInterrupt, nil) }

// Terminate 请求终止进程 (SIGTERM)。
func (c *Controller) Terminate() error { return c.Send(protocol.OpTerminate, nil) }

// Kill 强制结束进程 (SIGKILL)。
func (c *Controller) Kill() error { return c.Send(protocol.OpKill, nil) }

// Respond 发送 waldiez_respond, payload 原样转发给进程 stdin。
func (c *Controller) Respond(payload map[string]any) error {
	return c.Send(protocol.OpWaldiezRespond, map[string]any{"payload": payload})
}

// Control 发送 waldiez_control (单步调试指令)。
func (c *Controller) Control(payload map[string]any) error {
	return c.Send(protocol.OpWaldiezControl, map[string]any{"payload": payload})
}

// Close 关闭通道 (幂等)。排队中的操作被丢弃, 物理连接只关闭一次。
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.queue = nil
		conn := c.conn
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// ========================================
// 后台: 建连 → 冲刷 → 读循环
// ========================================

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		if c.markClosed() {
			c.log("transport: dial failed", logger.FieldURL, c.opts.URL, logger.FieldError, err)
			c.handler.OnEvent(protocol.Disconnected{Err: err})
			c.handler.OnClose(err)
		}
		return
	}

	if !c.open(conn) {
		// 建连期间已被 Close
		_ = conn.Close()
		return
	}
	c.handler.OnOpen()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.markClosed() {
				c.handler.OnEvent(protocol.Disconnected{Err: err})
				c.handler.OnClose(err)
			}
			c.closeOnce.Do(func() { c.cancel() })
			_ = conn.Close()
			return
		}
		if c.State() == StateClosed {
			return
		}
		c.handler.OnEvent(protocol.Decode(c.opts.Surface, data))
	}
}

// open 在锁内完成 start + 队列冲刷再切换为 open, 保证之后的 Send 不会插队。
func (c *Controller) open(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.conn = conn

	queue := c.queue
	c.queue = nil
	if !c.opts.NoStart {
		start := protocol.NewEnvelope(protocol.OpStart, c.opts.Start.Fields())
		// 调用方自己排队的 start 取代合成的 start, 不重复发送
		for i, env := range queue {
			if env.Op == protocol.OpStart {
				start = env
				queue = append(queue[:i:i], queue[i+1:]...)
				break
			}
		}
		c.writeLocked(start)
	}
	for _, env := range queue {
		c.writeLocked(env)
	}
	c.state = StateOpen
	return true
}

// writeLocked 序列化并写出一个 envelope。调用方持有 c.mu。
// 写失败时关闭连接, 由读循环产出 Disconnected。
func (c *Controller) writeLocked(env protocol.Envelope) {
	if c.conn == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		logger.Warn("transport: marshal envelope failed", logger.FieldOp, env.Op, logger.FieldError, err)
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(TextMessage, raw); err != nil {
		c.log("transport: write failed", logger.FieldOp, env.Op, logger.FieldError, err)
		_ = c.conn.Close()
	}
}

// markClosed 切换为 closed; 返回 false 表示此前已被本地 Close (不再回调)。
func (c *Controller) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	c.queue = nil
	return true
}
