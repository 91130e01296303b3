// Package session 会话控制器: chat / step 两种模式的运行状态机。
//
// 状态: idle → starting → running → completed, error 为吸收态 (下一次 Start 前不会离开)。
// 所有用户操作与传输事件在控制器互斥锁上串行处理;
// 状态树只通过 uistate.Store.Apply / Reset 修改。
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/runner"
	"github.com/waldiez/studio/internal/transport"
	"github.com/waldiez/studio/internal/uistate"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
)

// UnknownRequestID 界面未知请求 id 时使用的占位值, 发送前替换为最近一次见到的 id。
const UnknownRequestID = "<unknown>"

// Transport 控制器使用的通道能力 (transport.Controller 满足)。
type Transport interface {
	Send(op string, fields map[string]any) error
	Respond(payload map[string]any) error
	Control(payload map[string]any) error
	Close()
}

// Opener 打开一个通道。测试中替换为假实现。
type Opener func(ctx context.Context, opts transport.Options, h transport.Handler) Transport

// DefaultOpener 使用 transport.New。
func DefaultOpener(ctx context.Context, opts transport.Options, h transport.Handler) Transport {
	return transport.New(ctx, opts, h)
}

// Config 控制器依赖。
type Config struct {
	Origin   string           // 页面来源, 如 http://localhost:8000
	Dialer   transport.Dialer // nil 使用 gorilla 默认拨号器
	Store    *uistate.Store   // nil 时自动创建
	Registry *runner.Registry // nil 时自动创建
	Saver    Saver            // 可选: Start 带 Contents 时先保存
	Open     Opener           // nil 使用 DefaultOpener
}

// Request Start 参数。
type Request struct {
	Path        string
	Mode        uistate.Mode
	Breakpoints []string
	Checkpoint  string
	Args        []string
	Env         map[string]string
	Cwd         string
	Module      string
	Venv        string
	// Contents 非空时, 在打开通道前通过 Saver 持久化。
	Contents string
}

// Reply 对 input_request 的回复。
type Reply struct {
	RequestID string
	Data      any
}

// Control 对 debug_input_request 的单步调试指令 (如 "c"、"s"、"q")。
type Control struct {
	RequestID string
	Data      any
}

// Controller 会话控制器。
type Controller struct {
	cfg Config

	mu            sync.Mutex
	status        uistate.Status
	mode          uistate.Mode
	sessionID     string
	path          string
	conn          Transport
	holder        *connHandle
	gen           uint64 // 每次 Start / Stop / 结束递增, 旧通道的事件据此丢弃
	lastRequestID string
	autoContinue  bool
	interrupted   bool // 用户已中断: 随后的非零退出码不算错误
}

// New 创建控制器。
func New(cfg Config) *Controller {
	if cfg.Store == nil {
		cfg.Store = uistate.NewStore(nil, uistate.MergeConfig())
	}
	if cfg.Registry == nil {
		cfg.Registry = runner.NewRegistry(0)
	}
	if cfg.Open == nil {
		cfg.Open = DefaultOpener
	}
	return &Controller{cfg: cfg, status: uistate.StatusIdle, mode: uistate.ModeChat}
}

// Store 状态树存储。
func (c *Controller) Store() *uistate.Store { return c.cfg.Store }

// Registry 执行存储。
func (c *Controller) Registry() *runner.Registry { return c.cfg.Registry }

// Status 当前状态。
func (c *Controller) Status() uistate.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Mode 当前模式。
func (c *Controller) Mode() uistate.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SessionID 当前会话 id (未启动时为空)。
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ========================================
// Start
// ========================================

// Start 启动新会话。
// 先保存内容 (失败则返回一次用户可见错误, 状态不变), 再拆除旧会话, 重置状态树, 打开新通道。
func (c *Controller) Start(ctx context.Context, req Request) error {
	const op = "Session.Start"
	if strings.TrimSpace(req.Path) == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "path is required")
	}
	if req.Mode == "" {
		req.Mode = uistate.ModeChat
	}
	if !req.Mode.Valid() {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "unknown mode %q", req.Mode)
	}
	if req.Contents != "" && c.cfg.Saver != nil {
		if err := c.cfg.Saver.SaveFlow(ctx, req.Path, req.Contents); err != nil {
			return pkgerr.WithCode(err, op, "SAVE_FAILED", "could not save the flow before running it")
		}
	}
	url, err := transport.ExecURL(c.cfg.Origin, req.Path)
	if err != nil {
		return pkgerr.Wrap(err, op, "build channel url")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen
	c.sessionID = uuid.NewString()
	c.mode = req.Mode
	c.path = req.Path
	c.lastRequestID = ""
	c.autoContinue = false
	c.interrupted = false
	c.conn = nil
	c.holder = &connHandle{}

	// 替换当前任务: 旧任务的通道在这里被关闭 (且只关闭一次)
	c.cfg.Registry.Replace(&runner.Task{
		ID:        c.sessionID,
		Path:      req.Path,
		Mode:      string(req.Mode),
		StartedAt: time.Now(),
		Handle:    c.holder,
	})
	c.cfg.Registry.Log().Reset()

	c.cfg.Store.Reset(uistate.InitialTree(req.Mode, req.Path, req.Breakpoints))
	c.status = uistate.StatusStarting
	c.applyLocked(uistate.Tree{uistate.KeySession: uistate.Tree{
		"status":    string(uistate.StatusStarting),
		"sessionId": c.sessionID,
	}})

	opts := transport.Options{
		URL:     url,
		Surface: protocol.SurfaceExec,
		Dialer:  c.cfg.Dialer,
		Start: protocol.StartOptions{
			Args:   BuildArgs(req),
			Env:    req.Env,
			Cwd:    req.Cwd,
			Module: req.Module,
			Venv:   req.Venv,
		},
	}
	lg := logger.With(logger.FieldSessionID, c.sessionID, logger.FieldMode, string(req.Mode))
	ctx = logger.WithContext(ctx, lg)
	lg.Info("session: starting", logger.FieldPath, req.Path)

	c.conn = c.cfg.Open(ctx, opts, &eventSink{c: c, gen: gen})
	c.holder.Set(c.conn)
	return nil
}

// BuildArgs 组合运行参数: 调用方参数 + step 模式的 --step / --breakpoints, 以及 --checkpoint。
func BuildArgs(req Request) []string {
	args := append([]string(nil), req.Args...)
	if req.Mode == uistate.ModeStep {
		args = append(args, "--step")
		if len(req.Breakpoints) > 0 {
			args = append(args, "--breakpoints", strings.Join(req.Breakpoints, ","))
		}
	}
	if req.Checkpoint != "" {
		args = append(args, "--checkpoint", req.Checkpoint)
	}
	return args
}

// ========================================
// 用户操作
// ========================================

// Respond 回复 input_request。请求 id 为空或为占位值时使用最近一次见到的 id。
func (c *Controller) Respond(r Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return pkgerr.Wrap(pkgerr.ErrClosed, "Session.Respond", "no active session")
	}
	payload := map[string]any{
		"type":       "input_response",
		"request_id": c.resolveRequestID(r.RequestID),
		"data":       r.Data,
	}
	if err := c.conn.Respond(payload); err != nil {
		return err
	}
	c.applyLocked(uistate.Tree{
		uistate.KeyChat:    uistate.Tree{"activeRequest": nil},
		uistate.KeySession: uistate.Tree{"requestId": nil},
	})
	return nil
}

// SendControl 回复 debug_input_request。
func (c *Controller) SendControl(ctl Control) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return pkgerr.Wrap(pkgerr.ErrClosed, "Session.SendControl", "no active session")
	}
	payload := map[string]any{
		"type":       "debug_input_response",
		"request_id": c.resolveRequestID(ctl.RequestID),
		"data":       ctl.Data,
	}
	if err := c.conn.Control(payload); err != nil {
		return err
	}
	c.applyLocked(uistate.Tree{
		uistate.KeyStep:    uistate.Tree{"pendingControlInput": nil},
		uistate.KeySession: uistate.Tree{"requestId": nil},
	})
	return nil
}

func (c *Controller) resolveRequestID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || id == UnknownRequestID {
		return c.lastRequestID
	}
	return id
}

// Interrupt 请求远端取消当前轮次 (不关闭通道), 并乐观地把本地状态标为 completed。
// 之后的 run_end 负责最终收敛。
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Send(protocol.OpStop, nil); err != nil {
		return err
	}
	c.interrupted = true
	c.setStatusLocked(uistate.StatusCompleted, nil)
	return nil
}

// Stop 用户取消: 关闭通道。对空闲会话调用是安全的。
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.gen++
	c.detachLocked()
	c.applyLocked(inactivePatch())
	if c.status == uistate.StatusStarting || c.status == uistate.StatusRunning {
		c.setStatusLocked(uistate.StatusCompleted, nil)
	}
	logger.Info("session: stopped", logger.FieldSessionID, c.sessionID)
}

// SetAutoContinue 切换单步调试的自动继续标记 (仅 step 模式)。
func (c *Controller) SetAutoContinue(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != uistate.ModeStep {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Session.SetAutoContinue", "not in step mode")
	}
	c.autoContinue = on
	c.applyLocked(uistate.Tree{uistate.KeyStep: uistate.Tree{"autoContinue": on}})
	return nil
}

// SetBreakpoints 替换断点列表 (仅 step 模式)。
func (c *Controller) SetBreakpoints(bps []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != uistate.ModeStep {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Session.SetBreakpoints", "not in step mode")
	}
	c.applyLocked(uistate.Tree{uistate.KeyStep: uistate.Tree{"breakpoints": stringsToAny(bps)}})
	return nil
}

// ========================================
// 内部
// ========================================

// applyLocked 合并补丁。合并错误属于契约违背, 记录后放弃本次修改。
func (c *Controller) applyLocked(patch uistate.Tree) {
	if err := c.cfg.Store.Apply(patch); err != nil {
		logger.Error("session: state merge failed", logger.FieldSessionID, c.sessionID, logger.FieldError, err)
	}
}

// setStatusLocked 更新状态; error 为吸收态, 只有 Start 能离开。
func (c *Controller) setStatusLocked(s uistate.Status, extra uistate.Tree) {
	if c.status == uistate.StatusError && s != uistate.StatusError {
		return
	}
	c.status = s
	sess := uistate.Tree{"status": string(s)}
	for k, v := range extra {
		sess[k] = v
	}
	c.applyLocked(uistate.Tree{uistate.KeySession: sess})
}

// detachLocked 与当前通道脱离并释放任务 (关闭通道)。
func (c *Controller) detachLocked() {
	c.conn = nil
	c.lastRequestID = ""
	if c.sessionID != "" {
		c.cfg.Registry.Clear(c.sessionID)
	}
}

func inactivePatch() uistate.Tree {
	return uistate.Tree{
		uistate.KeyChat:    uistate.Tree{"active": false, "activeRequest": nil},
		uistate.KeyStep:    uistate.Tree{"active": false, "pendingControlInput": nil},
		uistate.KeySession: uistate.Tree{"requestId": nil},
	}
}

func stringsToAny(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// connHandle 任务持有的通道句柄。通道可能在句柄被释放之后才打开, 此时立即关闭它。
type connHandle struct {
	mu     sync.Mutex
	t      Transport
	closed bool
}

func (h *connHandle) Set(t Transport) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		t.Close()
		return
	}
	h.t = t
	h.mu.Unlock()
}

func (h *connHandle) Close() {
	h.mu.Lock()
	t := h.t
	already := h.closed
	h.closed = true
	h.t = nil
	h.mu.Unlock()
	if !already && t != nil {
		t.Close()
	}
}
