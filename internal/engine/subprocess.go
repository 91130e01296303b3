// subprocess.go — 子进程引擎: 启动解释器, 行级转发 stdout/stderr, 信号控制。
package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/workspace"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

var errNoProcess = errors.New("no active process")

// Subprocess 运行 `<python> <file> args…` 或 `<python> -m module args…`。
//
// 并发模型:
//   - 两个读协程 (stdout / stderr) 把行推入有界队列
//   - 一个发送协程按序排空队列, 是唯一调用 Emitter 的运行期协程
//   - 一个等待协程在读协程结束后 Wait, 冲刷队列后发送 run_end (仅一次)
type Subprocess struct {
	file string
	root string
	emit Emitter
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	started time.Time

	// stdin 写入可能阻塞, 与 mu 分开, 不挡住信号
	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	queue    *frameQueue
	done     chan struct{} // run_end 已发送
	endOnce  sync.Once
	exitCode int
}

// NewSubprocess 创建引擎; Start 之前不启动任何进程。
func NewSubprocess(file, root string, emit Emitter, opts Options) *Subprocess {
	opts = opts.withDefaults()
	return &Subprocess{
		file:  file,
		root:  root,
		emit:  emit,
		opts:  opts,
		queue: newFrameQueue(opts.QueueSize),
		done:  make(chan struct{}),
	}
}

// Start 启动进程并发出 run_status{started}。
func (s *Subprocess) Start(ctx context.Context, so protocol.StartOptions) error {
	const op = "Subprocess.Start"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return pkgerr.WithCode(pkgerr.ErrInvalidInput, op, "ALREADY_STARTED", "already started")
	}

	cwd, err := workspace.Sanitize(s.root, so.Cwd)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(cwd); statErr != nil || !info.IsDir() {
		cwd = s.root
	}

	args := make([]string, 0, len(so.Args)+2)
	if so.Module != "" {
		args = append(args, "-m", so.Module)
	} else {
		args = append(args, s.file)
	}
	args = append(args, so.Args...)

	cmd := exec.Command(interpreter(s.opts.Python, so.Venv), args...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(os.Environ(), so.Env)
	// 独立进程组: 信号发给整个组, 避免孙进程泄漏
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return pkgerr.Wrap(err, op, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return pkgerr.Wrap(err, op, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return pkgerr.Wrap(err, op, "stderr pipe")
	}

	s.started = time.Now()
	if err := cmd.Start(); err != nil {
		return pkgerr.Wrap(err, op, "start process")
	}
	s.cmd = cmd
	s.stdinMu.Lock()
	s.stdin = stdin
	s.stdinMu.Unlock()

	pid := cmd.Process.Pid
	logger.FromContext(ctx).Info("engine: process started",
		logger.FieldPID, pid,
		logger.FieldCwd, cwd,
		logger.FieldCommand, cmd.Path,
		logger.FieldTaskID, s.opts.TaskID,
	)
	s.queue.push(protocol.StatusFrame(protocol.StateStarted, pid, cwd))

	var readers sync.WaitGroup
	readers.Add(2)
	util.SafeGo(func() {
		defer readers.Done()
		readLines(stdout, s.opts.MaxLineBytes, func(line string) { s.queue.push(protocol.StdoutFrame(line)) })
	})
	util.SafeGo(func() {
		defer readers.Done()
		readLines(stderr, s.opts.MaxLineBytes, func(line string) { s.queue.push(protocol.StderrFrame(line)) })
	})

	senderDone := make(chan struct{})
	util.SafeGo(func() {
		defer close(senderDone)
		s.queue.drainTo(s.emit)
	})

	util.SafeGo(func() {
		// exec 要求管道读完之后再 Wait
		readers.Wait()
		rc := exitCodeOf(cmd.Wait())
		s.queue.close()
		<-senderDone
		s.finish(rc)
	})
	return nil
}

// finish 发送唯一一次 run_end。
func (s *Subprocess) finish(rc int) {
	s.endOnce.Do(func() {
		elapsed := time.Since(s.started).Milliseconds()
		s.exitCode = rc
		s.emit.Emit(protocol.EndFrame(rc, elapsed))
		logger.Info("engine: process finished",
			logger.FieldExitCode, rc,
			logger.FieldDurationMS, elapsed,
			logger.FieldTaskID, s.opts.TaskID,
		)
		close(s.done)
	})
}

// HandleClient 处理 start 之后的客户端操作。未启动时忽略。
func (s *Subprocess) HandleClient(ctx context.Context, env protocol.Envelope) error {
	s.mu.Lock()
	running := s.cmd != nil
	s.mu.Unlock()
	if !running {
		return nil
	}
	switch env.Op {
	case protocol.OpStdin:
		s.writeStdin(env)
	case protocol.OpStdinEOF:
		s.closeStdin()
	case protocol.OpInterrupt, protocol.OpStop:
		s.signal(syscall.SIGINT)
	case protocol.OpTerminate, protocol.OpShutdown:
		s.signal(syscall.SIGTERM)
	case protocol.OpKill:
		s.signal(syscall.SIGKILL)
	default:
		logger.FromContext(ctx).Debug("engine: ignored op", logger.FieldOp, env.Op)
	}
	return nil
}

// writeStdin 写入一行 (补全换行), 回 run_stdin_ack 或 run_stdin_error。
func (s *Subprocess) writeStdin(env protocol.Envelope) {
	text := env.String("text")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	s.stdinMu.Lock()
	var err error
	if s.stdinClosed || s.stdin == nil {
		err = errNoProcess
	} else {
		_, err = io.WriteString(s.stdin, strings.ToValidUTF8(text, "\uFFFD"))
	}
	s.stdinMu.Unlock()

	if err != nil {
		s.queue.push(protocol.Frame{Type: protocol.TypeRunStdinError, Data: protocol.StdinErrorData{
			Message: envelopeMap(env),
			Error:   err.Error(),
		}})
		return
	}
	s.queue.push(protocol.Frame{Type: protocol.TypeRunStdinAck, Data: protocol.StdinAckData{
		Text:      text,
		RequestID: env.Fields["request_id"],
	}})
}

func (s *Subprocess) closeStdin() {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdinClosed || s.stdin == nil {
		return
	}
	s.stdinClosed = true
	_ = s.stdin.Close()
}

// signal 向进程组发信号; 组信号失败时退回单进程。
func (s *Subprocess) signal(sig syscall.Signal) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Debug("engine: signal failed", logger.FieldPID, pid, "signal", sig.String(), logger.FieldError, err)
		}
	}
}

// Shutdown 等待进程退出: 宽限期 → SIGTERM → 宽限期 → SIGKILL。
// 未启动时直接返回。run_end 在返回前已发出。
func (s *Subprocess) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := s.cmd != nil
	s.mu.Unlock()
	if !running {
		return nil
	}
	if s.waitDone(ctx, s.opts.ShutdownGrace) {
		return nil
	}
	s.signal(syscall.SIGTERM)
	if s.waitDone(ctx, s.opts.TermGrace) {
		return nil
	}
	s.signal(syscall.SIGKILL)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return pkgerr.Wrap(pkgerr.ErrTimeout, "Subprocess.Shutdown", ctx.Err().Error())
	}
}

func (s *Subprocess) waitDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return true
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	}
}

// Done 在 run_end 发出后关闭。
func (s *Subprocess) Done() <-chan struct{} { return s.done }

// ExitCode run_end 中的返回码 (Done 之后有效)。
func (s *Subprocess) ExitCode() int {
	<-s.done
	return s.exitCode
}

// ========================================
// 辅助
// ========================================

// interpreter venv/bin/python 存在时优先使用。
func interpreter(python, venv string) string {
	if venv != "" {
		candidate := filepath.Join(venv, "bin", "python")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return python
}

// buildEnv 合并覆盖项, 并为未设置的 Python 编码变量补默认值。
func buildEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides)+2)
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		seen[k] = true
		env = append(env, kv)
	}
	for k, v := range overrides {
		seen[k] = true
		env = append(env, k+"="+v)
	}
	for k, v := range map[string]string{"PYTHONUNBUFFERED": "1", "PYTHONIOENCODING": "utf-8"} {
		if !seen[k] {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// exitCodeOf 信号终止时返回负的信号编号。
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// readLines 逐行读取 r; 超过 max 字节的行截断并追加标记。
// 非法 UTF-8 字节被丢弃。
func readLines(r io.Reader, max int, fn func(string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 0, 4096)
	truncated := false
	flush := func() {
		line := string(buf)
		if truncated {
			line += truncatedMarker
		}
		fn(strings.ToValidUTF8(line, ""))
		buf = buf[:0]
		truncated = false
	}
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && !truncated {
			if room := max - len(buf); len(chunk) > room {
				buf = append(buf, chunk[:room]...)
				truncated = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			flush()
		default:
			if len(buf) > 0 {
				flush()
			}
			return
		}
	}
}

func envelopeMap(env protocol.Envelope) map[string]any {
	m := make(map[string]any, len(env.Fields)+1)
	for k, v := range env.Fields {
		m[k] = v
	}
	m["op"] = env.Op
	return m
}
