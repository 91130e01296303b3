// waldiez.go — 流程引擎: 编译 .waldiez → .py, 再委托子进程引擎运行。
package engine

import (
	"context"
	"encoding/json"
	"os/exec"
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

// WaldiezModule 流程运行时的 Python 模块名。
const WaldiezModule = "waldiez"

const (
	compileTimeout = 2 * time.Minute
	gatherTimeout  = 30 * time.Second
)

// Waldiez 流程引擎。
//
// 阶段:
//
//	compile_start → 校验 + 编译 → compile_end | compile_error + run_end{-1}
//	→ Subprocess(-m waldiez run --file … --output … --force --structured)
type Waldiez struct {
	file string
	root string
	emit Emitter
	opts Options

	mu       sync.Mutex
	delegate *Subprocess
	gathers  sync.WaitGroup
}

// NewWaldiez 创建流程引擎。
func NewWaldiez(file, root string, emit Emitter, opts Options) *Waldiez {
	return &Waldiez{file: file, root: root, emit: emit, opts: opts.withDefaults()}
}

// Start 编译并启动运行。编译失败通过帧报告, 返回 nil。
func (w *Waldiez) Start(ctx context.Context, so protocol.StartOptions) error {
	w.emit.Emit(protocol.Frame{Type: protocol.TypeCompileStart, Data: protocol.CompileStartData{
		Source: workspace.Rel(w.root, w.file),
	}})

	py, err := w.compile(ctx, so.Venv)
	if err != nil {
		logger.FromContext(ctx).Warn("engine: compile failed", logger.FieldPath, w.file, logger.FieldError, err)
		w.emit.Emit(protocol.CompileErrorFrame(err.Error()))
		w.emit.Emit(protocol.Frame{Type: protocol.TypeRunEnd, Data: protocol.EndData{
			Status: protocol.StatusError, ReturnCode: -1, ElapsedMs: 0,
		}})
		return nil
	}
	w.emit.Emit(protocol.Frame{Type: protocol.TypeCompileEnd, Data: protocol.CompileEndData{
		Py: workspace.Rel(w.root, py),
	}})

	delegate := NewSubprocess(py, w.root, w.emit, w.opts)
	w.mu.Lock()
	w.delegate = delegate
	w.mu.Unlock()

	args := append([]string{"run", "--file", w.file, "--output", py, "--force", "--structured"}, so.Args...)
	return delegate.Start(ctx, protocol.StartOptions{
		Module: WaldiezModule,
		Args:   args,
		Env:    so.Env,
		Cwd:    so.Cwd,
		Venv:   so.Venv,
	})
}

// compile 校验流程 (容忍 JSONC) 后调用 `-m waldiez convert`, 返回生成的 .py 路径。
func (w *Waldiez) compile(ctx context.Context, venv string) (string, error) {
	const op = "Waldiez.compile"
	if _, err := workspace.ReadFlow(w.root, workspace.Rel(w.root, w.file)); err != nil {
		return "", err
	}
	py := strings.TrimSuffix(w.file, ".waldiez") + ".py"
	if py == w.file {
		py = w.file + ".py"
	}

	cctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, interpreter(w.opts.Python, venv),
		"-m", WaldiezModule, "convert", "--file", w.file, "--output", py, "--force")
	cmd.Dir = w.root
	cmd.Env = buildEnv(cmd.Environ(), nil)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	stderr := logger.NewStderrCollector("waldiez-convert", w.opts.TaskID)
	cmd.Stderr = stderr
	runErr := cmd.Run()
	_ = stderr.Close()
	if runErr != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", pkgerr.Wrap(pkgerr.ErrTimeout, op, "compile timed out")
		}
		msg := strings.TrimSpace(stderr.Tail())
		if msg == "" {
			msg = runErr.Error()
		}
		return "", pkgerr.New(op, util.Truncate(msg, 2000, "..."))
	}
	return py, nil
}

// HandleClient 转发操作; respond / control 的 payload 作为一行 JSON 写入 stdin。
func (w *Waldiez) HandleClient(ctx context.Context, env protocol.Envelope) error {
	w.mu.Lock()
	delegate := w.delegate
	w.mu.Unlock()
	if delegate == nil {
		logger.FromContext(ctx).Debug("engine: no delegate for op", logger.FieldOp, env.Op)
		return nil
	}

	switch env.Op {
	case protocol.OpWaldiezRespond, protocol.OpWaldiezControl:
		payload, ok := env.Fields["payload"]
		if !ok || isEmpty(payload) {
			return delegate.HandleClient(ctx, env)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Waldiez.HandleClient", "encode payload")
		}
		if err := delegate.HandleClient(ctx, protocol.NewEnvelope(protocol.OpStdin, map[string]any{"text": string(raw)})); err != nil {
			return err
		}
	default:
		if err := delegate.HandleClient(ctx, env); err != nil {
			return err
		}
	}

	switch env.Op {
	case protocol.OpTerminate, protocol.OpShutdown, protocol.OpInterrupt, protocol.OpStop:
		w.gather()
	}
	return nil
}

// gather 中断后尽力收集运行状态, 不影响通道。
func (w *Waldiez) gather() {
	w.gathers.Add(1)
	util.SafeGo(func() {
		defer w.gathers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gatherTimeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, w.opts.Python, "-m", WaldiezModule, "gather")
		cmd.Dir = w.root
		stderr := logger.NewStderrCollector("waldiez-gather", w.opts.TaskID)
		cmd.Stderr = stderr
		if err := cmd.Run(); err != nil {
			logger.Debug("engine: gather failed", logger.FieldError, err, logger.FieldTaskID, w.opts.TaskID)
		}
		_ = stderr.Close()
	})
}

// Shutdown 结束委托进程; 编译失败或未启动时无事可做。
func (w *Waldiez) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	delegate := w.delegate
	w.mu.Unlock()
	var err error
	if delegate != nil {
		err = delegate.Shutdown(ctx)
	}
	w.gathers.Wait()
	return err
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}
