// cmd/studio-run — 终端客户端: 通过运行通道执行流程并在终端里对话。
//
// 用法:
//
//	studio-run flows/demo.waldiez
//	studio-run --mode step --breakpoints agent_a,tool_call flows/demo.waldiez
//	studio-run --upload ./demo.waldiez flows/demo.waldiez
//	studio-run --terminal [cwd]
//
// Ctrl-C 请求中断当前轮次, 再按一次关闭通道。
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/waldiez/studio/internal/config"
	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/runner"
	"github.com/waldiez/studio/internal/session"
	"github.com/waldiez/studio/internal/transport"
	"github.com/waldiez/studio/internal/uistate"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

// exitStopped 用户第二次 Ctrl-C 关闭通道时的退出码。
const exitStopped = 130

type options struct {
	server      string
	mode        string
	breakpoints []string
	checkpoint  string
	upload      string
	args        []string
	env         []string
	cwd         string
	venv        string
	terminal    bool
	noColor     bool
	logLevel    string
	maxLines    int
	dialTimeout time.Duration
}

func main() {
	cfg := config.Load()
	var o options
	fs := pflag.NewFlagSet("studio-run", pflag.ExitOnError)
	fs.StringVarP(&o.server, "server", "s", "http://"+cfg.Addr(), "studio server origin")
	fs.StringVarP(&o.mode, "mode", "m", string(uistate.ModeChat), "run mode (chat/step)")
	fs.StringSliceVarP(&o.breakpoints, "breakpoints", "b", nil, "step mode breakpoints (comma separated)")
	fs.StringVar(&o.checkpoint, "checkpoint", "", "resume from a checkpoint id")
	fs.StringVar(&o.upload, "upload", "", "local file whose contents are saved to the flow path before running")
	fs.StringArrayVarP(&o.args, "arg", "a", nil, "extra argument for the process (repeatable)")
	fs.StringArrayVarP(&o.env, "env", "e", nil, "KEY=VALUE environment override (repeatable)")
	fs.StringVar(&o.cwd, "cwd", "", "working directory for the process, relative to the root")
	fs.StringVar(&o.venv, "venv", "", "virtualenv directory for the process")
	fs.BoolVarP(&o.terminal, "terminal", "t", false, "attach to a shell instead of running a flow")
	fs.BoolVar(&o.noColor, "no-color", false, "disable colors")
	fs.StringVar(&o.logLevel, "log-level", "WARN", "client log level")
	fs.IntVar(&o.maxLines, "max-lines", cfg.ConsoleMaxLines, "console lines kept in memory")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", time.Duration(cfg.DialTimeoutSec)*time.Second, "connection timeout")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: studio-run [flags] <path>\n       studio-run --terminal [cwd]\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	logger.Init("development", o.logLevel)
	st := newStyles(!o.noColor && term.IsTerminal(int(os.Stdout.Fd())))

	if o.terminal {
		os.Exit(runTerminal(o, fs.Arg(0), st))
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	os.Exit(runFlow(o, fs.Arg(0), st))
}

// buildRequest 由命令行参数组装 Start 请求。
func buildRequest(o options, path string) (session.Request, error) {
	const op = "studio-run.buildRequest"
	mode := uistate.Mode(strings.ToLower(o.mode))
	if !mode.Valid() {
		return session.Request{}, pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "unknown mode %q", o.mode)
	}
	env, err := parseEnv(o.env)
	if err != nil {
		return session.Request{}, err
	}
	req := session.Request{
		Path:        path,
		Mode:        mode,
		Breakpoints: o.breakpoints,
		Checkpoint:  o.checkpoint,
		Args:        o.args,
		Env:         env,
		Cwd:         o.cwd,
		Venv:        o.venv,
	}
	if o.upload != "" {
		data, err := os.ReadFile(o.upload)
		if err != nil {
			return session.Request{}, pkgerr.Wrap(err, op, "read upload file")
		}
		req.Contents = string(data)
	}
	return req, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, pkgerr.Wrapf(pkgerr.ErrInvalidInput, "studio-run.parseEnv", "expected KEY=VALUE, got %q", p)
		}
		env[strings.TrimSpace(k)] = v
	}
	return env, nil
}

// ========================================
// 运行流程
// ========================================

func runFlow(o options, path string, st styles) int {
	req, err := buildRequest(o, path)
	if err != nil {
		fmt.Fprintln(os.Stderr, st.failure.Render(err.Error()))
		return 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := runner.NewRegistry(o.maxLines)
	ctl := session.New(session.Config{
		Origin:   o.server,
		Dialer:   transport.WSDialer{HandshakeTimeout: o.dialTimeout},
		Registry: registry,
		Saver:    session.HTTPSaver{Origin: o.server},
	})

	con := newConsole(os.Stdout, st, registry.Log())
	done := make(chan struct{})
	var doneOnce sync.Once
	unsubTree := ctl.Store().Subscribe(con.onTree)
	defer unsubTree()
	unsubLog := registry.Subscribe(func(ev runner.Event) {
		con.onLog()
		if protocol.IsTerminal(ev.Event) {
			doneOnce.Do(func() { close(done) })
		}
	})
	defer unsubLog()

	if err := ctl.Start(ctx, req); err != nil {
		fmt.Fprintln(os.Stderr, st.failure.Render(err.Error()))
		return 1
	}
	in := bufio.NewReader(os.Stdin)
	util.SafeGo(func() { answerPrompts(ctx, ctl, con.prompts, in, os.Stdout, st) })

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	interrupted := false
	for {
		select {
		case <-done:
			return con.result(uistate.SessionOf(ctl.Store().Snapshot()))
		case sig := <-sigs:
			if sig == os.Interrupt && !interrupted {
				interrupted = true
				fmt.Fprintln(os.Stderr, st.system.Render("interrupting, press Ctrl-C again to stop"))
				if err := ctl.Interrupt(); err != nil {
					logger.Warn("studio-run: interrupt failed", logger.FieldError, err)
				}
				continue
			}
			ctl.Stop()
			con.result(uistate.SessionOf(ctl.Store().Snapshot()))
			return exitStopped
		}
	}
}

// answerPrompts 逐个回答输入请求: 普通请求走 Respond, 单步调试指令走 SendControl。
func answerPrompts(ctx context.Context, ctl *session.Controller, prompts <-chan prompt, in *bufio.Reader, out io.Writer, st styles) {
	for {
		var p prompt
		select {
		case <-ctx.Done():
			return
		case p = <-prompts:
		}
		fmt.Fprint(out, st.prompt.Render(promptLabel(p))+" ")
		answer, err := readAnswer(in, p.req.Password)
		if err != nil {
			logger.Debug("studio-run: stdin closed", logger.FieldError, err)
			return
		}
		if p.step {
			if answer == "" {
				answer = "c"
			}
			err = ctl.SendControl(session.Control{RequestID: p.req.RequestID, Data: answer})
		} else {
			err = ctl.Respond(session.Reply{RequestID: p.req.RequestID, Data: answer})
		}
		if err != nil {
			logger.Warn("studio-run: reply failed", logger.FieldRequestID, p.req.RequestID, logger.FieldError, err)
		}
	}
}

func promptLabel(p prompt) string {
	label := strings.TrimSpace(p.req.Prompt)
	if p.step {
		if label == "" {
			label = "[step]"
		}
		return label + " (c)ontinue (s)tep (r)un (q)uit (h)elp:"
	}
	if label == "" {
		label = ">"
	}
	return label
}

// readAnswer 读一行; 密码请求在终端上不回显。
func readAnswer(in *bufio.Reader, password bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if password && term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		return string(b), err
	}
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
