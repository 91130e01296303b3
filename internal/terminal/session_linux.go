//go:build linux

package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
)

// Session 一个伪终端上的 shell 进程。
//
// 读写直接作用于 PTY master; shell 在新会话中运行, 以 PTY slave 为控制终端。
type Session struct {
	cmd    *exec.Cmd
	master *os.File

	done      chan struct{} // shell 已退出
	closeOnce sync.Once
}

// Start 在 workdir 中启动 shell。
func Start(workdir, shell string, rows, cols int) (*Session, error) {
	const op = "Terminal.Start"
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, pkgerr.Wrap(err, op, "allocate pty")
	}
	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, pkgerr.Wrapf(err, op, "open pty slave %s", slavePath)
	}
	r, c := clampSize(rows, cols)
	if err := setWindowSize(int(master.Fd()), r, c); err != nil {
		logger.Debug("terminal: initial resize failed", logger.FieldError, err)
	}

	cmd := exec.Command(shell, loginArgs(shell)...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, pkgerr.Wrapf(err, op, "start %s", shell)
	}
	// 子进程持有 slave 副本
	slave.Close()

	s := &Session{cmd: cmd, master: master, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()
	logger.Info("terminal: session started",
		logger.FieldPID, cmd.Process.Pid,
		logger.FieldCwd, workdir,
		logger.FieldCommand, shell,
	)
	return s, nil
}

// Read 读取终端输出。shell 退出后 (EIO) 返回 io.EOF。
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.master.Read(p)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		return n, io.EOF
	}
	return n, err
}

// Write 写入终端输入。
func (s *Session) Write(p []byte) (int, error) {
	return s.master.Write(p)
}

// Resize 设置窗口大小; 无效值取默认。
func (s *Session) Resize(rows, cols int) error {
	r, c := clampSize(rows, cols)
	if err := setWindowSize(int(s.master.Fd()), r, c); err != nil {
		return pkgerr.Wrap(err, "Terminal.Resize", "set window size")
	}
	return nil
}

// Interrupt 向前台进程组发 SIGINT (相当于 Ctrl-C)。
func (s *Session) Interrupt() {
	pgid, err := unix.IoctlGetInt(int(s.master.Fd()), unix.TIOCGPGRP)
	if err == nil && pgid > 0 {
		if unix.Kill(-pgid, unix.SIGINT) == nil {
			return
		}
	}
	s.signal(syscall.SIGINT)
}

// Terminate 向 shell 所在进程组发 SIGTERM 和 SIGHUP (交互式 shell 忽略 SIGTERM)。
func (s *Session) Terminate() {
	pid := s.cmd.Process.Pid
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGHUP} {
		if err := unix.Kill(-pid, sig); err != nil {
			s.signal(sig)
		}
	}
}

func (s *Session) signal(sig syscall.Signal) {
	if err := s.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debug("terminal: signal failed", logger.FieldPID, s.cmd.Process.Pid, logger.FieldError, err)
	}
}

// Alive 报告 shell 是否仍在运行。
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done 在 shell 退出后关闭。
func (s *Session) Done() <-chan struct{} { return s.done }

// Close 关闭 master 并挂断 shell; 幂等。
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.master.Close()
		s.signal(syscall.SIGHUP)
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

// openPTY 通过 /dev/ptmx 分配一对伪终端。
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}
	fd := int(master.Fd())
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get pty number: %w", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock pty slave: %w", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}

func setWindowSize(fd int, rows, cols uint16) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
}
