//go:build !linux

package terminal

import (
	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// Session 非 Linux 平台不提供伪终端。
type Session struct{}

// Start 总是返回 ErrUnsupported。
func Start(workdir, shell string, rows, cols int) (*Session, error) {
	return nil, pkgerr.WithCode(pkgerr.ErrUnsupported, "Terminal.Start", "UNSUPPORTED_PLATFORM", "terminal requires linux")
}

func (s *Session) Read(p []byte) (int, error)  { return 0, pkgerr.ErrClosed }
func (s *Session) Write(p []byte) (int, error) { return 0, pkgerr.ErrClosed }
func (s *Session) Resize(rows, cols int) error { return pkgerr.ErrUnsupported }
func (s *Session) Interrupt()                  {}
func (s *Session) Terminate()                  {}
func (s *Session) Alive() bool                 { return false }
func (s *Session) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (s *Session) Close() error { return nil }
