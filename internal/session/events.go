package session

import (
	"fmt"
	"strings"

	"github.com/waldiez/studio/internal/jsonextract"
	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/reconcile"
	"github.com/waldiez/studio/internal/runner"
	"github.com/waldiez/studio/internal/uistate"
	"github.com/waldiez/studio/pkg/logger"
)

// eventSink 把某一代通道的回调转交给控制器; 代数过期的事件被丢弃。
type eventSink struct {
	c   *Controller
	gen uint64
}

func (s *eventSink) OnOpen() {
	logger.Debug("session: channel open", logger.FieldSessionID, s.c.SessionID())
}

func (s *eventSink) OnEvent(ev protocol.Event) {
	taskID, ok := s.c.handle(s.gen, ev)
	if ok {
		s.c.cfg.Registry.Publish(runner.Event{TaskID: taskID, Event: ev})
	}
}

func (s *eventSink) OnClose(err error) {
	if err != nil {
		logger.Debug("session: channel closed", logger.FieldError, err)
	}
}

// handle 处理一个入站事件, 返回会话 id 以及事件是否属于当前会话。
func (c *Controller) handle(gen uint64, ev protocol.Event) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return "", false
	}
	console := c.cfg.Registry.Log()

	switch e := ev.(type) {
	case protocol.RunStatus:
		if strings.EqualFold(e.State, protocol.StateStarted) || strings.EqualFold(e.State, "running") {
			if c.status == uistate.StatusStarting {
				c.setStatusLocked(uistate.StatusRunning, nil)
			}
		}

	case protocol.RunStdout:
		console.Append(runner.StreamStdout, strings.TrimRight(e.Text, "\r\n"))
		for _, obj := range jsonextract.Extract(e.Text) {
			c.interpretLocked(obj)
		}

	case protocol.RunStderr:
		console.Append(runner.StreamStderr, strings.TrimRight(e.Text, "\r\n"))

	case protocol.CompileStart:
		console.Append(runner.StreamSystem, "compiling "+e.Source)
	case protocol.CompileEnd:
		console.Append(runner.StreamSystem, "compiled "+e.Output)
	case protocol.CompileError:
		console.Append(runner.StreamSystem, "compile error: "+e.Message)
		c.setStatusLocked(uistate.StatusError, uistate.Tree{"error": e.Message})

	case protocol.StdinAck:
		logger.Debug("session: stdin acknowledged", logger.FieldRequestID, e.RequestID)
	case protocol.StdinError:
		console.Append(runner.StreamSystem, "stdin error: "+e.Error)

	case protocol.ErrorEvent:
		msg := e.Message
		if e.Details != "" {
			msg += ": " + e.Details
		}
		console.Append(runner.StreamSystem, msg)
		c.applyLocked(uistate.Tree{uistate.KeySession: uistate.Tree{"error": msg}})

	case protocol.Diagnostic:
		console.Append(runner.StreamSystem, fmt.Sprintf("[%s] %v", e.Kind, e.Data))

	case protocol.RunEnd:
		rc := e.ReturnCode
		console.Append(runner.StreamSystem, fmt.Sprintf("process exited with code %d (%d ms)", rc, e.ElapsedMs))
		if (e.Status == protocol.StatusError || rc != 0) && !c.interrupted {
			c.finishLocked(uistate.StatusError, &rc, fmt.Sprintf("process exited with code %d", rc))
		} else {
			c.finishLocked(uistate.StatusCompleted, &rc, "")
		}

	case protocol.Disconnected:
		switch c.status {
		case uistate.StatusStarting, uistate.StatusRunning:
			msg := "connection closed"
			if e.Err != nil {
				msg = e.Err.Error()
			}
			c.finishLocked(uistate.StatusError, nil, msg)
		default:
			c.finishLocked(c.status, nil, "")
		}

	case protocol.Unrecognized:
		logger.Debug("session: unrecognized frame", logger.FieldFrameType, e.Type)
	}
	return c.sessionID, true
}

// finishLocked 终态处理: 清除活动请求, 两个分支都置为非活动, 与通道脱离。
func (c *Controller) finishLocked(s uistate.Status, rc *int, errMsg string) {
	c.gen++
	c.detachLocked()
	c.applyLocked(inactivePatch())
	extra := uistate.Tree{}
	if rc != nil {
		extra["returnCode"] = *rc
	}
	if errMsg != "" && c.status != uistate.StatusError {
		extra["error"] = errMsg
	}
	c.setStatusLocked(s, extra)
	logger.Info("session: finished", logger.FieldSessionID, c.sessionID, logger.FieldStatus, string(c.status))
}

// interpretLocked 识别 stdout 中的一个对象并转为状态补丁。
func (c *Controller) interpretLocked(obj map[string]any) {
	n := uistate.Normalize(obj, c.mode)
	switch n.Kind {
	case uistate.KindChatMessage:
		c.applyLocked(uistate.Tree{uistate.KeyChat: uistate.Tree{"messages": []any{obj}}})

	case uistate.KindParticipants:
		c.applyLocked(uistate.Tree{uistate.KeyChat: uistate.Tree{"participants": reconcile.Set(n.Data)}})

	case uistate.KindTimeline:
		c.applyLocked(uistate.Tree{uistate.KeyChat: uistate.Tree{"timeline": reconcile.Set(n.Data)}})

	case uistate.KindInputRequest:
		c.lastRequestID = n.RequestID
		req := &uistate.ActiveRequest{RequestID: n.RequestID, Prompt: n.Prompt, Password: n.Password}
		c.applyLocked(uistate.Tree{
			uistate.KeyChat:    uistate.Tree{"activeRequest": reconcile.Set(req.Tree())},
			uistate.KeySession: uistate.Tree{"requestId": n.RequestID},
		})

	case uistate.KindDebugInputRequest:
		c.lastRequestID = n.RequestID
		req := &uistate.ActiveRequest{RequestID: n.RequestID, Prompt: n.Prompt}
		c.applyLocked(uistate.Tree{
			uistate.KeyStep:    uistate.Tree{"pendingControlInput": reconcile.Set(req.Tree())},
			uistate.KeySession: uistate.Tree{"requestId": n.RequestID},
		})

	case uistate.KindDebugEvent:
		c.applyLocked(uistate.Tree{uistate.KeyStep: uistate.Tree{
			"eventHistory": []any{n.Data},
			"currentEvent": reconcile.Set(n.Data),
		}})

	case uistate.KindDebugBreakpoints:
		bps, _ := n.Data.([]string)
		c.applyLocked(uistate.Tree{uistate.KeyStep: uistate.Tree{"breakpoints": stringsToAny(bps)}})

	case uistate.KindDebugStats:
		c.applyLocked(uistate.Tree{uistate.KeyStep: uistate.Tree{"stats": reconcile.Set(n.Data)}})

	case uistate.KindDebugHelp:
		c.applyLocked(uistate.Tree{uistate.KeyStep: uistate.Tree{"help": reconcile.Set(n.Data)}})

	case uistate.KindDebugError:
		c.applyLocked(uistate.Tree{uistate.KeyStep: uistate.Tree{"lastError": n.Data}})

	case uistate.KindDebugPrint:
		// 只进控制台, stdout 行已追加

	default:
		logger.Debug("session: dropped object", "type", n.Type)
	}
}
