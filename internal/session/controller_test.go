package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/runner"
	"github.com/waldiez/studio/internal/transport"
	"github.com/waldiez/studio/internal/uistate"
	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// ========================================
// 假通道
// ========================================

type sentOp struct {
	Op     string
	Fields map[string]any
}

type fakeTransport struct {
	mu     sync.Mutex
	opts   transport.Options
	h      transport.Handler
	sent   []sentOp
	closed int
}

func (f *fakeTransport) Send(op string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return pkgerr.ErrClosed
	}
	f.sent = append(f.sent, sentOp{op, fields})
	return nil
}

func (f *fakeTransport) Respond(p map[string]any) error {
	return f.Send(protocol.OpWaldiezRespond, map[string]any{"payload": p})
}

func (f *fakeTransport) Control(p map[string]any) error {
	return f.Send(protocol.OpWaldiezControl, map[string]any{"payload": p})
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeTransport) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) lastSent() sentOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentOp{}
	}
	return f.sent[len(f.sent)-1]
}

// emit 模拟服务端推送 run_stdout 一行。
func (f *fakeTransport) stdout(text string) { f.h.OnEvent(protocol.RunStdout{Text: text + "\n"}) }

type harness struct {
	c      *Controller
	opened []*fakeTransport
}

func newHarness(t *testing.T, saver Saver) *harness {
	t.Helper()
	h := &harness{}
	h.c = New(Config{
		Origin: "http://localhost:8000",
		Saver:  saver,
		Open: func(_ context.Context, opts transport.Options, handler transport.Handler) Transport {
			ft := &fakeTransport{opts: opts, h: handler}
			h.opened = append(h.opened, ft)
			return ft
		},
	})
	return h
}

func (h *harness) start(t *testing.T, req Request) *fakeTransport {
	t.Helper()
	if err := h.c.Start(context.Background(), req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.opened[len(h.opened)-1]
}

func (h *harness) chat() uistate.ChatView    { return uistate.ChatOf(h.c.Store().Snapshot()) }
func (h *harness) step() uistate.StepView    { return uistate.StepOf(h.c.Store().Snapshot()) }
func (h *harness) sess() uistate.SessionView { return uistate.SessionOf(h.c.Store().Snapshot()) }

// ========================================
// Start
// ========================================

func TestStart_ChatMode(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "flows/a.waldiez", Mode: uistate.ModeChat, Args: []string{"--x"}})

	if ft.opts.URL != "ws://localhost:8000/ws?path=flows%2Fa.waldiez" {
		t.Errorf("url = %q", ft.opts.URL)
	}
	if !reflect.DeepEqual(ft.opts.Start.Args, []string{"--x"}) {
		t.Errorf("args = %v", ft.opts.Start.Args)
	}
	if h.c.Status() != uistate.StatusStarting {
		t.Errorf("status = %s", h.c.Status())
	}
	s := h.sess()
	if s.Status != uistate.StatusStarting || s.SessionID == "" || s.TaskPath != "flows/a.waldiez" {
		t.Errorf("session view = %+v", s)
	}
	if !h.chat().Active || h.step().Active {
		t.Error("chat branch must be the active one")
	}
	if info, ok := h.c.Registry().Current(); !ok || info.ID != s.SessionID {
		t.Errorf("registry current = %+v, %v", info, ok)
	}

	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted, PID: 10})
	if h.c.Status() != uistate.StatusRunning {
		t.Errorf("status after started = %s", h.c.Status())
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{"chat", Request{Mode: uistate.ModeChat, Args: []string{"a"}}, []string{"a"}},
		{"step", Request{Mode: uistate.ModeStep}, []string{"--step"}},
		{"step breakpoints", Request{Mode: uistate.ModeStep, Breakpoints: []string{"event:text", "agent:user"}},
			[]string{"--step", "--breakpoints", "event:text,agent:user"}},
		{"checkpoint", Request{Mode: uistate.ModeStep, Checkpoint: "cp1"}, []string{"--step", "--checkpoint", "cp1"}},
		{"chat ignores breakpoints", Request{Mode: uistate.ModeChat, Breakpoints: []string{"x"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildArgs(tt.req); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildArgs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.Start(context.Background(), Request{}); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Errorf("empty path err = %v", err)
	}
	if err := h.c.Start(context.Background(), Request{Path: "a", Mode: "other"}); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Errorf("bad mode err = %v", err)
	}
	if len(h.opened) != 0 {
		t.Error("no channel may be opened on invalid input")
	}
}

func TestStart_SaveFailureLeavesStateUnchanged(t *testing.T) {
	saveErr := errors.New("disk full")
	h := newHarness(t, SaverFunc(func(context.Context, string, string) error { return saveErr }))

	err := h.c.Start(context.Background(), Request{Path: "a.waldiez", Contents: "{}"})
	if !errors.Is(err, saveErr) || pkgerr.CodeOf(err) != "SAVE_FAILED" {
		t.Fatalf("err = %v (code %q)", err, pkgerr.CodeOf(err))
	}
	if h.c.Status() != uistate.StatusIdle || len(h.opened) != 0 {
		t.Errorf("status = %s, opened = %d", h.c.Status(), len(h.opened))
	}
}

func TestStart_SavesContentsFirst(t *testing.T) {
	var saved string
	h := newHarness(t, SaverFunc(func(_ context.Context, path, contents string) error {
		saved = path + ":" + contents
		return nil
	}))
	h.start(t, Request{Path: "a.waldiez", Contents: `{"flow":1}`})
	if saved != `a.waldiez:{"flow":1}` {
		t.Errorf("saved = %q", saved)
	}
}

func TestStart_TearsDownPreviousSession(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start(t, Request{Path: "a.waldiez"})
	first.stdout(`{"type":"text","id":"m1","content":"old"}`)

	second := h.start(t, Request{Path: "b.waldiez", Mode: uistate.ModeStep, Breakpoints: []string{"bp"}})
	if first.closedCount() != 1 {
		t.Errorf("previous channel closed %d times, want 1", first.closedCount())
	}
	if second.closedCount() != 0 {
		t.Error("new channel must stay open")
	}
	if got := len(h.chat().Messages); got != 0 {
		t.Errorf("messages after reset = %d", got)
	}
	if bp := h.step().Breakpoints; !reflect.DeepEqual(bp, []string{"bp"}) {
		t.Errorf("breakpoints = %v", bp)
	}

	// 旧通道迟到的事件被忽略
	first.stdout(`{"type":"text","id":"m2","content":"late"}`)
	first.h.OnEvent(protocol.RunEnd{Status: protocol.StatusError, ReturnCode: 1})
	if len(h.chat().Messages) != 0 || h.c.Status() != uistate.StatusStarting {
		t.Errorf("stale events leaked: msgs=%d status=%s", len(h.chat().Messages), h.c.Status())
	}
}

// ========================================
// chat
// ========================================

func TestChat_MessagesAndInputRequest(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})

	ft.stdout(`{"type":"text","id":"m1","content":"hello"} {"type":"tool_call","id":"m2"}`)
	ft.stdout(`{"type":"text","id":"m1","content":"dup"}`)
	ft.stdout(`{"type":"print","data":"{\"participants\":[{\"name\":\"user\"}]}"}`)
	ft.stdout(`{"type":"unknown_thing"}`)
	ft.stdout(`plain log line`)
	ft.stdout(`{"type":"input_request","request_id":"r-7","prompt":"> "}`)

	chat := h.chat()
	if len(chat.Messages) != 2 || chat.Messages[0]["content"] != "hello" {
		t.Errorf("messages = %v", chat.Messages)
	}
	if len(chat.Participants) != 1 {
		t.Errorf("participants = %v", chat.Participants)
	}
	if chat.ActiveRequest == nil || chat.ActiveRequest.RequestID != "r-7" || chat.ActiveRequest.Prompt != "> " {
		t.Fatalf("active request = %+v", chat.ActiveRequest)
	}
	if h.sess().RequestID != "r-7" {
		t.Errorf("session.requestId = %q", h.sess().RequestID)
	}
	if n := h.c.Registry().Log().Len(); n != 6 {
		t.Errorf("console lines = %d, want 6", n)
	}

	if err := h.c.Respond(Reply{RequestID: UnknownRequestID, Data: "yes"}); err != nil {
		t.Fatal(err)
	}
	sent := ft.lastSent()
	if sent.Op != protocol.OpWaldiezRespond {
		t.Fatalf("op = %s", sent.Op)
	}
	payload := sent.Fields["payload"].(map[string]any)
	if payload["type"] != "input_response" || payload["request_id"] != "r-7" || payload["data"] != "yes" {
		t.Errorf("payload = %v", payload)
	}
	if h.chat().ActiveRequest != nil {
		t.Error("active request must be cleared after reply")
	}

	// 显式 id 原样发送
	_ = h.c.Respond(Reply{RequestID: "explicit", Data: "x"})
	if got := ft.lastSent().Fields["payload"].(map[string]any)["request_id"]; got != "explicit" {
		t.Errorf("request_id = %v", got)
	}
}

func TestChat_ReplyWithoutIDUsesLastRequest(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})
	ft.stdout(`{"type":"input_request","request_id":"r-42","prompt":"name?"}`)

	if err := h.c.Respond(Reply{Data: "bob"}); err != nil {
		t.Fatal(err)
	}
	sent := ft.lastSent()
	if sent.Op != protocol.OpWaldiezRespond {
		t.Fatalf("op = %s", sent.Op)
	}
	payload := sent.Fields["payload"].(map[string]any)
	if payload["request_id"] != "r-42" || payload["data"] != "bob" {
		t.Errorf("payload = %v", payload)
	}
	if h.chat().ActiveRequest != nil {
		t.Error("active request must be cleared after reply")
	}
}

func TestChat_TruncatedLineYieldsNothing(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})
	ft.stdout(`{"type":"tool_response","content":[{"type":"text","id":"n1","content":"x"},{"type":"input_request","request_id":"r-x","prompt":"pwd?"} ...[truncated]`)

	chat := h.chat()
	if len(chat.Messages) != 0 {
		t.Errorf("messages = %v, want none", chat.Messages)
	}
	if chat.ActiveRequest != nil {
		t.Errorf("active request = %+v, want nil", chat.ActiveRequest)
	}
	if h.c.Registry().Log().Len() != 1 {
		t.Error("truncated line must still reach the console")
	}
}

func TestChat_RunEndCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})
	ft.stdout(`{"type":"input_request","request_id":"r1"}`)
	ft.h.OnEvent(protocol.RunEnd{Status: protocol.StatusOK, ReturnCode: 0, ElapsedMs: 12})

	if h.c.Status() != uistate.StatusCompleted {
		t.Errorf("status = %s", h.c.Status())
	}
	chat, step, s := h.chat(), h.step(), h.sess()
	if chat.Active || step.Active || chat.ActiveRequest != nil {
		t.Errorf("not deactivated: chat=%+v step=%+v", chat, step)
	}
	if s.ReturnCode == nil || *s.ReturnCode != 0 {
		t.Errorf("returnCode = %v", s.ReturnCode)
	}
	if ft.closedCount() != 1 {
		t.Errorf("channel closed %d times, want 1", ft.closedCount())
	}
	if _, ok := h.c.Registry().Current(); ok {
		t.Error("registry must be cleared after run_end")
	}
	if err := h.c.Respond(Reply{Data: "x"}); !errors.Is(err, pkgerr.ErrClosed) {
		t.Errorf("Respond after end err = %v", err)
	}
	// 之后的断开事件不改变状态
	ft.h.OnEvent(protocol.Disconnected{})
	if h.c.Status() != uistate.StatusCompleted {
		t.Errorf("status after late disconnect = %s", h.c.Status())
	}
}

func TestChat_NonZeroExitIsError(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})
	ft.h.OnEvent(protocol.RunEnd{Status: protocol.StatusError, ReturnCode: 2})
	if h.c.Status() != uistate.StatusError || h.sess().Error == "" {
		t.Errorf("status = %s, error = %q", h.c.Status(), h.sess().Error)
	}
}

func TestDisconnectWhileRunningIsError(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})
	ft.h.OnEvent(protocol.Disconnected{Err: errors.New("reset by peer")})

	if h.c.Status() != uistate.StatusError || h.sess().Error != "reset by peer" {
		t.Errorf("status = %s error = %q", h.c.Status(), h.sess().Error)
	}
	if h.chat().Active {
		t.Error("chat still active")
	}
	// error 为吸收态
	_ = h.c.Interrupt()
	h.c.Stop()
	if h.c.Status() != uistate.StatusError {
		t.Errorf("error state left: %s", h.c.Status())
	}
}

func TestCompileErrorMovesToError(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.CompileStart{Source: "a.waldiez"})
	ft.h.OnEvent(protocol.CompileError{Message: "bad flow"})
	ft.h.OnEvent(protocol.RunEnd{Status: protocol.StatusError, ReturnCode: -1})

	s := h.sess()
	if s.Status != uistate.StatusError {
		t.Errorf("status = %s", s.Status)
	}
	if s.Error != "bad flow" {
		t.Errorf("error = %q, want the compile message kept", s.Error)
	}
}

// ========================================
// interrupt / stop
// ========================================

func TestInterruptSendsStopAndMarksCompleted(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})

	if err := h.c.Interrupt(); err != nil {
		t.Fatal(err)
	}
	if op := ft.lastSent().Op; op != protocol.OpStop {
		t.Errorf("op = %q, want stop", op)
	}
	if h.c.Status() != uistate.StatusCompleted {
		t.Errorf("status = %s", h.c.Status())
	}
	if ft.closedCount() != 0 {
		t.Error("interrupt must not close the channel")
	}
	// 远端随后以 SIGINT 退出码结束
	ft.h.OnEvent(protocol.RunEnd{Status: protocol.StatusError, ReturnCode: -2})
	if h.c.Status() != uistate.StatusCompleted {
		t.Errorf("status after run_end = %s", h.c.Status())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.c.Stop() // 空闲
	h.c.Stop()
	if h.c.Status() != uistate.StatusIdle {
		t.Errorf("idle stop changed status to %s", h.c.Status())
	}
	if err := h.c.Interrupt(); err != nil {
		t.Errorf("interrupt on idle = %v", err)
	}

	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})
	h.c.Stop()
	h.c.Stop()
	if ft.closedCount() != 1 {
		t.Errorf("closed %d times, want 1", ft.closedCount())
	}
	if h.c.Status() != uistate.StatusCompleted || h.chat().Active {
		t.Errorf("status = %s active = %v", h.c.Status(), h.chat().Active)
	}
	// 关闭后迟到的事件被忽略
	ft.stdout(`{"type":"text","id":"late"}`)
	if len(h.chat().Messages) != 0 {
		t.Error("event after stop applied")
	}
}

// ========================================
// step
// ========================================

func TestStep_Events(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez", Mode: uistate.ModeStep})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})

	ft.stdout(`{"type":"debug_event","event":{"id":"e1","type":"text","sender":"a"}}`)
	ft.stdout(`{"type":"debug_event","event":{"id":"e2","type":"tool_call"}}`)
	ft.stdout(`{"type":"debug_breakpoints_list","breakpoints":["event:text"]}`)
	ft.stdout(`{"type":"debug_stats","stats":{"events_processed":2}}`)
	ft.stdout(`{"type":"debug_error","error":"unknown command"}`)
	ft.stdout(`{"type":"debug_print","content":"hi"}`)
	ft.stdout(`{"type":"text","id":"m1","content":"chat in step mode"}`)
	ft.stdout(`{"type":"debug_input_request","request_id":"d-1","prompt":"[c]ontinue"}`)

	step := h.step()
	if len(step.EventHistory) != 2 {
		t.Fatalf("history = %v", step.EventHistory)
	}
	if step.CurrentEvent["id"] != "e2" || step.CurrentEvent["sender"] != nil {
		t.Errorf("currentEvent = %v (must be replaced, not merged)", step.CurrentEvent)
	}
	if !reflect.DeepEqual(step.Breakpoints, []string{"event:text"}) {
		t.Errorf("breakpoints = %v", step.Breakpoints)
	}
	if step.Stats["events_processed"] != float64(2) {
		t.Errorf("stats = %v", step.Stats)
	}
	if step.LastError != "unknown command" {
		t.Errorf("lastError = %q", step.LastError)
	}
	if len(h.chat().Messages) != 1 {
		t.Errorf("chat messages in step mode = %d", len(h.chat().Messages))
	}
	if step.PendingControlInput == nil || step.PendingControlInput.RequestID != "d-1" {
		t.Fatalf("pending = %+v", step.PendingControlInput)
	}

	if err := h.c.SendControl(Control{Data: "c"}); err != nil {
		t.Fatal(err)
	}
	sent := ft.lastSent()
	payload := sent.Fields["payload"].(map[string]any)
	if sent.Op != protocol.OpWaldiezControl || payload["type"] != "debug_input_response" || payload["request_id"] != "d-1" {
		t.Errorf("sent = %+v", sent)
	}
	if h.step().PendingControlInput != nil {
		t.Error("pending control input not cleared")
	}
}

func TestStep_DebugTypesIgnoredInChatMode(t *testing.T) {
	h := newHarness(t, nil)
	ft := h.start(t, Request{Path: "a.waldiez", Mode: uistate.ModeChat})
	ft.stdout(`{"type":"debug_event","event":{"id":"e1"}}`)
	if len(h.step().EventHistory) != 0 {
		t.Error("debug event interpreted in chat mode")
	}
}

func TestStep_Settings(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, Request{Path: "a.waldiez", Mode: uistate.ModeChat})
	if err := h.c.SetAutoContinue(true); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Errorf("chat mode SetAutoContinue err = %v", err)
	}

	h.start(t, Request{Path: "a.waldiez", Mode: uistate.ModeStep})
	if err := h.c.SetAutoContinue(true); err != nil {
		t.Fatal(err)
	}
	if err := h.c.SetBreakpoints([]string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	step := h.step()
	if !step.AutoContinue || !reflect.DeepEqual(step.Breakpoints, []string{"a", "b"}) {
		t.Errorf("step = %+v", step)
	}
}

func TestPublishToRegistryListeners(t *testing.T) {
	h := newHarness(t, nil)
	var got []runner.Event
	h.c.Registry().Subscribe(func(runner.Event) { panic("listener bug") })
	h.c.Registry().Subscribe(func(ev runner.Event) { got = append(got, ev) })

	ft := h.start(t, Request{Path: "a.waldiez"})
	ft.h.OnEvent(protocol.RunStatus{State: protocol.StateStarted})
	ft.stdout("hello")

	if len(got) != 2 || got[0].TaskID != h.c.SessionID() {
		t.Errorf("listener events = %+v", got)
	}
	if h.c.Status() != uistate.StatusRunning {
		t.Errorf("status = %s", h.c.Status())
	}
}

// ========================================
// HTTPSaver
// ========================================

func TestHTTPSaver(t *testing.T) {
	var gotPath, gotContents string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Query().Get("path")
		var body struct{ Contents string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotContents = body.Contents
		if gotPath == "bad.waldiez" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"invalid flow"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := HTTPSaver{Origin: srv.URL}
	if err := s.SaveFlow(context.Background(), "/dir/a.waldiez", "{}"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "dir/a.waldiez" || gotContents != "{}" {
		t.Errorf("path = %q contents = %q", gotPath, gotContents)
	}
	err := s.SaveFlow(context.Background(), "bad.waldiez", "{}")
	if err == nil || !strings.Contains(err.Error(), "invalid flow") {
		t.Errorf("err = %v", err)
	}
}
