// console.go — 把会话状态树与控制台日志渲染到终端。
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/waldiez/studio/internal/runner"
	"github.com/waldiez/studio/internal/uistate"
)

type styles struct {
	sender  lipgloss.Style
	arrow   lipgloss.Style
	stderr  lipgloss.Style
	system  lipgloss.Style
	prompt  lipgloss.Style
	step    lipgloss.Style
	failure lipgloss.Style
	success lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain, plain, plain}
	}
	return styles{
		sender:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		arrow:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		stderr:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		system:  lipgloss.NewStyle().Faint(true).Italic(true),
		prompt:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		step:    lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		failure: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		success: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
	}
}

// prompt 等待用户回答的请求。step 为 true 时是单步调试指令。
type prompt struct {
	step bool
	req  uistate.ActiveRequest
}

// console 渲染器。onTree 与 onLog 可能来自不同 goroutine。
type console struct {
	out     io.Writer
	st      styles
	log     *runner.LineLog
	prompts chan prompt

	mu         sync.Mutex
	lastSeq    uint64
	messages   int
	events     int
	lastPrompt string
}

func newConsole(out io.Writer, st styles, log *runner.LineLog) *console {
	return &console{out: out, st: st, log: log, prompts: make(chan prompt, 4)}
}

// onTree 状态树订阅回调: 输出新消息与调试事件, 转交新的输入请求。不得调用控制器方法。
func (c *console) onTree(tree uistate.Tree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLogLocked()

	chat := uistate.ChatOf(tree)
	if len(chat.Messages) < c.messages {
		c.messages = 0 // 新会话重置了树
	}
	for _, msg := range chat.Messages[c.messages:] {
		c.printMessage(msg)
	}
	c.messages = len(chat.Messages)

	step := uistate.StepOf(tree)
	if len(step.EventHistory) < c.events {
		c.events = 0
	}
	for _, ev := range step.EventHistory[c.events:] {
		fmt.Fprintln(c.out, c.st.step.Render("◆ "+describeEvent(ev)))
	}
	c.events = len(step.EventHistory)
	if step.LastError != "" {
		fmt.Fprintln(c.out, c.st.failure.Render("debug error: "+step.LastError))
	}

	switch {
	case chat.ActiveRequest != nil:
		c.offer(prompt{req: *chat.ActiveRequest})
	case step.PendingControlInput != nil:
		c.offer(prompt{step: true, req: *step.PendingControlInput})
	default:
		c.lastPrompt = ""
	}
}

func (c *console) offer(p prompt) {
	key := p.req.RequestID + "\x00" + p.req.Prompt
	if key == c.lastPrompt {
		return
	}
	c.lastPrompt = key
	select {
	case c.prompts <- p:
	default:
	}
}

// onLog 执行存储事件回调: 输出新的控制台行。
func (c *console) onLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLogLocked()
}

func (c *console) flushLogLocked() {
	for _, line := range c.log.Since(c.lastSeq) {
		c.lastSeq = line.Seq
		switch line.Stream {
		case runner.StreamStderr:
			fmt.Fprintln(c.out, c.st.stderr.Render(line.Text))
		case runner.StreamSystem:
			fmt.Fprintln(c.out, c.st.system.Render(line.Text))
		default:
			// 结构化输出由消息视图呈现
			if !isStructured(line.Text) {
				fmt.Fprintln(c.out, line.Text)
			}
		}
	}
}

func (c *console) printMessage(msg map[string]any) {
	sender, recipient, text := describeMessage(msg)
	head := ""
	if sender != "" {
		head = c.st.sender.Render(sender)
		if recipient != "" {
			head += c.st.arrow.Render(" → ") + c.st.sender.Render(recipient)
		}
		head += ": "
	}
	fmt.Fprintln(c.out, head+text)
}

// result 输出最终状态, 返回进程退出码。
func (c *console) result(view uistate.SessionView) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLogLocked()
	switch {
	case view.Status == uistate.StatusError:
		msg := view.Error
		if msg == "" {
			msg = "run failed"
		}
		fmt.Fprintln(c.out, c.st.failure.Render("✗ "+msg))
		if view.ReturnCode != nil && *view.ReturnCode > 0 {
			return *view.ReturnCode
		}
		return 1
	default:
		fmt.Fprintln(c.out, c.st.success.Render("✓ "+string(view.Status)))
		return 0
	}
}

// ========================================
// 文本化
// ========================================

func isStructured(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")
}

// describeMessage 取出发送者、接收者与正文。内容可能嵌套在 content 对象中。
func describeMessage(msg map[string]any) (sender, recipient, text string) {
	sender, _ = msg["sender"].(string)
	recipient, _ = msg["recipient"].(string)
	body := msg["content"]
	if inner, ok := body.(map[string]any); ok {
		if s, ok := inner["sender"].(string); ok && sender == "" {
			sender = s
		}
		if r, ok := inner["recipient"].(string); ok && recipient == "" {
			recipient = r
		}
		if v, ok := inner["content"]; ok {
			body = v
		}
	}
	if body == nil {
		typ, _ := msg["type"].(string)
		return sender, recipient, "[" + typ + "]"
	}
	return sender, recipient, stringify(body)
}

func describeEvent(ev map[string]any) string {
	typ, _ := ev["event_type"].(string)
	if typ == "" {
		typ, _ = ev["type"].(string)
	}
	sender, _ := ev["sender"].(string)
	switch {
	case sender != "" && typ != "":
		return typ + " (" + sender + ")"
	case typ != "":
		return typ
	}
	return stringify(ev)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
