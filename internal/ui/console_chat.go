package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/chat"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/tools"
)

var (
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	stepStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// ConsoleChatUI 是基于标准输入输出的 REPL。
type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
	// Width 为 Markdown 渲染的换行宽度，默认 100。
	Width int
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error {
	if u.In == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	if u.Out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}
	if opts.UserID == "" || opts.SessionID == "" {
		return fmt.Errorf("console ui: user and session are required")
	}
	out := u.Out
	reader := bufio.NewReader(u.In)
	renderer := u.renderer(opts)

	fmt.Fprintf(out, "进入 PaperAgent 对话模式（会话 %s）。输入 exit/quit 退出。\n", opts.SessionID)
	for {
		if ctx.Err() != nil {
			fmt.Fprintln(out, "已退出。")
			return nil
		}

		fmt.Fprint(out, userLabel.Render("你")+": ")
		line, err := readLine(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\n已退出。")
				return nil
			}
			return fmt.Errorf("读取输入失败: %w", err)
		}
		if line == "" {
			continue
		}
		if isExit(line) {
			fmt.Fprintln(out, "已退出。")
			return nil
		}

		req := chat.Request{SessionID: opts.SessionID, Query: line}
		for {
			turn := &turnOutput{}
			res, err := backend.Handle(ctx, opts.UserID, req, u.emitter(opts, turn))
			if turn.streamed {
				fmt.Fprintln(out)
			}
			if err != nil {
				u.printError(err)
				break
			}
			if res.Status != agent.StatusPaused {
				u.printResult(res, renderer, turn.streamed)
				break
			}

			decision, quit, err := u.confirm(reader, res)
			if err != nil {
				return err
			}
			if quit {
				fmt.Fprintln(out, "已退出。挂起的执行可稍后恢复：thread", res.ThreadID)
				return nil
			}
			req = chat.Request{SessionID: opts.SessionID, ThreadID: res.ThreadID, Decision: decision}
		}
		fmt.Fprintln(out)
	}
}

func (u *ConsoleChatUI) renderer(opts ChatOptions) *glamour.TermRenderer {
	if !opts.Markdown {
		return nil
	}
	width := u.Width
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

// turnOutput 记录一次 Handle 调用期间是否已经流式打印过回答。
type turnOutput struct {
	streamed bool
}

// emitter 在纯文本模式下逐 token 打印回答；Markdown 模式等完整回答再整体渲染。
func (u *ConsoleChatUI) emitter(opts ChatOptions, turn *turnOutput) agent.Emitter {
	return func(ev agent.Event) {
		switch ev.Type {
		case agent.EventToken:
			if opts.Markdown {
				return
			}
			if !turn.streamed {
				fmt.Fprint(u.Out, assistantLabel.Render("助手")+": ")
				turn.streamed = true
			}
			fmt.Fprint(u.Out, ev.Content)
		case agent.EventStep:
			if !opts.ShowSteps {
				return
			}
			fmt.Fprintln(u.Out, stepStyle.Render(fmt.Sprintf("  · %s", ev.Node)))
		case agent.EventToolStart:
			if !opts.ShowSteps {
				return
			}
			fmt.Fprintln(u.Out, stepStyle.Render(fmt.Sprintf("  → %s %s", ev.Tool, string(ev.Args))))
		case agent.EventToolResult:
			if !opts.ShowSteps {
				return
			}
			status := "ok"
			if ev.Success != nil && !*ev.Success {
				status = "failed: " + ev.Error
			}
			fmt.Fprintln(u.Out, stepStyle.Render(fmt.Sprintf("  ← %s %s", ev.Tool, status)))
		}
	}
}

// confirm 展示入库提议并读取 y/N；返回 quit=true 表示用户要求退出。
func (u *ConsoleChatUI) confirm(reader *bufio.Reader, res *agent.Result) (*agent.Decision, bool, error) {
	out := u.Out
	if res.Pause != nil && res.Pause.Reason == tools.ConfirmIngestReason {
		var proposal tools.IngestProposal
		if err := json.Unmarshal(res.Pause.Data, &proposal); err == nil && len(proposal.Papers) > 0 {
			fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("助手提议入库 %d 篇论文：", len(proposal.Papers))))
			for _, p := range proposal.Papers {
				fmt.Fprintf(out, "  - [%s] %s\n", p.ArxivID, p.Title)
			}
		}
	}

	fmt.Fprint(out, "确认入库？(y/N): ")
	line, err := readLine(reader)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("读取输入失败: %w", err)
	}
	if isExit(line) {
		return nil, true, nil
	}
	granted := strings.EqualFold(line, "y") || strings.EqualFold(line, "yes")
	return &agent.Decision{Declined: !granted}, false, nil
}

func (u *ConsoleChatUI) printResult(res *agent.Result, renderer *glamour.TermRenderer, streamed bool) {
	out := u.Out
	switch res.Status {
	case agent.StatusCancelled:
		fmt.Fprintln(out, warnStyle.Render("执行已取消。"))
		return
	case agent.StatusTimeout:
		fmt.Fprintln(out, warnStyle.Render("执行超时。"))
		return
	case agent.StatusFailed:
		fmt.Fprintln(out, warnStyle.Render("执行失败: "+res.Error))
		return
	}

	answer := strings.TrimSpace(res.Answer)
	if streamed {
		u.printSources(res)
		return
	}
	if answer == "" {
		fmt.Fprintln(out, assistantLabel.Render("助手")+": (无最终回复)")
		return
	}
	if renderer != nil {
		if rendered, err := renderer.Render(answer); err == nil {
			fmt.Fprintln(out, assistantLabel.Render("助手")+":")
			fmt.Fprint(out, rendered)
			u.printSources(res)
			return
		}
	}
	fmt.Fprintf(out, "%s: %s\n", assistantLabel.Render("助手"), answer)
	u.printSources(res)
}

func (u *ConsoleChatUI) printSources(res *agent.Result) {
	if res.BestEffort {
		fmt.Fprintln(u.Out, warnStyle.Render("（证据不足，以上为尽力回答）"))
	}
	for _, c := range res.Citations {
		fmt.Fprintln(u.Out, stepStyle.Render(fmt.Sprintf("  [%d] %s %s", c.Marker, c.ArxivID, c.Title)))
	}
}

func (u *ConsoleChatUI) printError(err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		fmt.Fprintln(u.Out, warnStyle.Render(fmt.Sprintf("今日额度已用完（剩余 %d）。", exceeded.Remaining)))
		return
	}
	fmt.Fprintln(u.Out, warnStyle.Render("错误: "+err.Error()))
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line != "" && errors.Is(err, io.EOF) {
		return line, nil
	}
	return line, err
}

func isExit(line string) bool {
	switch strings.ToLower(line) {
	case "exit", "quit":
		return true
	}
	return false
}
