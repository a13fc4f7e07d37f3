package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wwwzy/PaperAgent/internal/ui"
)

var (
	chatUser      string
	chatSession   string
	chatShowSteps bool
	chatPlain     bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式对话模式",
	Long: `进入一个控制台 REPL，用自然语言检索和讨论语料库中的论文。
在必要时，Agent 会调用内置工具；入库新论文前会请求确认。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		session := chatSession
		if session == "" {
			session = uuid.NewString()
		}

		console := &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		if err := console.Run(ctx, a.chat, ui.ChatOptions{
			UserID:    chatUser,
			SessionID: session,
			ShowSteps: chatShowSteps,
			Markdown:  !chatPlain,
		}); err != nil {
			return fmt.Errorf("对话异常退出: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "用户 ID（用于额度与会话归属）")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "会话 ID，留空则新建会话")
	chatCmd.Flags().BoolVar(&chatShowSteps, "steps", false, "打印节点与工具调用过程")
	chatCmd.Flags().BoolVar(&chatPlain, "plain", false, "不渲染 Markdown")
}
