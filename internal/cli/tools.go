package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wwwzy/PaperAgent/internal/reqctx"
)

var (
	toolsUser      string
	toolsWithModel bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "查看或直接调用 Agent 工具",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出工具目录（与提示词中的目录一致）",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, toolsWithModel)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println(a.tools.Catalog())
		return nil
	},
}

var toolsRunCmd = &cobra.Command{
	Use:   "run <tool> [json-args]",
	Short: "以 JSON 参数调用单个工具",
	Long: `绕过编排器直接调用工具，参数经过同样的 JSON Schema 校验，调用同样写入审计记录。
例如: paperagent tools run retrieve_chunks '{"query":"rank fusion"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := reqctx.WithUserID(context.Background(), toolsUser)
		a, err := openApp(ctx, toolsWithModel)
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.tools.Lookup(args[0])
		if err != nil {
			return err
		}
		raw := "{}"
		if len(args) == 2 {
			raw = args[1]
		}
		out, err := t.InvokableRun(ctx, raw)
		if err != nil {
			return fmt.Errorf("%s failed: %w", args[0], err)
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsRunCmd)
	toolsCmd.PersistentFlags().StringVar(&toolsUser, "user", "local", "调用者用户 ID（写入审计记录）")
	toolsCmd.PersistentFlags().BoolVar(&toolsWithModel, "with-model", false, "连接模型以启用 summarize_paper")
}
