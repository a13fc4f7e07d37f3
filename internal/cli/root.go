package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/config"
	"github.com/wwwzy/PaperAgent/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "paperagent",
	Short: "PaperAgent 是一个基于论文语料库的研究助手",
	Long: `PaperAgent 在本地论文语料库上做混合检索，并通过工具调用
（arXiv 检索、引用探索、论文摘要、入库）回答研究问题，回答附带引用。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.LogLevel)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute 由 main.main() 调用，只需调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.paperagent/config.yaml 搜索）")
}
