package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/jobs"
	"github.com/wwwzy/PaperAgent/internal/server"
)

var serveRecover bool

// serveCmd 启动 HTTP 服务与后台任务
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 PaperAgent HTTP 服务",
	Long: `启动 HTTP/SSE 服务与后台任务（入库队列、数据保留清理）。
启动时可选择恢复上次进程崩溃时仍在运行的执行。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// 2. 装配组件
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		// 3. 恢复崩溃前未完成的执行
		if serveRecover {
			recoverStale(ctx, a)
		}

		// 4. 启动后台任务
		mgr, _, err := a.newJobs(jobs.Hooks{
			OnWorkerStart: func(name string) { logger.Info("worker started", zap.String("worker", name)) },
			OnWorkerStop: func(name string, err error) {
				logger.Info("worker stopped", zap.String("worker", name), zap.Error(err))
			},
		})
		if err != nil {
			return err
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("启动任务管理器失败: %w", err)
		}

		// 5. 启动 HTTP 服务，直到收到信号
		srv, err := server.New(cfg.Server, server.Deps{
			Chat:    a.chat,
			Store:   a.store,
			Quota:   a.quota,
			Metrics: a.metrics,
			Logger:  logger.Named("server"),
		})
		if err != nil {
			mgr.Stop()
			_ = mgr.Wait()
			return err
		}
		serveErr := srv.Run(ctx)

		// 6. 优雅停止
		mgr.Stop()
		if err := mgr.Wait(); err != nil {
			return fmt.Errorf("管理器停止时发生错误: %w", err)
		}
		if serveErr != nil {
			return fmt.Errorf("HTTP 服务异常退出: %w", serveErr)
		}
		logger.Info("shutdown complete")
		return nil
	},
}

// recoverStale 从最新检查点继续执行仍处于 running 的 thread，并补记对话轮次。单个 thread 失败只记日志。
func recoverStale(ctx context.Context, a *app) {
	threads, err := a.store.ListStaleRunningThreads(ctx, time.Now().UTC().Add(-time.Minute), 50)
	if err != nil {
		logger.Warn("list stale threads failed", zap.Error(err))
		return
	}
	for _, cp := range threads {
		res, err := a.runner.Recover(ctx, cp.ThreadID, nil)
		if err != nil {
			logger.Warn("recover thread failed", zap.String("thread_id", cp.ThreadID), zap.Error(err))
			continue
		}
		logger.Info("recovered thread", zap.String("thread_id", cp.ThreadID), zap.String("status", string(res.Status)))
		if err := a.memory.Record(ctx, cp.UserID, res); err != nil {
			logger.Warn("record recovered turn failed", zap.String("thread_id", cp.ThreadID), zap.Error(err))
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveRecover, "recover", true, "启动时恢复崩溃前仍在运行的执行")
}
