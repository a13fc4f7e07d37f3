package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/PaperAgent/internal/jobs"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、按保留策略清理对话、检查点和审计记录的命令。`,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	RunE:  runInfo,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "按配置文件立即执行一次保留策略清理",
	Long:  `忽略定时任务间隔，立即执行一次 jobs.retention 策略：过期对话轮次、过期检查点与旧审计记录。`,
	RunE:  runPrune,
}

var pruneAuditCmd = &cobra.Command{
	Use:   "prune-audit",
	Short: "清理审计记录",
	Long:  `删除早于指定天数的审计记录。`,
	RunE:  runPruneAudit,
}

var keepAuditDays int

func init() {
	pruneAuditCmd.Flags().IntVar(&keepAuditDays, "days", 0, "保留最近 N 天的记录")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneCmd)
	storageCmd.AddCommand(pruneAuditCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
	}

	var dbSizeStr string
	info, err := os.Stat(dbPath)
	switch {
	case os.IsNotExist(err):
		dbSizeStr = "Not Found (Will be created on first run)"
	case err != nil:
		dbSizeStr = fmt.Sprintf("Error: %v", err)
	default:
		sizeMB := float64(info.Size()) / 1024 / 1024
		dbSizeStr = fmt.Sprintf("%.2f MB (%s)", sizeMB, dbPath)
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Database File: %s\n", dbSizeStr)
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer store.Close()

	counts, err := store.CountTables(ctx)
	if err != nil {
		return err
	}
	queued, _ := store.CountIngestJobs(ctx, storage.JobQueued)
	failed, _ := store.CountIngestJobs(ctx, storage.JobFailed)

	fmt.Printf("Database File: %s\n\n", dbSizeStr)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", c.Table, c.Count)
	}
	fmt.Fprintf(w, "\nIngest queued\t%d\n", queued)
	fmt.Fprintf(w, "Ingest failed\t%d\n", failed)
	return w.Flush()
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer store.Close()

	mgr, err := jobs.NewManager(cfg.Jobs, logger.Named("jobs"))
	if err != nil {
		return err
	}
	ret, err := jobs.NewRetentionCollector(store, logger.Named("jobs.retention"))
	if err != nil {
		return err
	}
	mgr.WithRetention(ret)

	fmt.Println("Starting prune job (this may take a while)...")
	fmt.Printf("Policy: turns older than %s, audit older than %s, expired checkpoints\n",
		cfg.Jobs.Retention.TurnRetention, cfg.Jobs.Retention.AuditRetention)
	if err := ret.RunOnce(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	fmt.Println("Prune completed successfully.")
	return nil
}

func runPruneAudit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if keepAuditDays <= 0 {
		_ = cmd.Usage()
		return errors.New("must specify --days")
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer store.Close()

	before := time.Now().UTC().AddDate(0, 0, -keepAuditDays)
	fmt.Printf("Pruning audit records older than %d days (before %s)...\n", keepAuditDays, before.Format(time.RFC3339))

	var deleted int64
	for {
		n, err := store.DeleteAuditRecordsBeforeLimited(ctx, before, 1000)
		if err != nil {
			return fmt.Errorf("prune audit records: %w", err)
		}
		deleted += n
		if n == 0 {
			break
		}
	}
	fmt.Printf("Prune completed. Deleted %d records.\n", deleted)
	return nil
}
