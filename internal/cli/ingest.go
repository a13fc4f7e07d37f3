package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wwwzy/PaperAgent/internal/jobs"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

var (
	ingestIDs   []string
	ingestQuery string
	ingestMax   int
	ingestUser  string
)

// ingestCmd 入队并立即处理入库任务
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "从 arXiv 入库论文",
	Long: `按 arXiv ID 或检索词把论文加入入库队列，并在当前进程中处理完队列。
入库计入用户当日入库额度，已在语料库中的论文会被跳过。`,
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	if len(ingestIDs) == 0 && ingestQuery == "" {
		return errors.New("must specify either --id or --query")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := resolveIngestIDs(ctx, a)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No papers to ingest.")
		return nil
	}

	if err := a.quota.Check(ctx, ingestUser, quota.KindIngest, len(ids)); err != nil {
		return err
	}

	for _, id := range ids {
		job := &storage.IngestJob{ID: uuid.NewString(), UserID: ingestUser, ArxivID: id}
		if err := a.store.EnqueueIngestJob(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
	}
	fmt.Printf("Queued %d papers, processing...\n", len(ids))

	_, workers, err := a.newJobs(jobs.Hooks{})
	if err != nil {
		return err
	}
	n, err := workers.Drain(ctx)
	if err != nil {
		return fmt.Errorf("处理入库队列失败: %w", err)
	}

	failed, _ := a.store.CountIngestJobs(ctx, storage.JobFailed)
	total, _ := a.store.CountPapers(ctx)
	fmt.Printf("Processed %d jobs (%d failed overall). Corpus now holds %d papers.\n", n, failed, total)
	return nil
}

// resolveIngestIDs 规范化 --id，并在给出 --query 时追加 arXiv 检索结果，结果去重。
func resolveIngestIDs(ctx context.Context, a *app) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	add := func(raw string) {
		id := scholar.NormalizeArxivID(raw)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, raw := range ingestIDs {
		add(raw)
	}
	if ingestQuery != "" {
		papers, err := a.arxiv.Search(ctx, ingestQuery, ingestMax)
		if err != nil {
			return nil, fmt.Errorf("search arxiv: %w", err)
		}
		for _, p := range papers {
			add(p.ArxivID)
		}
	}
	return ids, nil
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringSliceVar(&ingestIDs, "id", nil, "arXiv ID，可重复或逗号分隔")
	ingestCmd.Flags().StringVar(&ingestQuery, "query", "", "arXiv 检索词")
	ingestCmd.Flags().IntVar(&ingestMax, "max", 5, "--query 时最多入库的篇数")
	ingestCmd.Flags().StringVar(&ingestUser, "user", "local", "计入额度的用户 ID")
}
