package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaperQuery 为 list_papers 的过滤条件，零值字段不参与过滤。
type PaperQuery struct {
	// Category 精确匹配 arXiv 分类（例如 cs.CL）。
	Category string
	// Contains 对标题/作者做子串匹配。
	Contains string
	// Since 只返回 Published 不早于该时间的论文。
	Since  *time.Time
	Limit  int
	Offset int
}

// ChunkView 是检索结果所需的块内容与所属论文元数据。
type ChunkView struct {
	ChunkID   uint64    `gorm:"column:chunk_id"`
	PaperID   uint64    `gorm:"column:paper_id"`
	Ordinal   int       `gorm:"column:ordinal"`
	Content   string    `gorm:"column:content"`
	ArxivID   string    `gorm:"column:arxiv_id"`
	Title     string    `gorm:"column:title"`
	Authors   string    `gorm:"column:authors"`
	Published time.Time `gorm:"column:published"`
}

// InsertPaperWithChunks 在一个事务里写入论文、全部块以及 FTS 索引行。
//
// 以 ArxivID 去重：论文已存在时不做任何修改并返回 created=false。
func (s *Storage) InsertPaperWithChunks(ctx context.Context, paper *Paper, chunks []Chunk) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotInitialized
	}
	if paper == nil {
		return false, errors.New("paper is nil")
	}
	if strings.TrimSpace(paper.ArxivID) == "" {
		return false, errors.New("paper arxiv id is required")
	}

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "arxiv_id"}},
			DoNothing: true,
		}).Create(paper)
		if res.Error != nil {
			return fmt.Errorf("insert paper: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		if len(chunks) == 0 {
			return nil
		}
		for i := range chunks {
			chunks[i].PaperID = paper.ID
		}
		if err := tx.CreateInBatches(chunks, 200).Error; err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		for i := range chunks {
			if err := tx.Exec(
				"INSERT INTO chunks_fts (content, chunk_id, paper_id) VALUES (?, ?, ?)",
				chunks[i].Content, chunks[i].ID, chunks[i].PaperID,
			).Error; err != nil {
				return fmt.Errorf("index chunk %d: %w", chunks[i].ID, err)
			}
		}
		if err := tx.Model(&Paper{}).Where("id = ?", paper.ID).
			Update("chunk_count", len(chunks)).Error; err != nil {
			return fmt.Errorf("update chunk count: %w", err)
		}
		paper.ChunkCount = len(chunks)
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *Storage) GetPaperByArxivID(ctx context.Context, arxivID string) (*Paper, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var p Paper
	err := s.db.WithContext(ctx).Where("arxiv_id = ?", arxivID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("paper", arxivID)
	}
	if err != nil {
		return nil, fmt.Errorf("get paper: %w", err)
	}
	return &p, nil
}

// ExistingArxivIDs 返回 ids 中已经在语料库里的那部分。
func (s *Storage) ExistingArxivIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []string
	if err := s.db.WithContext(ctx).Model(&Paper{}).
		Where("arxiv_id IN ?", ids).
		Pluck("arxiv_id", &found).Error; err != nil {
		return nil, fmt.Errorf("query existing papers: %w", err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// ListPapers 返回满足条件的论文（按 Published 倒序）以及不考虑分页的总数。
func (s *Storage) ListPapers(ctx context.Context, q PaperQuery) ([]Paper, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, errNotInitialized
	}

	db := s.db.WithContext(ctx).Model(&Paper{})
	if q.Category != "" {
		db = db.Where("category = ?", q.Category)
	}
	if q.Contains != "" {
		like := "%" + q.Contains + "%"
		db = db.Where("title LIKE ? OR authors LIKE ?", like, like)
	}
	if q.Since != nil {
		db = db.Where("published >= ?", *q.Since)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count papers: %w", err)
	}

	var out []Paper
	db = db.Order("published DESC").Order("id DESC").Limit(normalizeLimit(q.Limit))
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}
	if err := db.Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("list papers: %w", err)
	}
	return out, total, nil
}

func (s *Storage) CountPapers(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&Paper{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count papers: %w", err)
	}
	return n, nil
}

// GetChunks 按 ID 批量读取块及其论文元数据；返回顺序与 ids 一致，不存在的 ID 被跳过。
func (s *Storage) GetChunks(ctx context.Context, ids []uint64) ([]ChunkView, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []ChunkView
	err := s.db.WithContext(ctx).
		Table("chunks").
		Select("chunks.id AS chunk_id, chunks.paper_id, chunks.ordinal, chunks.content, papers.arxiv_id, papers.title, papers.authors, papers.published").
		Joins("JOIN papers ON papers.id = chunks.paper_id").
		Where("chunks.id IN ?", ids).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}

	byID := make(map[uint64]ChunkView, len(rows))
	for _, r := range rows {
		byID[r.ChunkID] = r
	}
	out := make([]ChunkView, 0, len(rows))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListChunksByPaper 返回某篇论文的全部块（按 Ordinal 升序）。
func (s *Storage) ListChunksByPaper(ctx context.Context, paperID uint64, limit int) ([]Chunk, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out []Chunk
	err := s.db.WithContext(ctx).
		Where("paper_id = ?", paperID).
		Order("ordinal ASC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return out, nil
}
