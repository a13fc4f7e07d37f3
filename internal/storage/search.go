package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// ScoredChunk 为单路检索的命中结果，按相关性降序排列。
type ScoredChunk struct {
	ChunkID uint64
	// Score 越大越相关（全文检索时为 -bm25）。
	Score float64
}

var ftsTokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// FullTextSearch 基于 FTS5 的 bm25 做关键词检索。
//
// 用户输入会被切成词并逐个加引号后以 OR 连接，避免 FTS5 查询语法注入（例如 "AND"、"*"、括号）。
func (s *Storage) FullTextSearch(ctx context.Context, query string, limit int) ([]ScoredChunk, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	type row struct {
		ChunkID uint64
		Rank    float64
	}
	var rows []row
	err := s.db.WithContext(ctx).Raw(
		"SELECT chunk_id, bm25(chunks_fts) AS rank FROM chunks_fts WHERE chunks_fts MATCH ? ORDER BY rank ASC LIMIT ?",
		match, normalizeLimit(limit),
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("full text search: %w", err)
	}

	out := make([]ScoredChunk, 0, len(rows))
	for _, r := range rows {
		// bm25() 越小越相关，取反后与向量分数方向一致。
		out = append(out, ScoredChunk{ChunkID: r.ChunkID, Score: -r.Rank})
	}
	return out, nil
}

func ftsMatchExpr(query string) string {
	tokens := ftsTokenRe.FindAllString(strings.ToLower(query), -1)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// VectorSearch 对全部块的向量做暴力余弦相似度检索。
//
// 维度与 query 不一致的块被忽略（例如切换过 embedding 模型的历史数据）。
func (s *Storage) VectorSearch(ctx context.Context, query []float32, limit int) ([]ScoredChunk, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if len(query) == 0 {
		return nil, nil
	}

	type row struct {
		ID        uint64
		Embedding []byte
	}
	rows, err := s.db.WithContext(ctx).Model(&Chunk{}).
		Select("id, embedding").
		Where("embedding_dim = ?", len(query)).
		Rows()
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.Embedding); err != nil {
			return nil, fmt.Errorf("scan chunk embedding: %w", err)
		}
		vec := DecodeEmbedding(r.Embedding)
		if len(vec) != len(query) {
			continue
		}
		out = append(out, ScoredChunk{ChunkID: r.ID, Score: cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk embeddings: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Score > out[j].Score
	})
	if n := normalizeLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// EncodeEmbedding 把向量编码为 little-endian float32 字节序列。
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func DecodeEmbedding(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
