// Package retrieval 实现向量 + 全文的混合检索，以及基于排名的 RRF 融合。
package retrieval

import (
	"sort"
)

const (
	MethodVector = "vector"
	MethodText   = "fulltext"
)

// Hit 是单路检索结果中的一项。Rank 由在列表中的位置决定（从 1 开始）。
type Hit struct {
	ID    uint64
	Score float64
}

// RankedList 是某一种检索方法按相关性降序返回的结果。
type RankedList struct {
	Method string
	Hits   []Hit
}

// Fused 为融合后的条目，保留每一路的原始分数与名次，便于观测与调参。
type Fused struct {
	ID           uint64
	Score        float64
	MethodScores map[string]float64
	MethodRanks  map[string]int
}

// Fuse 使用 Reciprocal Rank Fusion 合并多路排序：score = Σ 1/(k + rank)。
//
// 同一 ID 在一路中重复出现时只取第一次（名次最好）的位置。
// 融合分相同时：出现在更多列表中的优先，其次最好名次更靠前的优先，最后按 ID 升序，保证结果稳定。
func Fuse(k int, topK int, lists ...RankedList) []Fused {
	if k <= 0 {
		k = 60
	}

	byID := make(map[uint64]*Fused)
	order := make([]uint64, 0)
	for _, list := range lists {
		seen := make(map[uint64]bool, len(list.Hits))
		rank := 0
		for _, h := range list.Hits {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			rank++

			f, ok := byID[h.ID]
			if !ok {
				f = &Fused{ID: h.ID, MethodScores: map[string]float64{}, MethodRanks: map[string]int{}}
				byID[h.ID] = f
				order = append(order, h.ID)
			}
			f.Score += 1.0 / float64(k+rank)
			f.MethodScores[list.Method] = h.Score
			f.MethodRanks[list.Method] = rank
		}
	}

	out := make([]Fused, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.MethodRanks) != len(b.MethodRanks) {
			return len(a.MethodRanks) > len(b.MethodRanks)
		}
		if ba, bb := bestRank(a), bestRank(b); ba != bb {
			return ba < bb
		}
		return a.ID < b.ID
	})

	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func bestRank(f Fused) int {
	best := 0
	for _, r := range f.MethodRanks {
		if best == 0 || r < best {
			best = r
		}
	}
	return best
}
