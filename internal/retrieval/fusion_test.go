package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseBothListsOutrankSingle(t *testing.T) {
	// 1 在两路都排第 1；2 只在向量排第 2；3 只在全文排第 2。
	vec := RankedList{Method: MethodVector, Hits: []Hit{{ID: 1, Score: 0.9}, {ID: 2, Score: 0.8}}}
	text := RankedList{Method: MethodText, Hits: []Hit{{ID: 1, Score: 7}, {ID: 3, Score: 5}}}

	out := Fuse(60, 10, vec, text)
	require.Len(t, out, 3)
	assert.Equal(t, uint64(1), out[0].ID)
	assert.InDelta(t, 2.0/61.0, out[0].Score, 1e-12)
	assert.Equal(t, 0.9, out[0].MethodScores[MethodVector])
	assert.Equal(t, 7.0, out[0].MethodScores[MethodText])
	assert.Equal(t, 1, out[0].MethodRanks[MethodText])
}

func TestFuseEqualRanksPreferMoreLists(t *testing.T) {
	vec := RankedList{Method: MethodVector, Hits: []Hit{{ID: 10}, {ID: 20}}}
	text := RankedList{Method: MethodText, Hits: []Hit{{ID: 30}, {ID: 20}}}

	out := Fuse(60, 0, vec, text)
	require.Len(t, out, 3)
	// 20 在两路都是第 2 名：2/62 > 1/61，因此排在只出现一次的第 1 名之前。
	assert.Equal(t, uint64(20), out[0].ID)
	// 10 与 30 分数相同，按 ID 稳定排序。
	assert.Equal(t, uint64(10), out[1].ID)
	assert.Equal(t, uint64(30), out[2].ID)
}

func TestFuseDedupAndCap(t *testing.T) {
	vec := RankedList{Method: MethodVector, Hits: []Hit{{ID: 1}, {ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}
	out := Fuse(0, 3, vec)
	require.Len(t, out, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{out[0].ID, out[1].ID, out[2].ID})
	assert.Equal(t, 2, out[1].MethodRanks[MethodVector])
	assert.InDelta(t, 1.0/61.0, out[0].Score, 1e-12)
}

func TestFuseEmpty(t *testing.T) {
	assert.Empty(t, Fuse(60, 3))
	assert.Empty(t, Fuse(60, 3, RankedList{Method: MethodVector}))
}
