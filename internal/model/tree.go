package model

import (
	"math"
	"math/rand"
	"sort"
)

// treeNode 是回归树节点。叶子输出为对数几率增量。
type treeNode struct {
	Feature   int       `json:"f,omitempty"`
	Threshold float64   `json:"t,omitempty"`
	Left      *treeNode `json:"l,omitempty"`
	Right     *treeNode `json:"r,omitempty"`
	Leaf      bool      `json:"leaf,omitempty"`
	Value     float64   `json:"v,omitempty"`
}

func (n *treeNode) predict(x []float64) float64 {
	cur := n
	for !cur.Leaf {
		if x[cur.Feature] <= cur.Threshold {
			cur = cur.Left
		} else {
			cur = cur.Right
		}
	}
	return cur.Value
}

// treeBuilder 以梯度/黑塞统计量构建定深回归树（XGBoost 风格的增益）。
type treeBuilder struct {
	rows     [][]float64
	grad     []float64
	hess     []float64
	maxDepth int
	minChild float64 // 叶子最小黑塞权重
	lambda   float64 // L2 正则
	rng      *rand.Rand
	colFrac  float64 // 每次分裂的特征采样比例
}

func (b *treeBuilder) build(indices []int, depth int) *treeNode {
	var g, h float64
	for _, i := range indices {
		g += b.grad[i]
		h += b.hess[i]
	}
	leaf := &treeNode{Leaf: true, Value: leafValue(g, h, b.lambda)}
	if depth >= b.maxDepth || len(indices) < 2 || h < 2*b.minChild {
		return leaf
	}
	feat, thr, ok := b.bestSplit(indices, g, h)
	if !ok {
		return leaf
	}
	var left, right []int
	for _, i := range indices {
		if b.rows[i][feat] <= thr {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return leaf
	}
	return &treeNode{
		Feature:   feat,
		Threshold: thr,
		Left:      b.build(left, depth+1),
		Right:     b.build(right, depth+1),
	}
}

func (b *treeBuilder) bestSplit(indices []int, gTot, hTot float64) (int, float64, bool) {
	nFeat := len(b.rows[0])
	cols := b.sampleColumns(nFeat)
	parent := gTot * gTot / (hTot + b.lambda)

	bestGain := 1e-7
	bestFeat, bestThr := -1, 0.0
	order := make([]int, len(indices))
	for _, f := range cols {
		copy(order, indices)
		sort.Slice(order, func(a, c int) bool { return b.rows[order[a]][f] < b.rows[order[c]][f] })
		var gl, hl float64
		for k := 0; k < len(order)-1; k++ {
			i := order[k]
			gl += b.grad[i]
			hl += b.hess[i]
			cur, next := b.rows[i][f], b.rows[order[k+1]][f]
			if cur == next {
				continue
			}
			gr, hr := gTot-gl, hTot-hl
			if hl < b.minChild || hr < b.minChild {
				continue
			}
			gain := gl*gl/(hl+b.lambda) + gr*gr/(hr+b.lambda) - parent
			if gain > bestGain {
				bestGain = gain
				bestFeat = f
				bestThr = (cur + next) / 2
			}
		}
	}
	if bestFeat < 0 {
		return 0, 0, false
	}
	return bestFeat, bestThr, true
}

func (b *treeBuilder) sampleColumns(nFeat int) []int {
	if b.colFrac >= 1 || b.colFrac <= 0 {
		all := make([]int, nFeat)
		for i := range all {
			all[i] = i
		}
		return all
	}
	k := int(math.Ceil(b.colFrac * float64(nFeat)))
	if k < 1 {
		k = 1
	}
	perm := b.rng.Perm(nFeat)
	cols := perm[:k]
	sort.Ints(cols)
	return cols
}

func leafValue(g, h, lambda float64) float64 {
	denom := h + lambda
	if denom <= 0 {
		return 0
	}
	v := -g / denom
	// 限幅，防止极小黑塞导致的发散叶子
	if v > 4 {
		v = 4
	}
	if v < -4 {
		v = -4
	}
	return v
}
