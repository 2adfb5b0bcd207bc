package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrDegenerateLabels 表示训练集中只有单一类别。
var ErrDegenerateLabels = errors.New("标签分布退化：训练集中只有单一类别")

// Params 控制梯度提升树集成的训练。
type Params struct {
	Trees          int     `json:"trees"`
	Depth          int     `json:"depth"`
	LearningRate   float64 `json:"learning_rate"`
	Subsample      float64 `json:"subsample"`   // 每棵树的行采样比例
	ColSample      float64 `json:"col_sample"`  // 每次分裂的列采样比例
	MinChildWeight float64 `json:"min_child_weight"`
	Lambda         float64 `json:"lambda"`
	ClassWeighting bool    `json:"class_weighting"` // 屏障标签天然偏斜，建议开启
	Seed           int64   `json:"seed"`
}

// DefaultParams 返回默认训练参数。
func DefaultParams() Params {
	return Params{
		Trees:          150,
		Depth:          3,
		LearningRate:   0.08,
		Subsample:      0.8,
		ColSample:      0.8,
		MinChildWeight: 5,
		Lambda:         1.0,
		ClassWeighting: true,
		Seed:           42,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.Trees <= 0 {
		p.Trees = def.Trees
	}
	if p.Depth <= 0 {
		p.Depth = def.Depth
	}
	if p.LearningRate <= 0 {
		p.LearningRate = def.LearningRate
	}
	if p.Subsample <= 0 || p.Subsample > 1 {
		p.Subsample = def.Subsample
	}
	if p.ColSample <= 0 || p.ColSample > 1 {
		p.ColSample = def.ColSample
	}
	if p.MinChildWeight <= 0 {
		p.MinChildWeight = def.MinChildWeight
	}
	if p.Lambda < 0 {
		p.Lambda = def.Lambda
	}
	return p
}

// Ensemble 是训练后的梯度提升树集成（二分类，输出 P(outcome=1)）。
type Ensemble struct {
	Params       Params      `json:"params"`
	FeatureNames []string    `json:"feature_names"`
	Base         float64     `json:"base"` // 初始对数几率
	Trees        []*treeNode `json:"trees"`
}

// Train 在特征矩阵与 0/1 标签上训练集成。
func Train(rows [][]float64, labels []int, featureNames []string, params Params) (*Ensemble, error) {
	if len(rows) == 0 || len(rows) != len(labels) {
		return nil, fmt.Errorf("训练数据非法: rows=%d labels=%d", len(rows), len(labels))
	}
	p := params.withDefaults()
	nPos := 0
	for _, y := range labels {
		if y == 1 {
			nPos++
		}
	}
	nNeg := len(labels) - nPos
	if nPos == 0 || nNeg == 0 {
		return nil, fmt.Errorf("%w: pos=%d neg=%d", ErrDegenerateLabels, nPos, nNeg)
	}

	// 类别重加权：w_pos·nPos == w_neg·nNeg
	wPos, wNeg := 1.0, 1.0
	if p.ClassWeighting {
		n := float64(len(labels))
		wPos = n / (2 * float64(nPos))
		wNeg = n / (2 * float64(nNeg))
	}
	weights := make([]float64, len(labels))
	for i, y := range labels {
		if y == 1 {
			weights[i] = wPos
		} else {
			weights[i] = wNeg
		}
	}

	base := math.Log(float64(nPos)*wPos/(float64(nNeg)*wNeg) + 1e-12)
	scores := make([]float64, len(rows))
	for i := range scores {
		scores[i] = base
	}

	rng := rand.New(rand.NewSource(p.Seed))
	grad := make([]float64, len(rows))
	hess := make([]float64, len(rows))
	ens := &Ensemble{Params: p, FeatureNames: featureNames, Base: base}

	for t := 0; t < p.Trees; t++ {
		for i := range rows {
			prob := sigmoid(scores[i])
			y := float64(labels[i])
			grad[i] = weights[i] * (prob - y)
			hess[i] = weights[i] * prob * (1 - prob)
		}
		indices := sampleRows(len(rows), p.Subsample, rng)
		builder := &treeBuilder{
			rows:     rows,
			grad:     grad,
			hess:     hess,
			maxDepth: p.Depth,
			minChild: p.MinChildWeight,
			lambda:   p.Lambda,
			rng:      rng,
			colFrac:  p.ColSample,
		}
		tree := builder.build(indices, 0)
		ens.Trees = append(ens.Trees, tree)
		for i, row := range rows {
			scores[i] += p.LearningRate * tree.predict(row)
		}
	}
	return ens, nil
}

// PredictProba 返回单样本 P(outcome=1)。
func (e *Ensemble) PredictProba(x []float64) float64 {
	score := e.Base
	for _, tree := range e.Trees {
		score += e.Params.LearningRate * tree.predict(x)
	}
	return sigmoid(score)
}

// PredictBatch 批量预测。
func (e *Ensemble) PredictBatch(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = e.PredictProba(row)
	}
	return out
}

func sampleRows(n int, frac float64, rng *rand.Rand) []int {
	if frac >= 1 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	k := int(frac * float64(n))
	if k < 2 {
		k = min(2, n)
	}
	perm := rng.Perm(n)
	return perm[:k]
}

func sigmoid(z float64) float64 {
	if z < -35 {
		return 0
	}
	if z > 35 {
		return 1
	}
	return 1 / (1 + math.Exp(-z))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
