package model

import (
	"fmt"
	"math"
)

// Calibrator 将原始集成得分映射为带方向的置信度。
// 采用 Platt 缩放 p' = sigmoid(A·logit(p) + B)，训练时强制 A > 0，
// 因此映射严格单调，不会颠倒原始得分的排序（可测试性质）。
type Calibrator struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// FitCalibrator 在验证集（原始概率 + 标签）上拟合 Platt 参数。
// 用带 L2 的梯度下降，标签按 Platt 原文做先验平滑。
func FitCalibrator(probs []float64, labels []int) (*Calibrator, error) {
	if len(probs) == 0 || len(probs) != len(labels) {
		return nil, fmt.Errorf("校准数据非法: probs=%d labels=%d", len(probs), len(labels))
	}
	nPos, nNeg := 0, 0
	for _, y := range labels {
		if y == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		// 单一类别无法拟合，退化为恒等映射
		return &Calibrator{A: 1, B: 0}, nil
	}
	// Platt 目标平滑
	tPos := (float64(nPos) + 1) / (float64(nPos) + 2)
	tNeg := 1 / (float64(nNeg) + 2)

	xs := make([]float64, len(probs))
	ts := make([]float64, len(probs))
	for i, p := range probs {
		xs[i] = logit(p)
		if labels[i] == 1 {
			ts[i] = tPos
		} else {
			ts[i] = tNeg
		}
	}

	a, b := 1.0, 0.0
	lr := 0.05
	const l2 = 1e-3
	for iter := 0; iter < 400; iter++ {
		var gradA, gradB float64
		for i, x := range xs {
			p := sigmoid(a*x + b)
			diff := p - ts[i]
			gradA += diff * x
			gradB += diff
		}
		n := float64(len(xs))
		gradA = gradA/n + l2*a
		gradB = gradB / n
		a -= lr * gradA
		b -= lr * gradB
		// 单调性约束：斜率不许为非正
		if a < 1e-6 {
			a = 1e-6
		}
	}
	return &Calibrator{A: a, B: b}, nil
}

// Calibrate 返回校准后的 P(outcome=1)。
func (c *Calibrator) Calibrate(raw float64) float64 {
	if c == nil {
		return raw
	}
	return sigmoid(c.A*logit(raw) + c.B)
}

// Prediction 是方向 + 置信度形式的最终输出。
type Prediction struct {
	Prob       float64 `json:"prob"`       // 校准后 P(outcome=1)
	Side       string  `json:"side"`       // long / short
	Confidence float64 `json:"confidence"` // ∈ [0.5, 1.0]
}

// Resolve 把校准概率转成方向与置信度：
// confidence = max(p, 1-p)，p ≥ 0.5 记 long，否则 short。
func (c *Calibrator) Resolve(raw float64) Prediction {
	p := c.Calibrate(raw)
	pred := Prediction{Prob: p}
	if p >= 0.5 {
		pred.Side = "long"
		pred.Confidence = p
	} else {
		pred.Side = "short"
		pred.Confidence = 1 - p
	}
	return pred
}

func logit(p float64) float64 {
	const eps = 1e-9
	if p < eps {
		p = eps
	}
	if p > 1-eps {
		p = 1 - eps
	}
	return math.Log(p / (1 - p))
}
