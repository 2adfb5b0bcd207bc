package model

import (
	"math"
	"sort"
)

// Metrics 是单折 OOS 评估结果。
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	ROCAUC    float64 `json:"roc_auc"`
	Samples   int     `json:"samples"`
	Positives int     `json:"positives"`
	Threshold float64 `json:"threshold"`
}

// Evaluate 以给定判定阈值计算全部指标。
func Evaluate(probs []float64, labels []int, threshold float64) Metrics {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	var tp, fp, tn, fn int
	for i, p := range probs {
		pred := 0
		if p >= threshold {
			pred = 1
		}
		switch {
		case pred == 1 && labels[i] == 1:
			tp++
		case pred == 1 && labels[i] == 0:
			fp++
		case pred == 0 && labels[i] == 0:
			tn++
		default:
			fn++
		}
	}
	m := Metrics{Samples: len(probs), Positives: tp + fn, Threshold: threshold}
	if m.Samples > 0 {
		m.Accuracy = float64(tp+tn) / float64(m.Samples)
	}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.ROCAUC = rocAUC(probs, labels)
	return m
}

// rocAUC 用秩统计量计算 AUC（等价于 Mann-Whitney U），并列取平均秩。
func rocAUC(probs []float64, labels []int) float64 {
	type sample struct {
		p float64
		y int
	}
	n := len(probs)
	if n == 0 {
		return 0
	}
	samples := make([]sample, n)
	nPos := 0
	for i := range probs {
		samples[i] = sample{p: probs[i], y: labels[i]}
		if labels[i] == 1 {
			nPos++
		}
	}
	nNeg := n - nPos
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].p < samples[j].p })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && samples[j].p == samples[i].p {
			j++
		}
		avg := float64(i+j+1) / 2 // 1-based 平均秩
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		i = j
	}
	var posRankSum float64
	for i, s := range samples {
		if s.y == 1 {
			posRankSum += ranks[i]
		}
	}
	u := posRankSum - float64(nPos)*float64(nPos+1)/2
	return u / (float64(nPos) * float64(nNeg))
}

// SearchF1Threshold 在验证集上寻找 F1 最大化的判定阈值。
// 候选点取所有去重后的预测值，返回最优阈值及其 F1。
func SearchF1Threshold(probs []float64, labels []int) (float64, float64) {
	if len(probs) == 0 {
		return 0.5, 0
	}
	cand := append([]float64(nil), probs...)
	sort.Float64s(cand)
	bestThr, bestF1 := 0.5, Evaluate(probs, labels, 0.5).F1
	prev := math.Inf(-1)
	for _, c := range cand {
		if c == prev || c <= 0 || c >= 1 {
			continue
		}
		prev = c
		f1 := Evaluate(probs, labels, c).F1
		if f1 > bestF1 {
			bestF1 = f1
			bestThr = c
		}
	}
	return bestThr, bestF1
}

// Summary 是跨折聚合（mean ± std），允许部分折缺失。
type Summary struct {
	Folds        int     `json:"folds"`
	FailedFolds  int     `json:"failed_folds"`
	AccuracyMean float64 `json:"accuracy_mean"`
	AccuracyStd  float64 `json:"accuracy_std"`
	PrecisionMean float64 `json:"precision_mean"`
	PrecisionStd  float64 `json:"precision_std"`
	RecallMean   float64 `json:"recall_mean"`
	RecallStd    float64 `json:"recall_std"`
	F1Mean       float64 `json:"f1_mean"`
	F1Std        float64 `json:"f1_std"`
	AUCMean      float64 `json:"auc_mean"`
	AUCStd       float64 `json:"auc_std"`
}

// Aggregate 对成功折做纯归约；failed 只计数。
func Aggregate(folds []Metrics, failed int) Summary {
	s := Summary{Folds: len(folds), FailedFolds: failed}
	if len(folds) == 0 {
		return s
	}
	acc := make([]float64, len(folds))
	prec := make([]float64, len(folds))
	rec := make([]float64, len(folds))
	f1 := make([]float64, len(folds))
	auc := make([]float64, len(folds))
	for i, m := range folds {
		acc[i], prec[i], rec[i], f1[i], auc[i] = m.Accuracy, m.Precision, m.Recall, m.F1, m.ROCAUC
	}
	s.AccuracyMean, s.AccuracyStd = meanStd(acc)
	s.PrecisionMean, s.PrecisionStd = meanStd(prec)
	s.RecallMean, s.RecallStd = meanStd(rec)
	s.F1Mean, s.F1Std = meanStd(f1)
	s.AUCMean, s.AUCStd = meanStd(auc)
	return s
}

func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}
