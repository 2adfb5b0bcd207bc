package train

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantcore/internal/feature"
	"quantcore/internal/label"
	"quantcore/internal/logger"
	"quantcore/internal/market"
	"quantcore/internal/model"
	"quantcore/internal/walkforward"

	"golang.org/x/sync/errgroup"
)

// ErrModelTrainingFailure 表示没有任何一折训练成功。
var ErrModelTrainingFailure = errors.New("所有折训练均失败")

var log = logger.Scope("train")

// Dataset 是特征与标签按 K 线下标对齐后的不可变数据集。
// Row k 对应 candles[Offset+k]，一经构建只读，折间共享。
type Dataset struct {
	Offset int
	Times  []int64 // 全量 K 线开盘时间，供切分器使用
	X      [][]float64
	Y      []int
	Names  []string
}

// Len 返回对齐后的样本数。
func (d *Dataset) Len() int { return len(d.X) }

// rows 取 K 线下标区间 [from, to]（含）内有标签的样本。
func (d *Dataset) rows(from, to int) (x [][]float64, y []int) {
	for k := range d.X {
		idx := d.Offset + k
		if idx < from || idx > to {
			continue
		}
		x = append(x, d.X[k])
		y = append(y, d.Y[k])
	}
	return x, y
}

// BuildDataset 构建特征矩阵和三重障碍标签并按 K 线下标对齐。
func BuildDataset(candles []market.Candle, builder *feature.Builder, labeler *label.Labeler) (*Dataset, error) {
	frame, err := builder.Build(candles)
	if err != nil {
		return nil, fmt.Errorf("构建特征失败: %w", err)
	}
	labels, err := labeler.Run(candles)
	if err != nil {
		return nil, fmt.Errorf("标注失败: %w", err)
	}

	start := frame.Warmup
	if labels.Start > start {
		start = labels.Start
	}
	featEnd := frame.Warmup + frame.Len() - 1
	labelEnd := labels.Start + len(labels.Labels) - 1
	end := featEnd
	if labelEnd < end {
		end = labelEnd
	}
	if start > end {
		return nil, fmt.Errorf("特征与标签没有重叠区间")
	}

	ds := &Dataset{
		Offset: start,
		Times:  make([]int64, len(candles)),
		X:      make([][]float64, 0, end-start+1),
		Y:      make([]int, 0, end-start+1),
		Names:  frame.Names,
	}
	for i, c := range candles {
		ds.Times[i] = c.OpenTime
	}
	for idx := start; idx <= end; idx++ {
		ds.X = append(ds.X, frame.Rows[idx-frame.Warmup])
		ds.Y = append(ds.Y, labels.Labels[idx-labels.Start].Outcome)
	}
	return ds, nil
}

// FoldResult 单折结果。Err 非空表示该折失败并被排除出聚合。
type FoldResult struct {
	Split     walkforward.Split `json:"split"`
	Metrics   model.Metrics     `json:"metrics"`
	Threshold float64           `json:"threshold"`
	Err       string            `json:"error,omitempty"`
}

// Progress 训练进度事件。
type Progress struct {
	CurrentFold int           `json:"current_fold"`
	TotalFolds  int           `json:"total_folds"`
	Metrics     model.Metrics `json:"metrics"`
	Failed      bool          `json:"failed"`
}

// ProgressSink 接收折完成事件。实现必须是并发安全的。
type ProgressSink func(Progress)

// LogProgress 是把折进度写入日志的默认 sink。
func LogProgress(p Progress) {
	if p.Failed {
		log.Warnf("折 %d/%d 失败", p.CurrentFold, p.TotalFolds)
		return
	}
	log.Infof("折 %d/%d 完成 acc=%.3f f1=%.3f", p.CurrentFold, p.TotalFolds, p.Metrics.Accuracy, p.Metrics.F1)
}

// Runner 执行 walk-forward 训练：折间并行，共享只读数据集。
type Runner struct {
	splitter *walkforward.Splitter
	params   model.Params
	workers  int
	sink     ProgressSink
}

func NewRunner(splitter *walkforward.Splitter, params model.Params, workers int, sink ProgressSink) (*Runner, error) {
	if splitter == nil {
		return nil, fmt.Errorf("切分器不能为空")
	}
	if workers <= 0 {
		workers = 4
	}
	return &Runner{splitter: splitter, params: params, workers: workers, sink: sink}, nil
}

// Report 一次完整训练的产出。
type Report struct {
	Symbol    string        `json:"symbol"`
	Timeframe string        `json:"timeframe"`
	Summary   model.Summary `json:"summary"`
	Folds     []FoldResult  `json:"folds"`
	Artifact  *model.Artifact `json:"-"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Run 在对齐数据集上跑全部折，聚合 OOS 指标，
// 再在全量数据上训练最终模型。单折失败只记录不致命；
// 零折成功返回 ErrModelTrainingFailure。
func (r *Runner) Run(ctx context.Context, symbol string, tf market.Timeframe, ds *Dataset, labelHorizon int) (*Report, error) {
	startedAt := time.Now()
	splits, err := r.splitter.Generate(ds.Times, tf, labelHorizon)
	if err != nil {
		return nil, err
	}
	log.Infof("%s@%s 开始训练: %d 折, 样本 %d", symbol, tf.Key, len(splits), ds.Len())

	results := make([]FoldResult, len(splits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, split := range splits {
		i, split := i, split
		g.Go(func() error {
			// 取消只在折边界生效，折内训练不被打断
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runFold(split, ds)
			r.emit(i+1, len(splits), results[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var succeeded []model.Metrics
	failed := 0
	for _, res := range results {
		if res.Err != "" {
			failed++
			continue
		}
		succeeded = append(succeeded, res.Metrics)
	}
	if len(succeeded) == 0 {
		return nil, fmt.Errorf("%w: %d 折全部失败", ErrModelTrainingFailure, len(splits))
	}
	summary := model.Aggregate(succeeded, failed)

	artifact, err := r.trainFinal(symbol, tf, ds)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Symbol:    symbol,
		Timeframe: tf.Key,
		Summary:   summary,
		Folds:     results,
		Artifact:  artifact,
		Elapsed:   time.Since(startedAt),
	}
	log.Infof("%s@%s 训练完成: %d/%d 折成功, F1 %.4f±%.4f, AUC %.4f±%.4f, 耗时 %s",
		symbol, tf.Key, len(succeeded), len(splits),
		summary.F1Mean, summary.F1Std, summary.AUCMean, summary.AUCStd, report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// runFold 训练单折：训练窗拟合 + 校准 + 阈值搜索，测试窗评估。
func (r *Runner) runFold(split walkforward.Split, ds *Dataset) FoldResult {
	res := FoldResult{Split: split}

	trainX, trainY := ds.rows(split.TrainStart, split.TrainEnd)
	testX, testY := ds.rows(split.TestStart, split.TestEnd)
	if len(trainX) == 0 || len(testX) == 0 {
		res.Err = "折内样本为空"
		return res
	}

	ens, err := model.Train(trainX, trainY, ds.Names, r.params)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	trainProbs := ens.PredictBatch(trainX)
	cal, err := model.FitCalibrator(trainProbs, trainY)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	for i, p := range trainProbs {
		trainProbs[i] = cal.Calibrate(p)
	}
	threshold, _ := model.SearchF1Threshold(trainProbs, trainY)

	testProbs := ens.PredictBatch(testX)
	for i, p := range testProbs {
		testProbs[i] = cal.Calibrate(p)
	}
	res.Threshold = threshold
	res.Metrics = model.Evaluate(testProbs, testY, threshold)
	return res
}

// trainFinal 用全量样本训练部署模型。
func (r *Runner) trainFinal(symbol string, tf market.Timeframe, ds *Dataset) (*model.Artifact, error) {
	ens, err := model.Train(ds.X, ds.Y, ds.Names, r.params)
	if err != nil {
		return nil, fmt.Errorf("最终模型训练失败: %w", err)
	}
	probs := ens.PredictBatch(ds.X)
	cal, err := model.FitCalibrator(probs, ds.Y)
	if err != nil {
		return nil, fmt.Errorf("校准失败: %w", err)
	}
	for i, p := range probs {
		probs[i] = cal.Calibrate(p)
	}
	threshold, _ := model.SearchF1Threshold(probs, ds.Y)
	return &model.Artifact{
		Symbol:       symbol,
		Timeframe:    tf.Key,
		FeatureNames: ds.Names,
		Ensemble:     ens,
		Calibrator:   cal,
		Threshold:    threshold,
		TrainedAt:    time.Now().UTC(),
	}, nil
}

func (r *Runner) emit(fold, total int, res FoldResult) {
	if r.sink == nil {
		return
	}
	r.sink(Progress{
		CurrentFold: fold,
		TotalFolds:  total,
		Metrics:     res.Metrics,
		Failed:      res.Err != "",
	})
}
