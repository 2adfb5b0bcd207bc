package train

import (
	"context"
	"fmt"

	"quantcore/internal/drift"
	"quantcore/internal/feature"
	"quantcore/internal/label"
	"quantcore/internal/market"
	"quantcore/internal/model"
	"quantcore/internal/registry"
)

// Service 把一次训练串成闭环：数据集 → 折训练 → 制品落盘 → 注册版本。
type Service struct {
	builder   *feature.Builder
	labeler   *label.Labeler
	runner    *Runner
	artifacts model.ArtifactStore
	registry  *registry.Registry

	drift    *drift.Supervisor
	driftCfg drift.Config
}

func NewService(builder *feature.Builder, labeler *label.Labeler, runner *Runner, artifacts model.ArtifactStore, reg *registry.Registry) (*Service, error) {
	if builder == nil || labeler == nil || runner == nil {
		return nil, fmt.Errorf("builder/labeler/runner 不能为空")
	}
	return &Service{builder: builder, labeler: labeler, runner: runner, artifacts: artifacts, registry: reg}, nil
}

// EnableDrift 让每次训练完成后把参照分布挂载到 sup。
func (s *Service) EnableDrift(sup *drift.Supervisor, cfg drift.Config) {
	s.drift = sup
	s.driftCfg = cfg
}

// Outcome 一次训练闭环的结果。
type Outcome struct {
	Report  *Report
	Version registry.ModelVersion
}

// Train 跑完整训练闭环。artifacts 或 registry 未配置时跳过对应步骤。
func (s *Service) Train(ctx context.Context, symbol string, tf market.Timeframe, candles []market.Candle) (*Outcome, error) {
	ds, err := BuildDataset(candles, s.builder, s.labeler)
	if err != nil {
		return nil, err
	}
	report, err := s.runner.Run(ctx, symbol, tf, ds, s.labeler.Horizon())
	if err != nil {
		return nil, err
	}

	s.attachDrift(report, ds)

	out := &Outcome{Report: report}
	if s.artifacts == nil {
		return out, nil
	}
	ref, err := s.artifacts.Save(ctx, report.Artifact)
	if err != nil {
		return nil, fmt.Errorf("保存模型制品失败: %w", err)
	}
	if s.registry == nil {
		return out, nil
	}
	version, err := s.registry.Register(ctx, symbol, tf.Key, ref, report.Summary, map[string]any{
		"folds":   len(report.Folds),
		"samples": ds.Len(),
	})
	if err != nil {
		return nil, err
	}
	out.Version = version
	log.Infof("%s@%s 注册为 v%d (artifact=%s)", symbol, tf.Key, version.Version, ref)
	return out, nil
}

// attachDrift 用最终模型在训练分布上的输出构建漂移参照并挂载。
// 挂载失败只降级为日志，不影响训练闭环。
func (s *Service) attachDrift(report *Report, ds *Dataset) {
	if s.drift == nil || report.Artifact == nil {
		return
	}
	rows := make([][]float64, 0, ds.Len())
	preds := make([]float64, 0, ds.Len())
	for _, row := range ds.X {
		p, err := report.Artifact.Predict(row)
		if err != nil {
			continue
		}
		rows = append(rows, row)
		preds = append(preds, p.Prob)
	}
	ref, err := drift.BuildReference(ds.Names, rows, preds, report.Summary.AccuracyMean)
	if err != nil {
		log.Warnf("构建漂移参照失败: %v", err)
		return
	}
	mon, err := drift.NewMonitor(ref, s.driftCfg)
	if err != nil {
		log.Warnf("创建漂移监控失败: %v", err)
		return
	}
	s.drift.Attach(mon)
	log.Infof("%s@%s 漂移参照已挂载 (特征=%d, 样本=%d)", report.Symbol, report.Timeframe, len(ds.Names), len(rows))
}
