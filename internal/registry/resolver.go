package registry

import (
	"context"
	"fmt"
	"strings"

	"quantcore/internal/model"
)

// Resolver 把版本号或部署指针解析为可推理的模型工件。
// version > 0 取指定版本；否则取 env 当前部署版本。
type Resolver struct {
	registry  *Registry
	artifacts model.ArtifactStore
}

func NewResolver(reg *Registry, artifacts model.ArtifactStore) (*Resolver, error) {
	if reg == nil || artifacts == nil {
		return nil, fmt.Errorf("registry/artifacts 不能为空")
	}
	return &Resolver{registry: reg, artifacts: artifacts}, nil
}

func (r *Resolver) Resolve(ctx context.Context, symbol, timeframe string, version int, env string) (*model.Artifact, error) {
	var (
		mv  ModelVersion
		err error
	)
	if version > 0 {
		mv, err = r.registry.Get(ctx, symbol, timeframe, version)
	} else {
		if strings.TrimSpace(env) == "" {
			env = "prod"
		}
		mv, err = r.registry.Deployed(ctx, symbol, timeframe, env)
	}
	if err != nil {
		return nil, err
	}
	artifact, err := r.artifacts.Load(ctx, mv.ModelID)
	if err != nil {
		return nil, fmt.Errorf("加载模型工件 %s 失败: %w", mv.ModelID, err)
	}
	return artifact, nil
}
