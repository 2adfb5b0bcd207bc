package app

import (
	"context"
	"fmt"

	"quantcore/internal/backtest"
	qcfg "quantcore/internal/config"
	"quantcore/internal/drift"
	"quantcore/internal/logger"
	"quantcore/internal/market"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与漂移巡检。
type App struct {
	cfg     *qcfg.Config
	candles *market.Store
	results *backtest.ResultStore
	http    *backtest.HTTPServer
	drift   *drift.Supervisor
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *qcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与漂移巡检，任一退出即整体退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.http.Run(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		err := a.drift.Run(ctx)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	})

	defer a.close()
	return group.Wait()
}

// Drift 暴露漂移巡检入口，训练完成后由调用方挂载 Monitor。
func (a *App) Drift() *drift.Supervisor {
	if a == nil {
		return nil
	}
	return a.drift
}

func (a *App) close() {
	if a.candles != nil {
		if err := a.candles.Close(); err != nil {
			logger.Warnf("关闭 K 线库失败: %v", err)
		}
	}
}
