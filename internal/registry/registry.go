package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quantcore/internal/model"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

var (
	// ErrVersionNotFound 表示指定版本不存在。
	ErrVersionNotFound = errors.New("模型版本不存在")
	// ErrNoDeployment 表示该环境还没有部署指针。
	ErrNoDeployment = errors.New("该环境尚未部署任何版本")
	// ErrNoRollback 表示没有可回滚的历史版本。
	ErrNoRollback = errors.New("没有可回滚的上一版本")
)

// ModelVersionModel 是不可变的版本记录：注册之后只读。
type ModelVersionModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	ModelID       string         `gorm:"column:model_id"` // artifact 引用
	Symbol        string         `gorm:"column:symbol;uniqueIndex:idx_model_version,priority:1"`
	Timeframe     string         `gorm:"column:timeframe;uniqueIndex:idx_model_version,priority:2"`
	Version       int            `gorm:"column:version;uniqueIndex:idx_model_version,priority:3"`
	MetricsJSON   datatypes.JSON `gorm:"column:metrics_json;type:TEXT"`
	MetaJSON      datatypes.JSON `gorm:"column:meta_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (ModelVersionModel) TableName() string { return "model_versions" }

// DeploymentModel 是唯一可变的部署指针，(symbol,timeframe,env) 单行。
type DeploymentModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	Symbol        string `gorm:"column:symbol;uniqueIndex:idx_deployment,priority:1"`
	Timeframe     string `gorm:"column:timeframe;uniqueIndex:idx_deployment,priority:2"`
	Env           string `gorm:"column:env;uniqueIndex:idx_deployment,priority:3"`
	Version       int    `gorm:"column:version"`
	PrevVersion   int    `gorm:"column:prev_version"` // 0 表示无历史
	UpdatedAtUnix int64  `gorm:"column:updated_at"`
}

func (DeploymentModel) TableName() string { return "deployments" }

// ModelVersion 是对外暴露的版本视图。
type ModelVersion struct {
	ModelID   string         `json:"model_id"`
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Version   int            `json:"version"`
	Metrics   model.Summary  `json:"metrics"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Env       string         `json:"deployment_env,omitempty"`
}

// Registry 管理模型版本与部署指针（gorm + sqlite）。
// 指针更新在事务内完成：并发部署按最后写入生效，旧版本保留可回滚。
type Registry struct {
	db *gorm.DB
}

func New(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("registry 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   glogger.Default.LogMode(glogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("打开 registry 失败: %w", err)
	}
	if err := db.AutoMigrate(&ModelVersionModel{}, &DeploymentModel{}); err != nil {
		return nil, fmt.Errorf("registry 迁移失败: %w", err)
	}
	return &Registry{db: db}, nil
}

// Register 注册一个新版本：版本号单调递增，记录一经写入不再修改。
func (r *Registry) Register(ctx context.Context, symbol, timeframe, modelID string, metrics model.Summary, meta map[string]any) (ModelVersion, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	if symbol == "" || timeframe == "" || strings.TrimSpace(modelID) == "" {
		return ModelVersion{}, fmt.Errorf("symbol/timeframe/model_id 不能为空")
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return ModelVersion{}, err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return ModelVersion{}, err
	}
	var rec ModelVersionModel
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&ModelVersionModel{}).
			Where("symbol = ? AND timeframe = ?", symbol, timeframe).
			Select("COALESCE(MAX(version), 0)").Scan(&maxVersion).Error; err != nil {
			return err
		}
		rec = ModelVersionModel{
			ModelID:       modelID,
			Symbol:        symbol,
			Timeframe:     timeframe,
			Version:       maxVersion + 1,
			MetricsJSON:   datatypes.JSON(metricsJSON),
			MetaJSON:      datatypes.JSON(metaJSON),
			CreatedAtUnix: time.Now().UnixMilli(),
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return ModelVersion{}, fmt.Errorf("注册模型版本失败: %w", err)
	}
	return toVersion(rec, ""), nil
}

// Get 返回指定版本。
func (r *Registry) Get(ctx context.Context, symbol, timeframe string, version int) (ModelVersion, error) {
	var rec ModelVersionModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND version = ?",
			strings.ToUpper(symbol), strings.ToLower(timeframe), version).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ModelVersion{}, fmt.Errorf("%w: %s %s v%d", ErrVersionNotFound, symbol, timeframe, version)
	}
	if err != nil {
		return ModelVersion{}, err
	}
	return toVersion(rec, ""), nil
}

// List 返回某 symbol@timeframe 的全部版本（新→旧）。
func (r *Registry) List(ctx context.Context, symbol, timeframe string) ([]ModelVersion, error) {
	var recs []ModelVersionModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", strings.ToUpper(symbol), strings.ToLower(timeframe)).
		Order("version DESC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]ModelVersion, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toVersion(rec, ""))
	}
	return out, nil
}

// Deploy 把部署指针指向 version。并发部署 last-write-wins，
// 被替换的版本写入 prev_version 供回滚。
func (r *Registry) Deploy(ctx context.Context, symbol, timeframe string, version int, env string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		return fmt.Errorf("env 不能为空")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ModelVersionModel{}).
			Where("symbol = ? AND timeframe = ? AND version = ?", symbol, timeframe, version).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %s %s v%d", ErrVersionNotFound, symbol, timeframe, version)
		}
		var dep DeploymentModel
		err := tx.Where("symbol = ? AND timeframe = ? AND env = ?", symbol, timeframe, env).First(&dep).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			dep = DeploymentModel{Symbol: symbol, Timeframe: timeframe, Env: env}
		case err != nil:
			return err
		}
		if dep.Version != 0 && dep.Version != version {
			dep.PrevVersion = dep.Version
		}
		dep.Version = version
		dep.UpdatedAtUnix = time.Now().UnixMilli()
		return tx.Save(&dep).Error
	})
}

// Rollback 把指针回退到上一版本。
func (r *Registry) Rollback(ctx context.Context, symbol, timeframe, env string) (ModelVersion, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	env = strings.ToLower(strings.TrimSpace(env))
	var restored int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dep DeploymentModel
		err := tx.Where("symbol = ? AND timeframe = ? AND env = ?", symbol, timeframe, env).First(&dep).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s %s %s", ErrNoDeployment, symbol, timeframe, env)
		}
		if err != nil {
			return err
		}
		if dep.PrevVersion == 0 {
			return fmt.Errorf("%w: %s %s %s", ErrNoRollback, symbol, timeframe, env)
		}
		dep.Version, dep.PrevVersion = dep.PrevVersion, dep.Version
		dep.UpdatedAtUnix = time.Now().UnixMilli()
		restored = dep.Version
		return tx.Save(&dep).Error
	})
	if err != nil {
		return ModelVersion{}, err
	}
	ver, err := r.Get(ctx, symbol, timeframe, restored)
	if err != nil {
		return ModelVersion{}, err
	}
	ver.Env = env
	return ver, nil
}

// Deployed 返回某环境当前部署的版本。
func (r *Registry) Deployed(ctx context.Context, symbol, timeframe, env string) (ModelVersion, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	env = strings.ToLower(strings.TrimSpace(env))
	var dep DeploymentModel
	err := r.db.WithContext(ctx).Where("symbol = ? AND timeframe = ? AND env = ?", symbol, timeframe, env).First(&dep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ModelVersion{}, fmt.Errorf("%w: %s %s %s", ErrNoDeployment, symbol, timeframe, env)
	}
	if err != nil {
		return ModelVersion{}, err
	}
	ver, err := r.Get(ctx, symbol, timeframe, dep.Version)
	if err != nil {
		return ModelVersion{}, err
	}
	ver.Env = env
	return ver, nil
}

// 参与 Compare 的指标路径（聚合 JSON 中的字段名）。
var compareMetricPaths = []string{
	"accuracy_mean", "precision_mean", "recall_mean", "f1_mean", "auc_mean",
}

// Compare 返回 versionB 相对 versionA 的指标增量（B - A）。
func (r *Registry) Compare(ctx context.Context, symbol, timeframe string, versionA, versionB int) (map[string]float64, error) {
	a, err := r.rawMetrics(ctx, symbol, timeframe, versionA)
	if err != nil {
		return nil, err
	}
	b, err := r.rawMetrics(ctx, symbol, timeframe, versionB)
	if err != nil {
		return nil, err
	}
	deltas := make(map[string]float64, len(compareMetricPaths))
	for _, path := range compareMetricPaths {
		deltas[path] = gjson.GetBytes(b, path).Float() - gjson.GetBytes(a, path).Float()
	}
	return deltas, nil
}

func (r *Registry) rawMetrics(ctx context.Context, symbol, timeframe string, version int) ([]byte, error) {
	var rec ModelVersionModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND version = ?",
			strings.ToUpper(symbol), strings.ToLower(timeframe), version).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %s v%d", ErrVersionNotFound, symbol, timeframe, version)
	}
	if err != nil {
		return nil, err
	}
	return []byte(rec.MetricsJSON), nil
}

func toVersion(rec ModelVersionModel, env string) ModelVersion {
	var metrics model.Summary
	_ = json.Unmarshal(rec.MetricsJSON, &metrics)
	var meta map[string]any
	_ = json.Unmarshal(rec.MetaJSON, &meta)
	return ModelVersion{
		ModelID:   rec.ModelID,
		Symbol:    rec.Symbol,
		Timeframe: rec.Timeframe,
		Version:   rec.Version,
		Metrics:   metrics,
		Meta:      meta,
		CreatedAt: time.UnixMilli(rec.CreatedAtUnix),
		Env:       env,
	}
}
