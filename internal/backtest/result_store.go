package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound 表示 run 不存在。
var ErrRunNotFound = errors.New("回测任务不存在")

// 运行状态。
const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunParams 一次回测的参数快照，便于重放。
type RunParams struct {
	Symbol        string  `json:"symbol" binding:"required"`
	Timeframe     string  `json:"timeframe" binding:"required"`
	Start         int64   `json:"start" binding:"required"`
	End           int64   `json:"end" binding:"required"`
	ModelVersion  int     `json:"model_version"`
	Env           string  `json:"env"`
	InitialEquity float64 `json:"initial_equity"`
}

// Run 一次回测任务。
type Run struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Params    RunParams `json:"params"`
	Stats     Stats     `json:"stats"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunModel gorm 持久化模型。
type RunModel struct {
	ID         string         `gorm:"column:id;primaryKey"`
	Symbol     string         `gorm:"column:symbol;index"`
	Timeframe  string         `gorm:"column:timeframe"`
	Status     string         `gorm:"column:status;index"`
	ParamsJSON datatypes.JSON `gorm:"column:params_json;type:TEXT"`
	StatsJSON  datatypes.JSON `gorm:"column:stats_json;type:TEXT"`
	Message    string         `gorm:"column:message"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (RunModel) TableName() string { return "backtest_runs" }

// TradeModel 成交持久化模型，fills 走 JSON。
type TradeModel struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunID     string         `gorm:"column:run_id;index"`
	SignalID  string         `gorm:"column:signal_id"`
	Side      string         `gorm:"column:side"`
	FillsJSON datatypes.JSON `gorm:"column:fills_json;type:TEXT"`
	PnL       float64        `gorm:"column:pnl"`
	PnLPct    float64        `gorm:"column:pnl_pct"`
	ExitKind  string         `gorm:"column:exit_kind"`
	OpenedAt  int64          `gorm:"column:opened_at"`
	ClosedAt  int64          `gorm:"column:closed_at"`
}

func (TradeModel) TableName() string { return "backtest_trades" }

// ResultStore 回测结果落库（gorm + sqlite）。
type ResultStore struct {
	db *gorm.DB
}

func NewResultStore(path string) (*ResultStore, error) {
	if path == "" {
		return nil, fmt.Errorf("结果库路径不能为空")
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
		return nil, fmt.Errorf("打开结果库失败: %w", err)
	}
	if err := db.AutoMigrate(&RunModel{}, &TradeModel{}); err != nil {
		return nil, fmt.Errorf("结果库迁移失败: %w", err)
	}
	return &ResultStore{db: db}, nil
}

// CreateRun 写入 pending 任务。
func (s *ResultStore) CreateRun(ctx context.Context, run Run) error {
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return err
	}
	now := time.Now()
	return s.db.WithContext(ctx).Create(&RunModel{
		ID:         run.ID,
		Symbol:     run.Params.Symbol,
		Timeframe:  run.Params.Timeframe,
		Status:     RunStatusPending,
		ParamsJSON: datatypes.JSON(paramsJSON),
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error
}

// SetStatus 更新任务状态与消息。
func (s *ResultStore) SetStatus(ctx context.Context, runID, status, message string) error {
	res := s.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).
		Updates(map[string]any{"status": status, "message": message, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Finish 落库汇总指标与全部成交。
func (s *ResultStore) Finish(ctx context.Context, runID string, stats Stats, trades []Trade) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RunModel{}).Where("id = ?", runID).Updates(map[string]any{
			"status":     RunStatusDone,
			"stats_json": datatypes.JSON(statsJSON),
			"updated_at": time.Now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		for _, tr := range trades {
			fillsJSON, err := json.Marshal(tr.Fills)
			if err != nil {
				return err
			}
			if err := tx.Create(&TradeModel{
				RunID:     runID,
				SignalID:  tr.SignalID,
				Side:      tr.Side,
				FillsJSON: datatypes.JSON(fillsJSON),
				PnL:       tr.RealizedPnL,
				PnLPct:    tr.RealizedPnLPct,
				ExitKind:  tr.ExitKind,
				OpenedAt:  tr.OpenedAt,
				ClosedAt:  tr.ClosedAt,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun 读取单个任务。
func (s *ResultStore) GetRun(ctx context.Context, runID string) (Run, error) {
	var rec RunModel
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, err
	}
	return toRun(rec), nil
}

// ListRuns 按创建时间倒序列出任务。
func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []RunModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRun(rec))
	}
	return out, nil
}

// Trades 读取一次任务的全部成交。
func (s *ResultStore) Trades(ctx context.Context, runID string) ([]Trade, error) {
	var recs []TradeModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("opened_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(recs))
	for _, rec := range recs {
		tr := Trade{
			SignalID:       rec.SignalID,
			Side:           rec.Side,
			RealizedPnL:    rec.PnL,
			RealizedPnLPct: rec.PnLPct,
			ExitKind:       rec.ExitKind,
			OpenedAt:       rec.OpenedAt,
			ClosedAt:       rec.ClosedAt,
		}
		_ = json.Unmarshal(rec.FillsJSON, &tr.Fills)
		out = append(out, tr)
	}
	return out, nil
}

func toRun(rec RunModel) Run {
	run := Run{
		ID:        rec.ID,
		Status:    rec.Status,
		Message:   rec.Message,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	_ = json.Unmarshal(rec.ParamsJSON, &run.Params)
	_ = json.Unmarshal(rec.StatsJSON, &run.Stats)
	return run
}
