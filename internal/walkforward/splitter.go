package walkforward

import (
	"errors"
	"fmt"

	"quantcore/internal/market"
)

// ErrInsufficientData 表示历史长度不足以生成任何一折。
var ErrInsufficientData = errors.New("历史数据不足，无法生成 walk-forward 切分")

// Config 以天为单位描述切分参数，内部按周期换算成 K 线根数。
type Config struct {
	MinTrainDays   int
	TestPeriodDays int
	PurgeDays      int
	EmbargoDays    int
}

func (c Config) validate() error {
	if c.MinTrainDays <= 0 {
		return fmt.Errorf("min_train_days 需 > 0")
	}
	if c.TestPeriodDays <= 0 {
		return fmt.Errorf("test_period_days 需 > 0")
	}
	if c.PurgeDays < 0 || c.EmbargoDays < 0 {
		return fmt.Errorf("purge/embargo 不能为负")
	}
	return nil
}

// Split 是一折切分，全部为 K 线下标（闭开区间按注释标注）。
// 不变量: TrainEnd < PurgeEnd <= EmbargoStart < TestStart，
// 且相邻折的训练窗只增不减（expanding window）。
type Split struct {
	Index        int   `json:"index"`
	TrainStart   int   `json:"train_start"`   // 含
	TrainEnd     int   `json:"train_end"`     // 含
	PurgeEnd     int   `json:"purge_end"`     // 含（train_end+1 .. purge_end 被清除）
	EmbargoStart int   `json:"embargo_start"` // 含
	TestStart    int   `json:"test_start"`    // 含
	TestEnd      int   `json:"test_end"`      // 含
	TrainStartTS int64 `json:"train_start_ts"`
	TestStartTS  int64 `json:"test_start_ts"`
	TestEndTS    int64 `json:"test_end_ts"`
}

// TrainLen 返回训练窗根数。
func (s Split) TrainLen() int { return s.TrainEnd - s.TrainStart + 1 }

// TestLen 返回测试窗根数。
func (s Split) TestLen() int { return s.TestEnd - s.TestStart + 1 }

// Splitter 生成 expanding-window walk-forward 切分序列。
type Splitter struct {
	cfg Config
}

func NewSplitter(cfg Config) (*Splitter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Splitter{cfg: cfg}, nil
}

// Generate 依据可用历史生成全部折。
//
// 第 i 折: train = [0, minTrain + i·test - 1]，purge 紧随其后 purgeBars 根，
// embargo 再隔 embargoBars 根，test 固定 testBars 根。直到 test 超出历史为止。
// purge 覆盖标签前瞻窗（labelHorizon），保证训练期标签不会“看到”测试期价格；
// purgeBars 取两者较大值。
func (s *Splitter) Generate(times []int64, tf market.Timeframe, labelHorizon int) ([]Split, error) {
	if len(times) == 0 {
		return nil, ErrInsufficientData
	}
	perDay := tf.CandlesPerDay()
	if perDay <= 0 {
		return nil, fmt.Errorf("周期 %s 无法换算为每日根数", tf.Key)
	}
	minTrain := s.cfg.MinTrainDays * perDay
	testBars := s.cfg.TestPeriodDays * perDay
	purgeBars := s.cfg.PurgeDays * perDay
	if labelHorizon > purgeBars {
		purgeBars = labelHorizon
	}
	if purgeBars < 1 {
		purgeBars = 1
	}
	embargoBars := s.cfg.EmbargoDays * perDay
	if minTrain < 2 || testBars < 1 {
		return nil, fmt.Errorf("切分参数过小: minTrain=%d testBars=%d", minTrain, testBars)
	}

	var splits []Split
	for i := 0; ; i++ {
		trainEnd := minTrain + i*testBars - 1
		purgeEnd := trainEnd + purgeBars
		embargoStart := purgeEnd
		testStart := embargoStart + embargoBars + 1
		testEnd := testStart + testBars - 1
		if testEnd >= len(times) {
			break
		}
		splits = append(splits, Split{
			Index:        i,
			TrainStart:   0,
			TrainEnd:     trainEnd,
			PurgeEnd:     purgeEnd,
			EmbargoStart: embargoStart,
			TestStart:    testStart,
			TestEnd:      testEnd,
			TrainStartTS: times[0],
			TestStartTS:  times[testStart],
			TestEndTS:    times[testEnd],
		})
	}
	if len(splits) == 0 {
		return nil, fmt.Errorf("%w: 共 %d 根，至少需要 %d 根（minTrain+purge+embargo+test）",
			ErrInsufficientData, len(times), minTrain+purgeBars+embargoBars+testBars)
	}
	return splits, nil
}
