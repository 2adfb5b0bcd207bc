package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"quantcore/internal/logger"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// FetchParams 指定要补齐的历史区间。
type FetchParams struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
}

// FetchJob 拉取任务的可观测状态。
type FetchJob struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Params    FetchParams `json:"params"`
	Total     int64       `json:"total"`
	Completed int64       `json:"completed"`
	Message   string      `json:"message,omitempty"`
	Missing   []Gap       `json:"missing,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (j *FetchJob) copy() FetchJob {
	dup := *j
	dup.Missing = append([]Gap{}, j.Missing...)
	dup.Warnings = append([]string{}, j.Warnings...)
	return dup
}

// FetcherConfig 配置 Fetcher。
type FetcherConfig struct {
	Store           *Store
	Source          Source
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// Fetcher 负责按缺口补齐本地 K 线库：限速、并发受限、任务可查询。
type Fetcher struct {
	store    *Store
	source   Source
	maxBatch int

	limiter *rate.Limiter
	sem     chan struct{}

	mu   sync.RWMutex
	jobs map[string]*FetchJob

	baseCtx context.Context
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("数据源不能为空")
	}
	ratePerSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		ratePerSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Fetcher{
		store:    cfg.Store,
		source:   cfg.Source,
		maxBatch: maxBatch,
		limiter:  rate.NewLimiter(ratePerSec, maxBatch),
		sem:      make(chan struct{}, maxConcurrent),
		jobs:     make(map[string]*FetchJob),
		baseCtx:  context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (f *Fetcher) SetContext(ctx context.Context) {
	if ctx != nil {
		f.baseCtx = ctx
	}
}

func (f *Fetcher) ctx() context.Context {
	if f.baseCtx == nil {
		return context.Background()
	}
	return f.baseCtx
}

// Submit 提交拉取任务；若区间已完整只做一致性检查。
func (f *Fetcher) Submit(params FetchParams) (FetchJob, error) {
	params.Symbol = normalizeSymbol(params.Symbol)
	if params.Symbol == "" {
		return FetchJob{}, fmt.Errorf("symbol 不能为空")
	}
	tf, err := ParseTimeframe(params.Timeframe)
	if err != nil {
		return FetchJob{}, err
	}
	start, end := tf.AlignRange(params.Start, params.End)
	if start == end {
		return FetchJob{}, fmt.Errorf("start 与 end 需要构成区间")
	}
	params.Start = start
	params.End = end

	report, err := f.store.CheckIntegrity(f.ctx(), params.Symbol, params.Timeframe, tf, start, end)
	if err != nil {
		return FetchJob{}, err
	}
	completed := report.Present
	if completed > report.Expected {
		completed = report.Expected
	}
	job := &FetchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     report.Expected,
		Completed: completed,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
		Missing:   append([]Gap{}, report.Gaps...),
	}
	f.mu.Lock()
	f.jobs[job.ID] = job
	f.mu.Unlock()
	logger.Infof("[market] 任务 %s 提交：%s %s [%d,%d] 预计=%d 缺口=%d", job.ID, params.Symbol, params.Timeframe, start, end, report.Expected, len(report.Gaps))

	if report.Expected == 0 || report.Complete() {
		f.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需重新拉取", report.Gaps)
		return job.copy(), nil
	}

	go f.runJob(job.ID, tf, report)
	return job.copy(), nil
}

func (f *Fetcher) runJob(jobID string, tf Timeframe, report IntegrityReport) {
	select {
	case f.sem <- struct{}{}:
	case <-f.ctx().Done():
		f.setJobStatus(jobID, JobStatusFailed, "服务已关闭", nil)
		return
	}
	defer func() { <-f.sem }()

	job := f.getJob(jobID)
	if job == nil {
		return
	}
	logger.Infof("[market] 任务 %s 开始，缺口=%d", jobID, len(report.Gaps))
	f.updateJob(jobID, func(j *FetchJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})

	params := job.Params
	ctx := f.ctx()
	step := tf.DurationMillis()
	var warnings []string

	for _, gap := range report.Gaps {
		cursor := gap.Start
		for cursor <= gap.End {
			if err := ctx.Err(); err != nil {
				f.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return
			}
			if err := f.limiter.Wait(ctx); err != nil {
				f.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return
			}
			batchEnd := cursor + int64(f.maxBatch)*step - 1
			if batchEnd > gap.End {
				batchEnd = gap.End
			}
			data, err := f.source.FetchRange(ctx, params.Symbol, tf.SourceInterval, cursor, batchEnd)
			if err != nil {
				f.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("拉取失败: %v", err), nil)
				return
			}
			if len(data) == 0 {
				warnings = append(warnings, fmt.Sprintf("区间 [%d,%d] 拉取为空", cursor, batchEnd))
				break
			}
			inserted, err := f.store.InsertCandles(ctx, params.Symbol, params.Timeframe, data)
			if err != nil {
				f.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("写入失败: %v", err), nil)
				return
			}
			cursor = data[len(data)-1].OpenTime + step
			f.updateJob(jobID, func(j *FetchJob) {
				j.Completed += int64(inserted)
				j.UpdatedAt = time.Now()
				if warnings != nil {
					j.Warnings = warnings
				}
			})
			if inserted == 0 {
				break
			}
		}
	}

	finalReport, err := f.store.CheckIntegrity(f.ctx(), params.Symbol, params.Timeframe, tf, params.Start, params.End)
	status := JobStatusDone
	if err != nil {
		status = JobStatusFailed
		warnings = append(warnings, "完整性检查失败: "+err.Error())
	}
	message := "拉取完成"
	if !finalReport.Complete() && status != JobStatusFailed {
		status = JobStatusPartial
		message = "已完成，但仍存在缺口"
	}
	f.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, finalReport.Gaps...)
		j.UpdatedAt = time.Now()
		if len(warnings) > 0 {
			j.Warnings = append([]string{}, warnings...)
		}
	})
	logger.Infof("[market] 任务 %s 完成，状态=%s，缺口=%d", jobID, status, len(finalReport.Gaps))
}

func (f *Fetcher) setJobStatus(jobID, status, message string, gaps []Gap) {
	f.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		j.UpdatedAt = time.Now()
	})
}

func (f *Fetcher) getJob(id string) *FetchJob {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.jobs[id]
}

func (f *Fetcher) updateJob(id string, fn func(*FetchJob)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

// Job 返回任务副本。
func (f *Fetcher) Job(id string) (FetchJob, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	job, ok := f.jobs[id]
	if !ok {
		return FetchJob{}, false
	}
	return job.copy(), true
}

// Jobs 返回所有任务的拷贝列表。
func (f *Fetcher) Jobs() []FetchJob {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]FetchJob, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job.copy())
	}
	return out
}

// WaitJob 轮询直到任务终态或 ctx 取消。
func (f *Fetcher) WaitJob(ctx context.Context, id string, poll time.Duration) (FetchJob, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		job, ok := f.Job(id)
		if !ok {
			return FetchJob{}, fmt.Errorf("未知任务: %s", id)
		}
		switch job.Status {
		case JobStatusDone, JobStatusPartial:
			return job, nil
		case JobStatusFailed:
			return job, fmt.Errorf("任务失败: %s", job.Message)
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// normalizeSymbol 统一大写无空格。
func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
