package train

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"quantcore/internal/market"

	"github.com/google/uuid"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// JobParams 一次训练任务的入参。Start/End 为开盘时间毫秒闭区间。
type JobParams struct {
	Symbol    string `json:"symbol" binding:"required"`
	Timeframe string `json:"timeframe" binding:"required"`
	Start     int64  `json:"start_ts" binding:"required"`
	End       int64  `json:"end_ts" binding:"required"`
}

// Job 训练任务的可查询快照。
type Job struct {
	ID         string    `json:"id"`
	Params     JobParams `json:"params"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Report     *Report   `json:"report,omitempty"`
	Version    int       `json:"version,omitempty"`
	SubmitAt   time.Time `json:"submitted_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Manager 管理异步训练任务：并发受限、状态可查询。
type Manager struct {
	svc     *Service
	candles *market.Store
	sem     chan struct{}

	mu      sync.Mutex
	jobs    map[string]*Job
	baseCtx context.Context
}

func NewManager(svc *Service, candles *market.Store, maxConcurrent int) (*Manager, error) {
	if svc == nil || candles == nil {
		return nil, fmt.Errorf("service/candles 不能为空")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		svc:     svc,
		candles: candles,
		sem:     make(chan struct{}, maxConcurrent),
		jobs:    make(map[string]*Job),
		baseCtx: context.Background(),
	}, nil
}

// Submit 校验入参并异步启动训练。
func (m *Manager) Submit(params JobParams) (Job, error) {
	params.Symbol = strings.ToUpper(strings.TrimSpace(params.Symbol))
	if params.Symbol == "" {
		return Job{}, fmt.Errorf("symbol 不能为空")
	}
	tf, err := market.ParseTimeframe(params.Timeframe)
	if err != nil {
		return Job{}, err
	}
	params.Timeframe = tf.Key
	if params.Start <= 0 || params.End <= params.Start {
		return Job{}, fmt.Errorf("时间区间非法: [%d, %d]", params.Start, params.End)
	}

	job := &Job{
		ID:       uuid.NewString(),
		Params:   params,
		Status:   JobStatusPending,
		SubmitAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.run(job.ID, params, tf)
	return *job, nil
}

func (m *Manager) run(id string, params JobParams, tf market.Timeframe) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	m.update(id, func(j *Job) { j.Status = JobStatusRunning })
	ctx := context.WithoutCancel(m.baseCtx)

	candles, err := m.candles.RangeCandles(ctx, params.Symbol, params.Timeframe, params.Start, params.End)
	if err != nil {
		m.fail(id, fmt.Errorf("读取 K 线失败: %w", err))
		return
	}
	outcome, err := m.svc.Train(ctx, params.Symbol, tf, candles)
	if err != nil {
		m.fail(id, err)
		return
	}
	m.update(id, func(j *Job) {
		j.Status = JobStatusDone
		j.Report = outcome.Report
		j.Version = outcome.Version.Version
		j.FinishedAt = time.Now().UTC()
	})
}

func (m *Manager) fail(id string, err error) {
	log.Errorf("训练任务 %s 失败: %v", id, err)
	m.update(id, func(j *Job) {
		j.Status = JobStatusFailed
		j.Message = err.Error()
		j.FinishedAt = time.Now().UTC()
	})
}

func (m *Manager) update(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		fn(j)
	}
}

// Job 返回任务快照。
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Jobs 返回全部任务快照。
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}
