package drift

import (
	"context"
	"sync"
	"time"
)

// Supervisor 周期性驱动 Monitor 评估。参照分布在训练完成前不存在，
// 所以 Monitor 是事后挂载的；未挂载时循环空转。
type Supervisor struct {
	interval time.Duration

	mu      sync.RWMutex
	monitor *Monitor
}

func NewSupervisor(interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Supervisor{interval: interval}
}

// Attach 挂载（或替换）被监控的 Monitor。
func (s *Supervisor) Attach(m *Monitor) {
	s.mu.Lock()
	s.monitor = m
	s.mu.Unlock()
}

// Monitor 返回当前挂载的 Monitor，未挂载时为 nil。
func (s *Supervisor) Monitor() *Monitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitor
}

// Run 阻塞运行评估循环，ctx 取消时退出。
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m := s.Monitor(); m != nil {
				report := m.Evaluate()
				if report.Samples > 0 && !report.Degraded {
					log.Debugf("漂移评估通过 (样本=%d)", report.Samples)
				}
			}
		}
	}
}
